package hw

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrNoMemory is returned by a [Region] that has no free block large enough.
var ErrNoMemory = errors.New("dma region exhausted")

// Region is a physically contiguous buffer exported by the u-dma-buf kernel
// module. Blocks are carved out of it first fit.
type Region struct {
	name string
	mem  []byte
	phys uint64

	mu   sync.Mutex
	used []span // sorted by offset
}

type span struct {
	off, size int
}

func readSysfsUint(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
}

// OpenRegion maps /dev/<name> and reads its physical address and size from
// sysfs.
func OpenRegion(name string) (*Region, error) {
	sys := filepath.Join("/sys/class/u-dma-buf", name)
	phys, err := readSysfsUint(filepath.Join(sys, "phys_addr"))
	if err != nil {
		return nil, fmt.Errorf("read physical address of %s: %w", name, err)
	}
	size, err := readSysfsUint(filepath.Join(sys, "size"))
	if err != nil {
		return nil, fmt.Errorf("read size of %s: %w", name, err)
	}

	f, err := os.OpenFile(filepath.Join("/dev", name), os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", name, err)
	}

	return &Region{name: name, mem: mem, phys: phys}, nil
}

type regionMem struct {
	r   *Region
	off int
	buf []byte
}

func (m *regionMem) Buf() []byte      { return m.buf }
func (m *regionMem) PhysAddr() uint64 { return m.r.phys + uint64(m.off) }

func (m *regionMem) Close() error {
	if m.buf == nil {
		return nil
	}
	m.r.free(m.off)
	m.buf = nil
	return nil
}

func (r *Region) Alloc(size, align int) (Mem, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocation size %d is too small", size)
	}
	if err := CheckAlignment(0, align); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	off, i := 0, 0
	for ; i <= len(r.used); i++ {
		off = alignUp(off, align)
		end := len(r.mem)
		if i < len(r.used) {
			end = r.used[i].off
		}
		if off+size <= end {
			break
		}
		if i < len(r.used) {
			off = r.used[i].off + r.used[i].size
		}
	}
	if i > len(r.used) {
		return nil, fmt.Errorf("%w: %s has no free block of %d bytes", ErrNoMemory, r.name, size)
	}

	r.used = append(r.used, span{})
	copy(r.used[i+1:], r.used[i:])
	r.used[i] = span{off: off, size: size}

	b := r.mem[off : off+size : off+size]
	clear(b)
	return &regionMem{r: r, off: off, buf: b}, nil
}

func (r *Region) free(off int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.used {
		if s.off == off {
			r.used = append(r.used[:i], r.used[i+1:]...)
			return
		}
	}
}

func (r *Region) Resolve(phys uint64, n int) ([]byte, bool) {
	if phys < r.phys || phys+uint64(n) > r.phys+uint64(len(r.mem)) {
		return nil, false
	}
	off := phys - r.phys
	return r.mem[off : off+uint64(n)], true
}

func (r *Region) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}
