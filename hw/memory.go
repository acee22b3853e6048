package hw

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrAlignment is returned when a size or alignment cannot be honored.
var ErrAlignment = errors.New("invalid alignment")

// Mem is a block of memory the DMA engine can reach. Buf is the CPU view and
// PhysAddr the address the engine uses for the first byte of Buf.
type Mem interface {
	io.Closer
	Buf() []byte
	PhysAddr() uint64
}

// Allocator hands out DMA reachable memory.
type Allocator interface {
	Alloc(size, align int) (Mem, error)
}

// Resolver maps an engine address back to CPU memory. It is used by the
// simulated engine to follow descriptor and buffer addresses.
type Resolver interface {
	Resolve(phys uint64, n int) ([]byte, bool)
}

// CheckAlignment returns an [ErrAlignment] when align is not a power of 2 or
// v is not a multiple of it.
func CheckAlignment(v, align int) error {
	if align <= 0 || align&(align-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrAlignment, align)
	}
	if v%align != 0 {
		return fmt.Errorf("%w: %d is not a multiple of %d", ErrAlignment, v, align)
	}
	return nil
}

// Heap allocates page backed anonymous mappings. The engine address of a block
// is its virtual address, which is what an IOMMU identity mapping or the
// simulated engine expect.
type Heap struct {
	mu      sync.Mutex
	regions []*heapMem
}

func NewHeap() *Heap {
	return &Heap{}
}

type heapMem struct {
	h       *Heap
	mapping []byte
	buf     []byte
	phys    uint64
}

func (m *heapMem) Buf() []byte      { return m.buf }
func (m *heapMem) PhysAddr() uint64 { return m.phys }

func (m *heapMem) Close() error {
	if m.buf == nil {
		return nil
	}
	m.h.forget(m)
	err := unix.Munmap(m.mapping)
	m.buf, m.mapping = nil, nil
	if err != nil {
		return fmt.Errorf("unmap dma memory: %w", err)
	}
	return nil
}

// Alloc maps size bytes rounded up to whole pages. Mappings start on a page
// boundary, so any power of 2 alignment up to the page size is satisfied.
func (h *Heap) Alloc(size, align int) (Mem, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocation size %d is too small", size)
	}
	page := os.Getpagesize()
	if err := CheckAlignment(page, align); err != nil {
		return nil, fmt.Errorf("%w: page size %d cannot satisfy alignment %d", ErrAlignment, page, align)
	}

	mapped := (size + page - 1) / page * page
	b, err := unix.Mmap(-1, 0, mapped, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate dma memory: %w", err)
	}

	m := &heapMem{
		h:       h,
		mapping: b,
		buf:     b[:size:size],
		phys:    uint64(uintptr(unsafe.Pointer(&b[0]))),
	}

	h.mu.Lock()
	i := sort.Search(len(h.regions), func(i int) bool { return h.regions[i].phys > m.phys })
	h.regions = append(h.regions, nil)
	copy(h.regions[i+1:], h.regions[i:])
	h.regions[i] = m
	h.mu.Unlock()

	return m, nil
}

func (h *Heap) forget(m *heapMem) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, r := range h.regions {
		if r == m {
			h.regions = append(h.regions[:i], h.regions[i+1:]...)
			return
		}
	}
}

// Resolve returns the n bytes at engine address phys when they are entirely
// inside one live allocation.
func (h *Heap) Resolve(phys uint64, n int) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := sort.Search(len(h.regions), func(i int) bool { return h.regions[i].phys > phys }) - 1
	if i < 0 {
		return nil, false
	}
	r := h.regions[i]
	off := phys - r.phys
	if off+uint64(n) > uint64(len(r.buf)) {
		return nil, false
	}
	return r.buf[off : off+uint64(n)], true
}

// Len is the number of live allocations.
func (h *Heap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.regions)
}
