package hw

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/slackhq/fpgadma/hw/eventfd"
	"golang.org/x/sys/unix"
)

// UIO is a userspace I/O device node. Map 0, when present, holds the register
// window. Reading the node blocks until the next interrupt and writing 1
// re-enables it.
type UIO struct {
	name string
	f    *os.File
	regs []byte

	// Wait is done through epoll so Close can wake a blocked reader.
	ep   *eventfd.Epoll
	kick *eventfd.EventFD

	mu       sync.Mutex
	canceled bool
	closed   bool
}

// OpenUIO opens /dev/<name>. A device with no map 0 is an interrupt only
// device and has no registers.
func OpenUIO(name string) (*UIO, error) {
	f, err := os.OpenFile(filepath.Join("/dev", name), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	u := &UIO{name: name, f: f}
	size, err := readSysfsUint(filepath.Join("/sys/class/uio", name, "maps/map0/size"))
	if err == nil && size > 0 {
		u.regs, err = unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("map registers of %s: %w", name, err)
		}
	}

	if err := u.initWait(); err != nil {
		u.Close()
		return nil, err
	}
	return u, nil
}

func (u *UIO) initWait() error {
	var err error
	if u.ep, err = eventfd.NewEpoll(); err != nil {
		return err
	}
	if u.kick, err = eventfd.New(); err != nil {
		return err
	}
	if err = u.ep.AddEvent(int(u.f.Fd())); err != nil {
		return err
	}
	return u.ep.AddEvent(u.kick.FD())
}

func (u *UIO) Name() string {
	return u.name
}

// Registers returns the mapped register window, nil for interrupt only devices.
func (u *UIO) Registers() Registers {
	if u.regs == nil {
		return nil
	}
	return MMIO(u.regs)
}

func (u *UIO) EnableIRQ() error {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], 1)
	_, err := u.f.Write(b[:])
	return err
}

// WaitIRQ blocks until the next interrupt and returns the kernel's interrupt
// count.
func (u *UIO) WaitIRQ() (uint32, error) {
	for {
		fds, err := u.ep.Wait()
		if err != nil {
			return 0, err
		}

		u.mu.Lock()
		canceled := u.canceled
		u.mu.Unlock()
		if canceled {
			return 0, ErrClosed
		}

		for _, fd := range fds {
			if fd != int(u.f.Fd()) {
				continue
			}
			var b [4]byte
			if _, err := u.f.Read(b[:]); err != nil {
				return 0, err
			}
			return binary.NativeEndian.Uint32(b[:]), nil
		}
	}
}

// CancelWait makes every current and future WaitIRQ return ErrClosed. The
// register window stays mapped until Close.
func (u *UIO) CancelWait() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.canceled {
		return
	}
	u.canceled = true
	if u.kick != nil {
		_ = u.kick.Kick()
	}
}

func (u *UIO) Close() error {
	u.CancelWait()

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()

	var errs []error
	if u.regs != nil {
		errs = append(errs, unix.Munmap(u.regs))
		u.regs = nil
	}
	if u.ep != nil {
		errs = append(errs, u.ep.Close())
	}
	if u.kick != nil {
		errs = append(errs, u.kick.Close())
	}
	errs = append(errs, u.f.Close())
	return errors.Join(errs...)
}
