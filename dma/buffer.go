package dma

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/fpgadma/hw"
)

// Buffer is one fixed size block of DMA memory.
type Buffer struct {
	mem  hw.Mem
	data []byte
	phys uint64

	// bytes is the valid payload length.
	bytes int
	// refs counts the descriptors the buffer is bound to.
	refs int
	// done is set on receive buffers the engine has filled.
	done bool
}

func (b *Buffer) Data() []byte {
	return b.data[:b.bytes]
}

func (b *Buffer) Bytes() int {
	return b.bytes
}

func (b *Buffer) Refs() int {
	return b.refs
}

// Pool recycles buffers of one size. Recycled buffers are handed out most
// recently released first.
type Pool struct {
	l     *logrus.Logger
	alloc hw.Allocator
	size  int
	align int

	free      []*Buffer
	allocated int
}

func NewPool(l *logrus.Logger, alloc hw.Allocator, size, align int) (*Pool, error) {
	if err := hw.CheckAlignment(size, align); err != nil {
		return nil, fmt.Errorf("%w: buffer size: %v", ErrInvalidArgument, err)
	}
	return &Pool{l: l, alloc: alloc, size: size, align: align}, nil
}

func (p *Pool) BufferSize() int {
	return p.size
}

// Acquire returns an empty buffer, recycled when possible.
func (p *Pool) Acquire() (*Buffer, error) {
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		b.bytes, b.refs, b.done = 0, 0, false
		return b, nil
	}

	m, err := p.alloc.Alloc(p.size, p.align)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	p.allocated++
	return &Buffer{mem: m, data: m.Buf(), phys: m.PhysAddr()}, nil
}

func (p *Pool) check(bufs []*Buffer) error {
	for i, b := range bufs {
		if b.refs != 0 {
			err := newInvariantError(ErrRefCount, map[string]any{
				"index": i,
				"refs":  b.refs,
				"phys":  fmt.Sprintf("0x%x", b.phys),
			})
			err.Log(p.l)
			return err
		}
	}
	return nil
}

// Release returns buffers to the pool. When any buffer is still bound to a
// descriptor nothing is released.
func (p *Pool) Release(bufs ...*Buffer) error {
	if err := p.check(bufs); err != nil {
		return err
	}
	for _, b := range bufs {
		b.bytes, b.done = 0, false
	}
	p.free = append(p.free, bufs...)
	return nil
}

// Free gives the memory of buffers back to the allocator, with the same
// reference check as Release.
func (p *Pool) Free(bufs ...*Buffer) error {
	if err := p.check(bufs); err != nil {
		return err
	}
	for _, b := range bufs {
		if err := b.mem.Close(); err != nil {
			p.l.WithError(err).Warn("Failed to free dma buffer")
		}
		p.allocated--
	}
	return nil
}

// Shrink frees idle buffers until at most keep are left.
func (p *Pool) Shrink(keep int) {
	if len(p.free) <= keep {
		return
	}
	extra := p.free[keep:]
	p.free = p.free[:keep]
	_ = p.Free(extra...)
}

// Close frees all idle buffers.
func (p *Pool) Close() {
	p.Shrink(0)
}

// Allocated is the number of buffers backed by memory, idle or in use.
func (p *Pool) Allocated() int {
	return p.allocated
}

// Idle is the number of buffers waiting in the pool.
func (p *Pool) Idle() int {
	return len(p.free)
}
