// Package hw holds the hardware facing pieces shared by the DMA core and the
// FPGA peripheral: a register access interface, the register maps of both
// blocks, the in-memory descriptor layout and allocators for memory that the
// DMA engine can reach.
package hw

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// ErrClosed is returned by interrupt waits once they have been canceled.
var ErrClosed = errors.New("interrupt source closed")

// Registers is a 32 bit register file addressed by byte offset.
type Registers interface {
	ReadReg(offset uint32) uint32
	WriteReg(offset uint32, v uint32)
}

// Window exposes the registers of R starting at Base, so per channel register
// blocks can use the same offsets.
type Window struct {
	R    Registers
	Base uint32
}

func (w Window) ReadReg(offset uint32) uint32 {
	return w.R.ReadReg(w.Base + offset)
}

func (w Window) WriteReg(offset uint32, v uint32) {
	w.R.WriteReg(w.Base+offset, v)
}

// WriteReg64 writes v into the lo/hi register pair starting at offset. The
// high word goes first, the engine latches the pair on the low word write.
func WriteReg64(r Registers, offset uint32, v uint64) {
	r.WriteReg(offset+4, uint32(v>>32))
	r.WriteReg(offset, uint32(v))
}

// ReadReg64 reads the lo/hi register pair starting at offset.
func ReadReg64(r Registers, offset uint32) uint64 {
	return uint64(r.ReadReg(offset)) | uint64(r.ReadReg(offset+4))<<32
}

// MMIO is a memory mapped register block. Accesses are done with atomic 32
// bit loads and stores so the compiler never merges or elides them.
type MMIO []byte

func (m MMIO) reg(offset uint32) *uint32 {
	if offset%4 != 0 || int(offset)+4 > len(m) {
		panic(fmt.Sprintf("register offset 0x%x out of range for a %d byte window", offset, len(m)))
	}
	return (*uint32)(unsafe.Pointer(&m[offset]))
}

func (m MMIO) ReadReg(offset uint32) uint32 {
	return atomic.LoadUint32(m.reg(offset))
}

func (m MMIO) WriteReg(offset uint32, v uint32) {
	atomic.StoreUint32(m.reg(offset), v)
}

// Dump reads the given named registers, meant for log fields.
func Dump(r Registers, names map[string]uint32) map[string]any {
	out := make(map[string]any, len(names))
	for name, off := range names {
		out[name] = fmt.Sprintf("0x%08x", r.ReadReg(off))
	}
	return out
}

// Line identifies an interrupt source.
type Line int

const (
	LineTX Line = iota
	LineRX
	LineDevice
)

func (l Line) String() string {
	switch l {
	case LineTX:
		return "tx"
	case LineRX:
		return "rx"
	case LineDevice:
		return "device"
	}
	return fmt.Sprintf("Line(%d)", int(l))
}
