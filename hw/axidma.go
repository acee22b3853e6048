package hw

import "unsafe"

// Register blocks of the scatter-gather DMA engine. The transmit channel
// (memory to device) and the receive channel (device to memory) share the
// same layout at different base offsets.
const (
	DMABaseTX uint32 = 0x00
	DMABaseRX uint32 = 0x30

	DMAControl    uint32 = 0x00
	DMAStatus     uint32 = 0x04
	DMACurDesc    uint32 = 0x08 // lo, hi at +4
	DMATailDesc   uint32 = 0x10 // lo, hi at +4
	DMAWindowSize uint32 = 0x60
)

// DMA control register bits.
const (
	DMACtrlRun         uint32 = 1 << 0
	DMACtrlReset       uint32 = 1 << 2
	DMACtrlCyclic      uint32 = 1 << 4
	DMACtrlIRQComplete uint32 = 1 << 12
	DMACtrlIRQDelay    uint32 = 1 << 13
	DMACtrlIRQError    uint32 = 1 << 14
	DMACtrlIRQAll             = DMACtrlIRQComplete | DMACtrlIRQDelay | DMACtrlIRQError

	// DMACtrlThresholdShift positions the number of completed descriptors
	// that raise one completion interrupt.
	DMACtrlThresholdShift = 16
	DMACtrlThresholdMask  = uint32(0xff) << DMACtrlThresholdShift

	// DMAControlResetValue is what the control register reads after a
	// completed channel reset.
	DMAControlResetValue = uint32(1) << DMACtrlThresholdShift
)

// DMA status register bits. Interrupt bits are write 1 to clear.
const (
	DMAStatHalted      uint32 = 1 << 0
	DMAStatIdle        uint32 = 1 << 1
	DMAStatSG          uint32 = 1 << 3
	DMAStatIntErr      uint32 = 1 << 4
	DMAStatSlvErr      uint32 = 1 << 5
	DMAStatDecErr      uint32 = 1 << 6
	DMAStatSGIntErr    uint32 = 1 << 8
	DMAStatSGSlvErr    uint32 = 1 << 9
	DMAStatSGDecErr    uint32 = 1 << 10
	DMAStatIRQComplete uint32 = 1 << 12
	DMAStatIRQDelay    uint32 = 1 << 13
	DMAStatIRQError    uint32 = 1 << 14

	DMAStatErrors = DMAStatIntErr | DMAStatSlvErr | DMAStatDecErr |
		DMAStatSGIntErr | DMAStatSGSlvErr | DMAStatSGDecErr
	DMAStatIRQs = DMAStatIRQComplete | DMAStatIRQDelay | DMAStatIRQError
)

// DMARegisterNames lists the per channel registers for error dumps.
var DMARegisterNames = map[string]uint32{
	"control": DMAControl,
	"status":  DMAStatus,
	"cur_lo":  DMACurDesc,
	"cur_hi":  DMACurDesc + 4,
	"tail_lo": DMATailDesc,
	"tail_hi": DMATailDesc + 4,
}

// DescriptorSize is the number of bytes of one [Descriptor] in memory.
const DescriptorSize = 64

// DescriptorAlignment is the alignment the engine requires for descriptors.
const DescriptorAlignment = 64

// Descriptor control word bits.
const (
	DescLengthMask uint32 = 1<<26 - 1
	DescEOF        uint32 = 1 << 26
	DescSOF        uint32 = 1 << 27
)

// Descriptor status word bits, written by the engine.
const (
	DescStatRxEOF    uint32 = 1 << 26
	DescStatRxSOF    uint32 = 1 << 27
	DescStatIntErr   uint32 = 1 << 28
	DescStatSlvErr   uint32 = 1 << 29
	DescStatDecErr   uint32 = 1 << 30
	DescStatComplete uint32 = 1 << 31

	DescStatErrors = DescStatIntErr | DescStatSlvErr | DescStatDecErr
)

// Descriptor is the memory layout of one scatter-gather descriptor as read and
// written by the engine. Descriptors are linked by physical address.
type Descriptor struct {
	next     uint32
	nextHi   uint32
	buffer   uint32
	bufferHi uint32
	_        [2]uint32
	Control  uint32
	Status   uint32
	App      [5]uint32
	_        [3]uint32
}

func (d *Descriptor) SetNext(phys uint64) {
	d.next = uint32(phys)
	d.nextHi = uint32(phys >> 32)
}

func (d *Descriptor) Next() uint64 {
	return uint64(d.next) | uint64(d.nextHi)<<32
}

func (d *Descriptor) SetBuffer(phys uint64) {
	d.buffer = uint32(phys)
	d.bufferHi = uint32(phys >> 32)
}

func (d *Descriptor) Buffer() uint64 {
	return uint64(d.buffer) | uint64(d.bufferHi)<<32
}

// Length is the number of bytes the descriptor asks the engine to move.
func (d *Descriptor) Length() int {
	return int(d.Control & DescLengthMask)
}

// Transferred is the number of bytes the engine reports as moved.
func (d *Descriptor) Transferred() int {
	return int(d.Status & DescLengthMask)
}

func (d *Descriptor) Complete() bool {
	return d.Status&DescStatComplete != 0
}

// Descriptors maps a block of memory as a table of n descriptors.
func Descriptors(mem []byte, n int) []Descriptor {
	if len(mem) < n*DescriptorSize {
		panic("memory too small for descriptor table")
	}
	return unsafe.Slice((*Descriptor)(unsafe.Pointer(&mem[0])), n)
}

// DescriptorAt maps a single descriptor over mem.
func DescriptorAt(mem []byte) *Descriptor {
	if len(mem) < DescriptorSize {
		panic("memory too small for a descriptor")
	}
	return (*Descriptor)(unsafe.Pointer(&mem[0]))
}
