// Package sim is a software model of the scatter-gather DMA engine and the
// FPGA streaming peripheral. It follows descriptors in memory handed out by a
// [hw.Heap], moves transmit data through the device FIFO and loops every
// output sample back into the receive channel.
//
// Interrupts are collected while the model is locked and delivered to the
// OnIRQ callback after it is unlocked, so the callback may read and write
// registers.
package sim

import (
	"encoding/binary"
	"sync"

	"github.com/slackhq/fpgadma/hw"
)

// Version is what the peripheral version register reads.
const Version uint32 = 0x0103

const (
	tx = 0
	rx = 1
)

type channel struct {
	cr, sr    uint32
	cur, tail uint64
	curHi     uint32
	tailHi    uint32

	// busy is set while descriptors up to tail are still to be processed.
	busy bool
	// stall keeps the channel from halting when run is cleared.
	stall bool
	// unsignaled counts completed descriptors not yet covered by an interrupt.
	unsignaled int
}

func (c *channel) halted() bool {
	return c.sr&hw.DMAStatHalted != 0
}

func (c *channel) cyclic() bool {
	return c.cr&hw.DMACtrlCyclic != 0
}

func (c *channel) reset() {
	*c = channel{cr: hw.DMAControlResetValue, sr: hw.DMAStatHalted}
}

type Device struct {
	mu  sync.Mutex
	mem hw.Resolver

	ch [2]channel

	ctrl, status    uint32
	time, samples   uint32
	numSamples      uint32
	numCycles       uint32
	irq             uint32
	triggered       bool
	fifo, out       []byte
	fifoSize        int
	rxFill          int
	rxPacket        int
	rxInPacket      int
	samplesAdvanced bool

	auto    bool
	pending []hw.Line
	onIRQ   func(hw.Line)
}

// New returns a device that resolves descriptor and buffer addresses through
// mem. fifoSize is the device input FIFO size in bytes, the output side holds
// the same amount.
func New(mem hw.Resolver, fifoSize int) *Device {
	d := &Device{
		mem:      mem,
		fifoSize: fifoSize,
		rxPacket: 4,
		auto:     true,
	}
	d.ch[tx].reset()
	d.ch[rx].reset()
	return d
}

// DMA returns the register window of the DMA engine.
func (d *Device) DMA() hw.Registers {
	return dmaRegs{d}
}

// FPGA returns the register window of the peripheral.
func (d *Device) FPGA() hw.Registers {
	return fpgaRegs{d}
}

// OnIRQ sets the interrupt callback.
func (d *Device) OnIRQ(f func(hw.Line)) {
	d.mu.Lock()
	d.onIRQ = f
	d.mu.Unlock()
}

// SetAuto selects whether register writes immediately run the model. With
// auto off nothing moves until [Device.Step] is called.
func (d *Device) SetAuto(on bool) {
	d.mu.Lock()
	d.auto = on
	d.mu.Unlock()
}

// SetRXPacket sets how many receive descriptors make one packet.
func (d *Device) SetRXPacket(n int) {
	d.mu.Lock()
	d.rxPacket = max(n, 1)
	d.mu.Unlock()
}

// Stall keeps a channel from reporting halted after run is cleared, until
// the channel is reset.
func (d *Device) Stall(l hw.Line, on bool) {
	d.mu.Lock()
	d.ch[l].stall = on
	d.mu.Unlock()
}

// Step runs the model until nothing moves anymore.
func (d *Device) Step() {
	d.mu.Lock()
	d.run()
	d.unlockAndDeliver()
}

// Trigger releases a peripheral waiting for its start trigger.
func (d *Device) Trigger() {
	d.mu.Lock()
	d.triggered = true
	if d.status&hw.FPGAStatWait != 0 {
		d.status &^= hw.FPGAStatWait
		d.status |= hw.FPGAStatRun
	}
	if d.auto {
		d.run()
	}
	d.unlockAndDeliver()
}

// InjectError latches peripheral error bits and raises the error interrupt.
func (d *Device) InjectError(bits uint32) {
	d.mu.Lock()
	d.status |= bits & hw.FPGAStatErrors
	d.raiseDevice(hw.FPGAIRQError)
	d.unlockAndDeliver()
}

// FIFO returns the number of bytes waiting in the device input FIFO.
func (d *Device) FIFO() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fifo)
}

func (d *Device) unlockAndDeliver() {
	irqs, f := d.pending, d.onIRQ
	d.pending = nil
	d.mu.Unlock()
	if f == nil {
		return
	}
	for _, l := range irqs {
		f(l)
	}
}

func (d *Device) raise(l hw.Line, irqs uint32) {
	c := &d.ch[l]
	newBits := irqs &^ c.sr
	c.sr |= irqs
	if newBits&c.cr&hw.DMACtrlIRQAll != 0 {
		d.queue(l)
	}
}

func (d *Device) raiseDevice(irqs uint32) {
	enable := map[uint32]uint32{
		hw.FPGAIRQError:   hw.FPGACtrlIRQError,
		hw.FPGAIRQEnd:     hw.FPGACtrlIRQEnd,
		hw.FPGAIRQRestart: hw.FPGACtrlIRQRestart,
		hw.FPGAIRQFreq:    hw.FPGACtrlIRQFreq,
	}
	d.irq |= irqs
	if d.ctrl&hw.FPGACtrlIRQEnable == 0 {
		return
	}
	for bit, en := range enable {
		if irqs&bit != 0 && d.ctrl&en != 0 {
			d.queue(hw.LineDevice)
			return
		}
	}
}

func (d *Device) queue(l hw.Line) {
	for _, p := range d.pending {
		if p == l {
			return
		}
	}
	d.pending = append(d.pending, l)
}

func (d *Device) fail(l hw.Line, err uint32) {
	c := &d.ch[l]
	c.busy = false
	c.sr |= err | hw.DMAStatHalted
	c.cr &^= hw.DMACtrlRun
	d.raise(l, hw.DMAStatIRQError)
}

func (d *Device) descriptor(l hw.Line, phys uint64) *hw.Descriptor {
	b, ok := d.mem.Resolve(phys, hw.DescriptorSize)
	if !ok || phys%hw.DescriptorAlignment != 0 {
		d.fail(l, hw.DMAStatSGDecErr)
		return nil
	}
	return hw.DescriptorAt(b)
}

// advance moves the channel past the descriptor it just finished.
func (d *Device) advance(c *channel, desc *hw.Descriptor) {
	if c.cur == c.tail && !c.cyclic() {
		c.busy = false
		c.sr |= hw.DMAStatIdle
	}
	c.cur = desc.Next()
}

func (d *Device) run() {
	for d.stepTX() || d.stepDevice() || d.stepRX() {
	}
	for l := range d.ch {
		if d.ch[l].unsignaled > 0 {
			d.ch[l].unsignaled = 0
			d.raise(hw.Line(l), hw.DMAStatIRQDelay)
		}
	}
	if d.samplesAdvanced {
		d.samplesAdvanced = false
		d.raiseDevice(hw.FPGAIRQFreq)
	}
}

func (d *Device) stepTX() bool {
	c := &d.ch[tx]
	progressed := false
	for c.busy {
		desc := d.descriptor(hw.LineTX, c.cur)
		if desc == nil {
			break
		}
		if desc.Complete() && !c.cyclic() {
			d.fail(hw.LineTX, hw.DMAStatSGIntErr)
			break
		}
		n := desc.Length()
		if len(d.fifo)+n > d.fifoSize {
			break
		}
		buf, ok := d.mem.Resolve(desc.Buffer(), n)
		if !ok {
			d.fail(hw.LineTX, hw.DMAStatDecErr)
			break
		}
		d.fifo = append(d.fifo, buf...)
		desc.Status = uint32(n) | hw.DescStatComplete
		progressed = true

		if desc.Control&hw.DescEOF != 0 {
			c.unsignaled = 0
			d.raise(hw.LineTX, hw.DMAStatIRQComplete)
		} else {
			c.unsignaled++
		}
		d.advance(c, desc)
	}
	return progressed
}

func (d *Device) total() uint32 {
	return d.numSamples * d.numCycles
}

func (d *Device) stepDevice() bool {
	if d.status&hw.FPGAStatRun == 0 {
		return false
	}
	progressed := false
	for len(d.fifo) >= hw.SampleSize && len(d.out)+hw.SampleSize <= d.fifoSize {
		s := d.fifo[:hw.SampleSize]
		d.time = binary.LittleEndian.Uint32(s)
		d.out = append(d.out, s...)
		d.fifo = d.fifo[hw.SampleSize:]
		d.samples++
		d.samplesAdvanced = true
		progressed = true

		if t := d.total(); t > 0 {
			if d.samples == t {
				d.status &^= hw.FPGAStatRun
				d.status |= hw.FPGAStatEnd
				d.raiseDevice(hw.FPGAIRQEnd)
				break
			}
			if d.numSamples > 0 && d.samples%d.numSamples == 0 {
				d.raiseDevice(hw.FPGAIRQRestart)
			}
		}
	}
	if len(d.fifo) == 0 {
		d.fifo = nil
	}
	return progressed
}

func (d *Device) stepRX() bool {
	c := &d.ch[rx]
	ended := d.status&hw.FPGAStatEnd != 0
	progressed := false
	for c.busy && (len(d.out) > 0 || (ended && d.rxFill > 0)) {
		desc := d.descriptor(hw.LineRX, c.cur)
		if desc == nil {
			break
		}
		if desc.Complete() && !c.cyclic() {
			d.fail(hw.LineRX, hw.DMAStatSGIntErr)
			break
		}
		size := desc.Length()
		buf, ok := d.mem.Resolve(desc.Buffer(), size)
		if !ok {
			d.fail(hw.LineRX, hw.DMAStatDecErr)
			break
		}
		k := copy(buf[d.rxFill:], d.out)
		d.out = d.out[k:]
		d.rxFill += k
		progressed = progressed || k > 0

		flush := ended && len(d.out) == 0 && d.rxFill > 0
		if d.rxFill < size && !flush {
			break
		}

		st := uint32(d.rxFill) | hw.DescStatComplete
		if d.rxInPacket == 0 {
			st |= hw.DescStatRxSOF
		}
		d.rxInPacket++
		d.rxFill = 0
		progressed = true
		if d.rxInPacket == d.rxPacket || flush {
			st |= hw.DescStatRxEOF
			d.rxInPacket = 0
			c.unsignaled = 0
			d.raise(hw.LineRX, hw.DMAStatIRQComplete)
		} else {
			c.unsignaled++
		}
		desc.Status = st
		d.advance(c, desc)
	}
	if len(d.out) == 0 {
		d.out = nil
	}
	return progressed
}

type dmaRegs struct {
	d *Device
}

func split(offset uint32) (int, uint32) {
	if offset >= hw.DMABaseRX {
		return rx, offset - hw.DMABaseRX
	}
	return tx, offset
}

func (r dmaRegs) ReadReg(offset uint32) uint32 {
	d := r.d
	d.mu.Lock()
	defer d.mu.Unlock()
	l, reg := split(offset)
	c := &d.ch[l]
	switch reg {
	case hw.DMAControl:
		return c.cr
	case hw.DMAStatus:
		return c.sr
	case hw.DMACurDesc:
		return uint32(c.cur)
	case hw.DMACurDesc + 4:
		return uint32(c.cur >> 32)
	case hw.DMATailDesc:
		return uint32(c.tail)
	case hw.DMATailDesc + 4:
		return uint32(c.tail >> 32)
	}
	return 0
}

func (r dmaRegs) WriteReg(offset uint32, v uint32) {
	d := r.d
	d.mu.Lock()
	l, reg := split(offset)
	c := &d.ch[l]
	switch reg {
	case hw.DMAControl:
		d.writeControl(hw.Line(l), v)
	case hw.DMAStatus:
		c.sr &^= v & hw.DMAStatIRQs
	case hw.DMACurDesc + 4:
		c.curHi = v
	case hw.DMACurDesc:
		if c.halted() {
			c.cur = uint64(c.curHi)<<32 | uint64(v)
		}
	case hw.DMATailDesc + 4:
		c.tailHi = v
	case hw.DMATailDesc:
		c.tail = uint64(c.tailHi)<<32 | uint64(v)
		if !c.halted() {
			c.busy = true
			c.sr &^= hw.DMAStatIdle
		}
	}
	if d.auto {
		d.run()
	}
	d.unlockAndDeliver()
}

func (d *Device) writeControl(l hw.Line, v uint32) {
	c := &d.ch[l]
	if v&hw.DMACtrlReset != 0 {
		c.reset()
		if l == hw.LineRX {
			d.rxFill, d.rxInPacket = 0, 0
		}
		return
	}
	c.cr = v
	switch {
	case v&hw.DMACtrlRun != 0 && c.halted():
		c.sr &^= hw.DMAStatHalted
		c.sr |= hw.DMAStatIdle
	case v&hw.DMACtrlRun == 0 && !c.stall:
		c.busy = false
		c.sr |= hw.DMAStatHalted
	}
}

type fpgaRegs struct {
	d *Device
}

func (r fpgaRegs) ReadReg(offset uint32) uint32 {
	d := r.d
	d.mu.Lock()
	defer d.mu.Unlock()
	switch offset {
	case hw.FPGAControl:
		return d.ctrl
	case hw.FPGAStatus:
		return d.status
	case hw.FPGATime:
		return d.time
	case hw.FPGASamples:
		return d.samples
	case hw.FPGANumSamples:
		return d.numSamples
	case hw.FPGANumCycles:
		return d.numCycles
	case hw.FPGAIRQ:
		return d.irq
	case hw.FPGAVersion:
		return Version
	}
	return 0
}

func (r fpgaRegs) WriteReg(offset uint32, v uint32) {
	d := r.d
	d.mu.Lock()
	switch offset {
	case hw.FPGAControl:
		d.writeFPGAControl(v)
	case hw.FPGANumSamples:
		d.numSamples = v
	case hw.FPGANumCycles:
		d.numCycles = v
	case hw.FPGAIRQ:
		d.irq &^= v
	}
	if d.auto {
		d.run()
	}
	d.unlockAndDeliver()
}

func (d *Device) writeFPGAControl(v uint32) {
	if v&hw.FPGACtrlReset != 0 {
		d.ctrl = v &^ (hw.FPGACtrlReset | hw.FPGACtrlRun)
		d.status, d.time, d.samples, d.irq = 0, 0, 0, 0
		d.fifo, d.out = nil, nil
		d.triggered = false
	} else {
		old := d.ctrl
		d.ctrl = v
		if v&hw.FPGACtrlRun != 0 && old&hw.FPGACtrlRun == 0 {
			d.samples = 0
			d.status &^= hw.FPGAStatEnd | hw.FPGAStatErrors
			if v&hw.FPGACtrlTrigStart != 0 && !d.triggered {
				d.status |= hw.FPGAStatWait
			} else {
				d.status |= hw.FPGAStatRun
			}
		}
		if v&hw.FPGACtrlRun == 0 {
			d.status &^= hw.FPGAStatRun | hw.FPGAStatWait
		}
	}

	mirror := func(ctrl, stat uint32) {
		if d.ctrl&ctrl != 0 {
			d.status |= stat
		} else {
			d.status &^= stat
		}
	}
	mirror(hw.FPGACtrlReady, hw.FPGAStatReady)
	mirror(hw.FPGACtrlExtClock, hw.FPGAStatExtClock)
}
