package sim

import (
	"encoding/binary"
	"testing"

	"github.com/slackhq/fpgadma/hw"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type irqLog struct {
	lines []hw.Line
}

func (l *irqLog) handle(line hw.Line) {
	l.lines = append(l.lines, line)
}

func (l *irqLog) count(line hw.Line) int {
	n := 0
	for _, x := range l.lines {
		if x == line {
			n++
		}
	}
	return n
}

// ring builds n linked descriptors with one buffer of size bytes each.
func ring(t *testing.T, h *hw.Heap, n, size int) ([]hw.Descriptor, []hw.Mem, hw.Mem) {
	t.Helper()
	dm, err := h.Alloc(n*hw.DescriptorSize, hw.DescriptorAlignment)
	require.NoError(t, err)
	desc := hw.Descriptors(dm.Buf(), n)
	bufs := make([]hw.Mem, n)
	for i := range desc {
		bufs[i], err = h.Alloc(size, 64)
		require.NoError(t, err)
		desc[i].SetNext(dm.PhysAddr() + uint64((i+1)%n*hw.DescriptorSize))
		desc[i].SetBuffer(bufs[i].PhysAddr())
		desc[i].Control = uint32(size)
	}
	return desc, bufs, dm
}

func start(r hw.Registers, first, tail uint64) {
	hw.WriteReg64(r, hw.DMACurDesc, first)
	r.WriteReg(hw.DMAControl, hw.DMACtrlRun|hw.DMACtrlIRQAll|1<<hw.DMACtrlThresholdShift)
	hw.WriteReg64(r, hw.DMATailDesc, tail)
}

func TestDevice_Loopback(t *testing.T) {
	h := hw.NewHeap()
	d := New(h, 256)
	irqs := &irqLog{}
	d.OnIRQ(irqs.handle)

	txd, txb, txm := ring(t, h, 4, 64)
	rxd, rxb, rxm := ring(t, h, 4, 64)
	for i, b := range txb {
		for k := 0; k < 8; k++ {
			binary.LittleEndian.PutUint32(b.Buf()[k*8:], uint32(i*8+k+1))
			binary.LittleEndian.PutUint32(b.Buf()[k*8+4:], 0xabc)
		}
	}
	txd[1].Control |= hw.DescEOF
	txd[3].Control |= hw.DescEOF

	dma := d.DMA()
	fpga := d.FPGA()
	fpga.WriteReg(hw.FPGANumSamples, 32)
	fpga.WriteReg(hw.FPGANumCycles, 1)
	fpga.WriteReg(hw.FPGAControl, hw.FPGACtrlIRQEnable|hw.FPGACtrlIRQEnd)

	rx := hw.Window{R: dma, Base: hw.DMABaseRX}
	start(rx, rxm.PhysAddr(), rxm.PhysAddr()+3*hw.DescriptorSize)
	tx := hw.Window{R: dma, Base: hw.DMABaseTX}
	start(tx, txm.PhysAddr(), txm.PhysAddr()+3*hw.DescriptorSize)

	assert.Equal(t, 256, d.FIFO())
	for i := range txd {
		assert.True(t, txd[i].Complete())
		assert.Equal(t, 64, txd[i].Transferred())
	}
	assert.NotZero(t, tx.ReadReg(hw.DMAStatus)&hw.DMAStatIRQComplete)
	assert.NotZero(t, tx.ReadReg(hw.DMAStatus)&hw.DMAStatIdle)
	assert.Equal(t, 1, irqs.count(hw.LineTX))

	fpga.WriteReg(hw.FPGAControl, fpga.ReadReg(hw.FPGAControl)|hw.FPGACtrlRun)
	assert.Zero(t, d.FIFO())
	assert.Equal(t, uint32(32), fpga.ReadReg(hw.FPGASamples))
	assert.Equal(t, uint32(32), fpga.ReadReg(hw.FPGATime))
	assert.NotZero(t, fpga.ReadReg(hw.FPGAStatus)&hw.FPGAStatEnd)
	assert.Zero(t, fpga.ReadReg(hw.FPGAStatus)&hw.FPGAStatRun)
	assert.NotZero(t, fpga.ReadReg(hw.FPGAIRQ)&hw.FPGAIRQEnd)
	assert.Equal(t, 1, irqs.count(hw.LineDevice))

	for i := range rxd {
		assert.True(t, rxd[i].Complete())
		assert.Equal(t, txb[i].Buf(), rxb[i].Buf())
	}
	assert.NotZero(t, rxd[0].Status&hw.DescStatRxSOF)
	assert.NotZero(t, rxd[3].Status&hw.DescStatRxEOF)
	assert.Equal(t, 1, irqs.count(hw.LineRX))

	// Interrupt bits are write one to clear.
	tx.WriteReg(hw.DMAStatus, hw.DMAStatIRQComplete)
	assert.Zero(t, tx.ReadReg(hw.DMAStatus)&hw.DMAStatIRQs)
	fpga.WriteReg(hw.FPGAIRQ, hw.FPGAIRQEnd)
	assert.Zero(t, fpga.ReadReg(hw.FPGAIRQ)&hw.FPGAIRQEnd)
}

func TestDevice_DelayInterrupt(t *testing.T) {
	h := hw.NewHeap()
	d := New(h, 256)
	irqs := &irqLog{}
	d.OnIRQ(irqs.handle)

	txd, _, txm := ring(t, h, 2, 64)
	tx := hw.Window{R: d.DMA(), Base: hw.DMABaseTX}
	start(tx, txm.PhysAddr(), txm.PhysAddr())

	// No end of packet, the engine signals on settling.
	assert.True(t, txd[0].Complete())
	assert.False(t, txd[1].Complete())
	assert.NotZero(t, tx.ReadReg(hw.DMAStatus)&hw.DMAStatIRQDelay)
	assert.Equal(t, 1, irqs.count(hw.LineTX))
}

func TestDevice_Stall(t *testing.T) {
	h := hw.NewHeap()
	d := New(h, 256)
	tx := hw.Window{R: d.DMA(), Base: hw.DMABaseTX}

	tx.WriteReg(hw.DMAControl, hw.DMACtrlRun)
	assert.Zero(t, tx.ReadReg(hw.DMAStatus)&hw.DMAStatHalted)

	d.Stall(hw.LineTX, true)
	tx.WriteReg(hw.DMAControl, 0)
	assert.Zero(t, tx.ReadReg(hw.DMAStatus)&hw.DMAStatHalted)

	tx.WriteReg(hw.DMAControl, hw.DMACtrlReset)
	assert.NotZero(t, tx.ReadReg(hw.DMAStatus)&hw.DMAStatHalted)
	assert.Equal(t, hw.DMAControlResetValue, tx.ReadReg(hw.DMAControl))
}

func TestDevice_DescriptorErrors(t *testing.T) {
	h := hw.NewHeap()
	d := New(h, 256)
	irqs := &irqLog{}
	d.OnIRQ(irqs.handle)
	tx := hw.Window{R: d.DMA(), Base: hw.DMABaseTX}

	start(tx, 0x1000, 0x1000)
	sr := tx.ReadReg(hw.DMAStatus)
	assert.NotZero(t, sr&hw.DMAStatSGDecErr)
	assert.NotZero(t, sr&hw.DMAStatHalted)
	assert.NotZero(t, sr&hw.DMAStatIRQError)
	assert.Equal(t, 1, irqs.count(hw.LineTX))

	// A descriptor completed twice.
	tx.WriteReg(hw.DMAControl, hw.DMACtrlReset)
	txd, _, txm := ring(t, h, 2, 64)
	txd[0].Status = hw.DescStatComplete
	start(tx, txm.PhysAddr(), txm.PhysAddr())
	assert.NotZero(t, tx.ReadReg(hw.DMAStatus)&hw.DMAStatSGIntErr)
}

func TestDevice_Peripheral(t *testing.T) {
	d := New(hw.NewHeap(), 256)
	irqs := &irqLog{}
	d.OnIRQ(irqs.handle)
	fpga := d.FPGA()

	assert.Equal(t, Version, fpga.ReadReg(hw.FPGAVersion))

	fpga.WriteReg(hw.FPGAControl, hw.FPGACtrlReady|hw.FPGACtrlExtClock)
	st := fpga.ReadReg(hw.FPGAStatus)
	assert.NotZero(t, st&hw.FPGAStatReady)
	assert.NotZero(t, st&hw.FPGAStatExtClock)

	fpga.WriteReg(hw.FPGAControl, hw.FPGACtrlTrigStart|hw.FPGACtrlRun)
	assert.NotZero(t, fpga.ReadReg(hw.FPGAStatus)&hw.FPGAStatWait)
	d.Trigger()
	st = fpga.ReadReg(hw.FPGAStatus)
	assert.Zero(t, st&hw.FPGAStatWait)
	assert.NotZero(t, st&hw.FPGAStatRun)

	// Interrupts only reach the callback when enabled.
	d.InjectError(hw.FPGAStatErrIn)
	assert.Zero(t, irqs.count(hw.LineDevice))
	fpga.WriteReg(hw.FPGAControl, fpga.ReadReg(hw.FPGAControl)|hw.FPGACtrlIRQEnable|hw.FPGACtrlIRQError)
	d.InjectError(hw.FPGAStatErrTime)
	assert.Equal(t, 1, irqs.count(hw.LineDevice))
	assert.NotZero(t, fpga.ReadReg(hw.FPGAIRQ)&hw.FPGAIRQError)

	fpga.WriteReg(hw.FPGAControl, hw.FPGACtrlReset)
	assert.Zero(t, fpga.ReadReg(hw.FPGAStatus))
	assert.Zero(t, fpga.ReadReg(hw.FPGAIRQ))
	assert.Zero(t, fpga.ReadReg(hw.FPGAControl)&hw.FPGACtrlRun)
}
