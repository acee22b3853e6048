package dma

import (
	"testing"

	"github.com/slackhq/fpgadma/hw"
	"github.com/slackhq/fpgadma/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T, ringSize, group int) (*channel, *List, *Pool) {
	t.Helper()
	p := newTestPool(t)
	r := newTestRing(t, ringSize, TX)
	l := &List{}
	c := newChannel(test.NewLogger(), TX, make(hw.MMIO, 0x60), r, l, channelConfig{group: group})
	return c, l, p
}

// flags returns the SOF/EOF flags of descriptors from..to as "S", "E", "SE" or "".
func flags(r *Ring, from, to int) []string {
	var out []string
	for i := from; i < to; i++ {
		var f string
		ctrl := r.Descriptor(i).Control
		if ctrl&hw.DescSOF != 0 {
			f += "S"
		}
		if ctrl&hw.DescEOF != 0 {
			f += "E"
		}
		out = append(out, f)
	}
	return out
}

// retire completes and verifies every active descriptor.
func retire(t *testing.T, c *channel) {
	t.Helper()
	_, _, err := c.ring.Promote()
	require.NoError(t, err)
	for i := 0; i < c.ring.Active(); i++ {
		complete(c.ring, c.ring.Head()+i)
	}
	_, err = c.verify(false)
	require.NoError(t, err)
}

func TestChannel_PrepareMoreGroups(t *testing.T) {
	c, l, p := newTestChannel(t, 8, 2)
	for _, b := range acquire(t, p, 5) {
		l.Append(b)
	}

	// Half the ring per call, packets of two.
	require.NoError(t, c.prepareMore())
	assert.Equal(t, 4, c.ring.Prepared())
	assert.Equal(t, []string{"S", "E", "S", "E"}, flags(c.ring, 0, 4))

	require.NoError(t, c.prepareMore())
	assert.Equal(t, 5, c.ring.Prepared())
	assert.Equal(t, []string{"S"}, flags(c.ring, 4, 5))

	assert.ErrorIs(t, c.prepareMore(), ErrNoBuffersReady)

	// A late buffer closes the open packet.
	b := acquire(t, p, 1)[0]
	l.Append(b)
	require.NoError(t, c.prepareMore())
	assert.Equal(t, []string{"E"}, flags(c.ring, 5, 6))
	assert.Equal(t, 1, b.Refs())
}

func TestChannel_PrepareMoreFull(t *testing.T) {
	c, l, p := newTestChannel(t, 4, 2)
	for _, b := range acquire(t, p, 6) {
		l.Append(b)
	}
	require.NoError(t, c.prepareMore())
	require.NoError(t, c.prepareMore())
	assert.Zero(t, c.ring.Free())
	assert.ErrorIs(t, c.prepareMore(), ErrAllActive)
	assert.Equal(t, 4, l.Cursor())
}

func TestChannel_PrepareMoreSealed(t *testing.T) {
	c, l, p := newTestChannel(t, 8, 2)
	for _, b := range acquire(t, p, 3) {
		l.Append(b)
	}
	l.Seal()
	c.reps, c.passes = 1, 1

	require.NoError(t, c.prepareMore())
	// The last buffer of the last pass ends its packet early.
	assert.Equal(t, []string{"S", "E", "SE"}, flags(c.ring, 0, 3))
	assert.ErrorIs(t, c.prepareMore(), ErrNoBuffersReady)
}

func TestChannel_Repetitions(t *testing.T) {
	c, l, p := newTestChannel(t, 8, 2)
	bufs := acquire(t, p, 3)
	for _, b := range bufs {
		l.Append(b)
	}
	l.Seal()
	total := uint64(3 * testBuf)
	c.reps, c.passes, c.target = 3, 1, 3*total

	var bound []string
	for !c.finished() {
		err := c.prepareMore()
		if err != nil {
			require.ErrorIs(t, err, ErrNoBuffersReady)
		}
		bound = append(bound, flags(c.ring, c.ring.Head(), c.ring.Head()+c.ring.Prepared())...)
		retire(t, c)
		if !c.finished() {
			assert.Less(t, c.bytes, 3*total)
		}
	}

	assert.Equal(t, 3*total, c.bytes)
	assert.Equal(t, uint64(9), c.completed)
	// The list was wound back twice.
	assert.Equal(t, uint32(3), c.passes)
	assert.False(t, c.canWrap())
	// Packets span the wrap, only the very last buffer closes one early.
	assert.Equal(t, []string{"S", "E", "S", "E", "S", "E", "S", "E", "SE"}, bound)
	for _, b := range bufs {
		assert.Zero(t, b.Refs())
	}
}

func TestChannel_Cyclic(t *testing.T) {
	c, l, p := newTestChannel(t, 4, 2)
	for _, b := range acquire(t, p, 2) {
		l.Append(b)
	}
	l.Seal()
	c.cyclic = true
	assert.ErrorIs(t, c.prepareMore(), ErrAllActive)

	c.cyclic = false
	assert.Equal(t, uint32(hw.DMACtrlRun|hw.DMACtrlIRQAll|1<<hw.DMACtrlThresholdShift), c.controlValue())
	c.cyclic = true
	assert.NotZero(t, c.controlValue()&hw.DMACtrlCyclic)
}

func TestChannel_Rewind(t *testing.T) {
	p := newTestPool(t)
	r := newTestRing(t, 4, RX)
	l := &List{}
	c := newChannel(test.NewLogger(), RX, make(hw.MMIO, 0x60), r, l, channelConfig{group: 1})

	bufs := acquire(t, p, 4)
	for _, b := range bufs {
		b.bytes = 0
		l.Append(b)
	}
	require.NoError(t, c.prepareMore())
	assert.Equal(t, []string{"", ""}, flags(r, 0, 2))
	_, _, err := r.Promote()
	require.NoError(t, err)

	complete(r, 0)
	_, err = c.verify(true)
	require.NoError(t, err)
	c.rewind()
	// Filled buffers stay, the cursor goes back to the first empty one.
	assert.True(t, bufs[0].done)
	assert.Equal(t, 1, l.Cursor())
}

func TestChannel_StopReportsCompletions(t *testing.T) {
	p := newTestPool(t)
	r := newTestRing(t, 4, RX)
	l := &List{}
	regs := make(hw.MMIO, 0x60)
	regs.WriteReg(hw.DMAStatus, hw.DMAStatHalted)
	c := newChannel(test.NewLogger(), RX, regs, r, l, channelConfig{group: 1})

	var seen []Completion
	c.onComplete = func(comp Completion) { seen = append(seen, comp) }

	for _, b := range acquire(t, p, 4) {
		b.bytes = 0
		l.Append(b)
	}
	require.NoError(t, c.prepareMore())
	_, _, err := r.Promote()
	require.NoError(t, err)
	c.enabled, c.active = true, true

	// Both buffers filled after the last interrupt was handled.
	complete(r, 0)
	complete(r, 1)
	require.NoError(t, c.stop(false))
	require.Len(t, seen, 1)
	assert.Equal(t, uint64(2*testBuf), seen[0].Bytes)
	assert.Equal(t, uint64(2*testBuf), c.bytes)

	// Nothing left, stopping again reports nothing.
	assert.ErrorIs(t, c.stop(false), ErrAlreadyDone)
	assert.Len(t, seen, 1)
}

func TestChannel_ResetReportsCompletions(t *testing.T) {
	p := newTestPool(t)
	r := newTestRing(t, 4, RX)
	l := &List{}
	c := newChannel(test.NewLogger(), RX, make(hw.MMIO, 0x60), r, l, channelConfig{group: 1})

	var seen uint64
	c.onComplete = func(comp Completion) { seen += comp.Bytes }

	for _, b := range acquire(t, p, 4) {
		b.bytes = 0
		l.Append(b)
	}
	require.NoError(t, c.prepareMore())
	_, _, err := r.Promote()
	require.NoError(t, err)
	c.enabled, c.active = true, true

	complete(r, 0)
	// The register window never clears the reset bit.
	assert.ErrorIs(t, c.reset(), ErrTimeout)
	assert.Equal(t, uint64(testBuf), seen)
	assert.False(t, c.enabled)
	assert.Zero(t, r.Active()+r.Prepared())
}
