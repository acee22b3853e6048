package fpga

import (
	"context"
	"testing"
	"time"

	"github.com/slackhq/fpgadma/hw"
	"github.com/slackhq/fpgadma/hw/sim"
	"github.com/slackhq/fpgadma/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDevice(t *testing.T) (*Device, *sim.Device) {
	s := sim.New(hw.NewHeap(), 1024)
	return New(test.NewLogger(), s.FPGA(), 10*time.Millisecond), s
}

func TestDevice_SetConfig(t *testing.T) {
	d, _ := newDevice(t)
	d.SetReady(true)

	// Driver owned bits can not be set or cleared through the config.
	got := d.SetConfig(hw.FPGACtrlExtClock | hw.FPGACtrlRun | hw.FPGACtrlReset)
	assert.Equal(t, hw.FPGACtrlExtClock|hw.FPGACtrlReady, got)

	got = d.SetConfig(0)
	assert.Equal(t, hw.FPGACtrlReady, got)

	d.SetReady(false)
	assert.Zero(t, d.Control())
	assert.Equal(t, sim.Version, d.Version())
}

func TestDevice_StartStop(t *testing.T) {
	d, s := newDevice(t)
	d.Prepare(4, 1)
	require.NoError(t, d.Start())
	assert.True(t, d.Capture().Running())
	require.NoError(t, d.Stop())
	assert.False(t, d.Capture().Running())

	// Waiting for the start trigger counts as started.
	d.SetConfig(hw.FPGACtrlTrigStart)
	require.NoError(t, d.Start())
	snap := d.Capture()
	assert.NotZero(t, snap.Status&hw.FPGAStatWait)
	s.Trigger()
	assert.NotZero(t, d.Capture().Status&hw.FPGAStatRun)
}

func TestDevice_Reset(t *testing.T) {
	d, _ := newDevice(t)
	d.SetReady(true)
	d.SetConfig(hw.FPGACtrlExtClock)
	require.NoError(t, d.Reset())
	assert.Equal(t, hw.FPGACtrlReady, d.Control())
}

func TestDevice_Capture(t *testing.T) {
	d, s := newDevice(t)
	d.Prepare(4, 1)
	s.InjectError(hw.FPGAStatErrTime)

	snap := d.Capture()
	assert.True(t, snap.Failed())
	assert.Equal(t, hw.FPGAIRQError, snap.IRQ)

	// Interrupts were acknowledged, the error state stays.
	snap = d.Capture()
	assert.Zero(t, snap.IRQ)
	assert.True(t, snap.Failed())
	assert.Contains(t, d.Dump(), "status")
}

func TestStatusLatch(t *testing.T) {
	sl := NewStatusLatch()
	assert.False(t, sl.Update(Snapshot{}))
	assert.True(t, sl.Update(Snapshot{Time: 10}))
	assert.Equal(t, uint64(1), sl.Load().Seq)

	// Newer snapshot already latched.
	s, err := sl.Wait(context.Background(), 0, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), s.Time)

	_, err = sl.Wait(context.Background(), 1, time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	go func() {
		time.Sleep(10 * time.Millisecond)
		sl.Update(Snapshot{Time: 20, IRQ: hw.FPGAIRQFreq})
	}()
	s, err = sl.Wait(context.Background(), 1, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(20), s.Time)
	assert.Equal(t, uint64(2), s.Seq)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sl.Wait(ctx, 2, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
