package dma

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/slackhq/fpgadma/fpga"
	"github.com/slackhq/fpgadma/hw"
	"github.com/slackhq/fpgadma/hw/sim"
	"github.com/slackhq/fpgadma/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBuf = 64

// writeCounter counts register writes that reach the engine.
type writeCounter struct {
	hw.Registers
	writes int
}

func (w *writeCounter) WriteReg(offset uint32, v uint32) {
	w.writes++
	w.Registers.WriteReg(offset, v)
}

type testRig struct {
	e    *Engine
	sim  *sim.Device
	regs *writeCounter
}

func testConfig() Config {
	c := DefaultConfig()
	c.BufferSize = testBuf
	c.TXRingSize = 8
	c.RXRingSize = 8
	c.PacketGroupSize = 2
	c.MaxTXBytes = 64 * testBuf
	c.MaxRXBytes = 16 * testBuf
	c.FIFOSize = 4 * testBuf
	c.StartTimeout = 10 * time.Millisecond
	c.StopTimeout = 10 * time.Millisecond
	c.ResetTimeout = 10 * time.Millisecond
	c.StatusTimeout = 50 * time.Millisecond
	return c
}

func newRig(t *testing.T, modify func(*Config)) *testRig {
	t.Helper()
	cfg := testConfig()
	if modify != nil {
		modify(&cfg)
	}

	l := test.NewLogger()
	heap := hw.NewHeap()
	s := sim.New(heap, cfg.FIFOSize)
	regs := &writeCounter{Registers: s.DMA()}
	dev := fpga.New(l, s.FPGA(), 10*time.Millisecond)

	e, err := NewEngine(l, cfg, regs, dev, heap)
	require.NoError(t, err)
	s.OnIRQ(e.HandleIRQ)
	t.Cleanup(func() {
		assert.NoError(t, e.Shutdown())
	})
	return &testRig{e: e, sim: s, regs: regs}
}

// samples builds n samples with increasing time and data words.
func samples(n int) []byte {
	b := make([]byte, n*hw.SampleSize)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(b[i*8:], uint32(i+1))
		binary.LittleEndian.PutUint32(b[i*8+4:], uint32(0x1000+i))
	}
	return b
}

func (r *testRig) write(t *testing.T, p []byte) {
	t.Helper()
	n, err := r.e.Write(p)
	require.NoError(t, err)
	require.Equal(t, len(p), n)
}

func (r *testRig) readAll(t *testing.T) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 4*testBuf)
	for {
		n, err := r.e.Read(context.Background(), buf)
		if errors.Is(err, ErrNotRunning) {
			return out
		}
		require.NoError(t, err)
		out = append(out, buf[:n]...)
	}
}

func TestEngine_Transfer(t *testing.T) {
	r := newRig(t, nil)
	// 100 samples do not fill whole buffers, the last one is padded.
	data := samples(100)
	r.write(t, data)

	require.NoError(t, r.e.Start(1, StartImmediate))
	r.e.processPending()

	s := r.e.Status()
	padded := uint64(13 * testBuf)
	assert.Equal(t, padded, s.TotalBytes)
	// Every byte written, padding included, was completed by the engine.
	assert.Equal(t, padded, s.TX.Bytes)
	assert.Equal(t, padded, s.RX.Bytes)
	assert.Equal(t, uint64(13), s.TX.Completed)
	assert.False(t, s.TX.Enabled)
	assert.False(t, s.RX.Enabled)
	assert.True(t, s.DeviceStarted)
	assert.True(t, s.Device.Ended())
	assert.Equal(t, uint32(1), s.RepsCompleted)
	assert.NotZero(t, s.IRQ.TX)
	assert.NotZero(t, s.IRQ.RX)

	got := r.readAll(t)
	require.Len(t, got, int(padded))
	// Received in order, real samples first.
	assert.Equal(t, data, got[:len(data)])

	// Filler continues the time and counts itself.
	filler := got[len(data):]
	for i := 0; i < len(filler)/8; i++ {
		assert.Equal(t, uint32(101+i), binary.LittleEndian.Uint32(filler[i*8:]))
		assert.Equal(t, hw.SampleNOP|uint32(i+1), binary.LittleEndian.Uint32(filler[i*8+4:]))
	}

	assert.NoError(t, r.e.Verify())
}

func TestEngine_Repetitions(t *testing.T) {
	r := newRig(t, nil)
	data := samples(3 * testBuf / 8)
	r.write(t, data)

	require.NoError(t, r.e.Start(3, StartImmediate))
	r.e.processPending()

	s := r.e.Status()
	assert.Equal(t, uint64(3*len(data)), s.TX.Bytes)
	assert.Equal(t, uint32(3), s.RepsCompleted)
	assert.False(t, s.TX.Enabled)

	got := r.readAll(t)
	assert.Equal(t, bytes.Repeat(data, 3), got)
}

func TestEngine_Start(t *testing.T) {
	r := newRig(t, nil)
	assert.ErrorIs(t, r.e.Start(1, StartImmediate), ErrNoData)

	r.write(t, samples(2*testBuf/8))
	r.sim.SetAuto(false)
	require.NoError(t, r.e.Start(1, StartDelayed))

	ring := r.e.tx.ring
	head, active, prepared := ring.Head(), ring.Active(), ring.Prepared()
	writes := r.regs.writes

	err := r.e.Start(1, StartDelayed)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.ErrorIs(t, err, ErrIllegalState)
	assert.Equal(t, head, ring.Head())
	assert.Equal(t, active, ring.Active())
	assert.Equal(t, prepared, ring.Prepared())
	assert.Equal(t, writes, r.regs.writes)

	// Data can not change under a running transfer.
	_, err = r.e.Write(samples(1))
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestEngine_Cyclic(t *testing.T) {
	r := newRig(t, nil)
	r.write(t, samples(2*testBuf/8))

	require.NoError(t, r.e.Start(0, StartDelayed))
	s := r.e.Status()
	assert.True(t, s.TX.Cyclic)
	assert.Equal(t, 8, s.TX.Running)
	assert.Equal(t, 100, func() int { tx, _ := r.e.Load(); return tx }())

	err := r.e.StopTransfer()
	assert.True(t, err == nil || IsWarning(err), "%v", err)
	s = r.e.Status()
	assert.False(t, s.TX.Cyclic)
	assert.Zero(t, s.TX.Running)
	assert.NoError(t, r.e.Verify())
}

func TestEngine_StopTwice(t *testing.T) {
	r := newRig(t, nil)
	r.write(t, samples(4*testBuf/8))
	r.sim.SetAuto(false)
	require.NoError(t, r.e.Start(1, StartDelayed))

	r.e.mu.Lock()
	defer r.e.mu.Unlock()

	err := r.e.tx.stop(false)
	assert.ErrorIs(t, err, ErrNotIdleStopped)
	assert.False(t, r.e.tx.enabled)
	assert.False(t, r.e.tx.active)

	writes := r.regs.writes
	assert.ErrorIs(t, r.e.tx.stop(false), ErrAlreadyDone)
	assert.Equal(t, writes, r.regs.writes)
}

func TestEngine_StopForceReset(t *testing.T) {
	r := newRig(t, nil)
	r.write(t, samples(4*testBuf/8))
	require.NoError(t, r.e.Start(0, StartDelayed))

	r.sim.Stall(hw.LineTX, true)
	r.e.mu.Lock()
	err := r.e.tx.stop(true)
	r.e.mu.Unlock()
	assert.ErrorIs(t, err, ErrTimeoutRecovered)

	s := r.e.Status()
	assert.False(t, s.TX.Enabled)
	assert.False(t, s.TX.Active)
	assert.False(t, s.TX.Cyclic)
	assert.Zero(t, s.TX.Running)
	assert.Zero(t, s.TX.Prepared)
	assert.Equal(t, uint64(1), s.TX.Timeouts)
	assert.NotZero(t, r.e.regs.ReadReg(hw.DMABaseTX+hw.DMAStatus)&hw.DMAStatHalted)
}

func TestEngine_StopNotIdle(t *testing.T) {
	r := newRig(t, nil)
	r.write(t, samples(4*testBuf/8))
	require.NoError(t, r.e.Start(0, StartDelayed))

	r.sim.Stall(hw.LineTX, true)
	r.e.mu.Lock()
	assert.ErrorIs(t, r.e.tx.stop(false), ErrNotIdle)
	// Still active, the caller is expected to retry.
	assert.True(t, r.e.tx.active)
	r.e.mu.Unlock()

	r.sim.Stall(hw.LineTX, false)
	r.e.mu.Lock()
	assert.ErrorIs(t, r.e.tx.stop(false), ErrNotIdleStopped)
	assert.ErrorIs(t, r.e.tx.stop(false), ErrAlreadyDone)
	r.e.mu.Unlock()
}

func TestEngine_StopKeepsReceived(t *testing.T) {
	r := newRig(t, nil)
	data := samples(4 * testBuf / 8)
	r.write(t, data)

	require.NoError(t, r.e.Start(0, StartDelayed))
	require.NoError(t, r.e.StartDevice())
	// The receive interrupts are still queued when the transfer stops.
	err := r.e.StopTransfer()
	assert.True(t, err == nil || IsWarning(err), "%v", err)

	s := r.e.Status()
	require.NotZero(t, s.RX.Bytes)
	assert.Equal(t, s.RX.Bytes, s.Available)
	assert.NoError(t, r.e.Verify())

	r.e.processPending()
	assert.Equal(t, s.RX.Bytes, r.e.Status().Available)

	got := r.readAll(t)
	require.Len(t, got, int(s.RX.Bytes))
	assert.Equal(t, bytes.Repeat(data, len(got)/len(data)+1)[:len(got)], got)
	assert.NoError(t, r.e.Verify())
}

func TestEngine_StopBetweenSteps(t *testing.T) {
	r := newRig(t, nil)
	data := samples(4 * testBuf / 8)
	r.write(t, data)
	r.sim.SetAuto(false)

	require.NoError(t, r.e.Start(1, StartDelayed))
	require.NoError(t, r.e.StartDevice())
	r.sim.Step()
	r.e.processPending()
	r.sim.Step()
	err := r.e.StopTransfer()
	assert.True(t, err == nil || IsWarning(err), "%v", err)

	s := r.e.Status()
	assert.Equal(t, s.RX.Bytes, s.Available)
	require.NoError(t, r.e.Verify())

	n, err := r.e.Read(context.Background(), make([]byte, 64*1024))
	require.NoError(t, err)
	assert.Equal(t, int(s.RX.Bytes), n)

	n, err = r.e.Read(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, r.e.Status().Available)
	assert.NoError(t, r.e.Verify())
}

func TestEngine_FinishedStopKeepsReceived(t *testing.T) {
	r := newRig(t, nil)
	data := samples(4 * testBuf / 8)
	r.write(t, data)
	r.sim.SetAuto(false)

	require.NoError(t, r.e.Start(1, StartDelayed))
	require.NoError(t, r.e.StartDevice())
	r.sim.Step()

	// Finish the receiver the way its interrupt handler does, with the
	// completions not yet verified.
	r.e.mu.Lock()
	require.True(t, r.e.rx.active)
	err := r.e.rx.stop(!r.e.tx.active)
	r.e.mu.Unlock()
	assert.True(t, err == nil || IsWarning(err), "%v", err)

	s := r.e.Status()
	assert.Equal(t, uint64(len(data)), s.RX.Bytes)
	assert.Equal(t, uint64(len(data)), s.Available)

	r.e.processPending()
	assert.Equal(t, data, r.readAll(t))
	assert.NoError(t, r.e.Verify())
}

func TestEngine_StartFailureRewinds(t *testing.T) {
	r := newRig(t, nil)
	r.write(t, samples(4*testBuf/8))
	r.sim.SetAuto(false)

	// A transmit engine already running refuses to start.
	r.regs.WriteReg(hw.DMABaseTX+hw.DMAControl, hw.DMACtrlRun)
	err := r.e.Start(1, StartImmediate)
	require.ErrorIs(t, err, ErrNotIdle)

	s := r.e.Status()
	assert.False(t, s.TX.Enabled)
	assert.False(t, s.TX.Active)
	assert.False(t, s.RX.Active)
	assert.Zero(t, s.TX.Running)
	assert.Zero(t, s.TX.Prepared)
	assert.Zero(t, r.e.txList.Cursor())
	assert.NoError(t, r.e.Verify())

	r.sim.SetAuto(true)
	require.NoError(t, r.e.Start(1, StartImmediate))
	r.e.processPending()
	assert.Equal(t, uint64(4*testBuf), r.e.Status().TX.Bytes)
}

func TestEngine_StartIdleChannel(t *testing.T) {
	r := newRig(t, nil)
	data := samples(2 * testBuf / 8)
	r.write(t, data)
	require.NoError(t, r.e.Start(1, StartImmediate))
	r.e.processPending()
	assert.Equal(t, data, r.readAll(t))

	// A receiver with nothing in flight does not block the next transfer.
	r.e.mu.Lock()
	r.e.rx.enabled = true
	r.e.mu.Unlock()

	require.NoError(t, r.e.Start(1, StartImmediate))
	r.e.processPending()
	s := r.e.Status()
	assert.Equal(t, uint64(len(data)), s.RX.Bytes)
	assert.False(t, s.RX.Enabled)
	assert.Equal(t, data, r.readAll(t))
	assert.NoError(t, r.e.Verify())
}

func TestEngine_StoppingChannelNotRefilled(t *testing.T) {
	r := newRig(t, nil)
	r.write(t, samples(8*testBuf/8))
	r.sim.SetAuto(false)
	require.NoError(t, r.e.Start(1, StartDelayed))
	require.NoError(t, r.e.StartDevice())

	r.sim.Stall(hw.LineRX, true)
	r.e.mu.Lock()
	require.ErrorIs(t, r.e.rx.stop(false), ErrNotIdle)
	require.True(t, r.e.rx.active)
	prepared, buffers := r.e.rx.ring.Prepared(), r.e.rxList.Len()
	r.e.mu.Unlock()

	r.sim.Step()
	r.e.processPending()

	r.e.mu.Lock()
	assert.False(t, r.e.rx.enabled)
	assert.LessOrEqual(t, r.e.rx.ring.Prepared(), prepared)
	assert.Equal(t, buffers, r.e.rxList.Len())
	r.e.mu.Unlock()

	r.sim.Stall(hw.LineRX, false)
	err := r.e.StopTransfer()
	assert.True(t, err == nil || IsWarning(err), "%v", err)
	assert.NoError(t, r.e.Verify())
}

func TestEngine_DropOldest(t *testing.T) {
	r := newRig(t, func(c *Config) {
		c.MaxRXBytes = 4 * testBuf
		c.FIFOSize = 16 * testBuf
	})
	data := samples(6 * testBuf / 8)
	r.write(t, data)

	require.NoError(t, r.e.Start(1, StartImmediate))
	r.e.processPending()

	s := r.e.Status()
	assert.Equal(t, uint64(6*testBuf), s.RX.Bytes)
	assert.Equal(t, uint64(2*testBuf), s.Dropped)
	assert.Equal(t, uint64(4*testBuf), s.Available)

	n, err := r.e.Read(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 4*testBuf, n)

	// The newest four buffers survived.
	assert.Equal(t, data[2*testBuf:], r.readAll(t))
}

func TestEngine_Read(t *testing.T) {
	r := newRig(t, func(c *Config) {
		c.Timeout = 20 * time.Millisecond
	})
	buf := make([]byte, testBuf)

	_, err := r.e.Read(context.Background(), buf)
	assert.ErrorIs(t, err, ErrNotRunning)

	r.write(t, samples(2*testBuf/8))
	r.sim.SetAuto(false)
	require.NoError(t, r.e.Start(1, StartImmediate))

	_, err = r.e.Read(context.Background(), buf)
	assert.ErrorIs(t, err, ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.e.Read(ctx, buf)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, r.e.SetTimeout(0))
	type result struct {
		n   int
		err error
	}
	done := make(chan result)
	go func() {
		n, err := r.e.Read(context.Background(), buf)
		done <- result{n, err}
	}()

	select {
	case <-done:
		t.Fatal("read returned before data arrived")
	case <-time.After(20 * time.Millisecond):
	}

	r.sim.SetAuto(true)
	r.sim.Step()
	r.e.processPending()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, testBuf, res.n)
	case <-time.After(5 * time.Second):
		t.Fatal("read did not wake up")
	}

	// Only whole buffers are copied.
	_, err = r.e.Read(context.Background(), make([]byte, testBuf-1))
	assert.ErrorIs(t, err, io.ErrShortBuffer)
}

func TestEngine_ReadDevice(t *testing.T) {
	r := newRig(t, nil)
	r.write(t, samples(2*testBuf/8))
	r.sim.SetAuto(false)
	require.NoError(t, r.e.Start(1, StartDelayed))

	buf := make([]byte, testBuf)
	_, err := r.e.Read(context.Background(), buf)
	assert.ErrorIs(t, err, ErrDeviceInactive)

	r.sim.InjectError(hw.FPGAStatErrOut)
	r.e.processPending()
	_, err = r.e.Read(context.Background(), buf)
	assert.ErrorIs(t, err, ErrDeviceError)
	assert.Equal(t, uint64(1), r.e.Status().DeviceErrors)
}

func TestEngine_StartDevice(t *testing.T) {
	r := newRig(t, nil)
	assert.ErrorIs(t, r.e.StartDevice(), ErrNotRunning)

	data := samples(2 * testBuf / 8)
	r.write(t, data)
	require.NoError(t, r.e.Start(1, StartDelayed))
	r.e.processPending()
	assert.False(t, r.e.Status().DeviceStarted)

	require.NoError(t, r.e.StartDevice())
	assert.ErrorIs(t, r.e.StartDevice(), ErrAlreadyDone)
	r.e.processPending()
	assert.Equal(t, data, r.readAll(t))
}

func TestEngine_ReadStatus(t *testing.T) {
	r := newRig(t, func(c *Config) {
		c.StatusTimeout = 200 * time.Millisecond
	})
	r.e.SetDeviceConfig(fpga.IRQEnables)

	_, err := r.e.ReadStatus(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)

	done := make(chan fpga.Snapshot)
	go func() {
		s, err := r.e.ReadStatus(context.Background())
		assert.NoError(t, err)
		done <- s
	}()
	time.Sleep(20 * time.Millisecond)
	r.sim.InjectError(hw.FPGAStatErrLock)

	select {
	case s := <-done:
		assert.True(t, s.Failed())
	case <-time.After(5 * time.Second):
		t.Fatal("status read did not wake up")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.e.ReadStatus(ctx)
	assert.ErrorIs(t, err, ErrInterrupted)
}

func TestEngine_Write(t *testing.T) {
	r := newRig(t, func(c *Config) {
		c.MaxTXBytes = 2 * testBuf
	})

	// A partial buffer is filled before a new one is taken.
	r.write(t, samples(3))
	r.write(t, samples(6))
	assert.Equal(t, 2, r.e.txList.Len())
	assert.Equal(t, uint64(72), r.e.Status().TotalBytes)

	n, err := r.e.Write(make([]byte, 2*testBuf))
	assert.ErrorIs(t, err, ErrNoSpace)
	assert.Equal(t, 2*testBuf-72, n)

	_, err = r.e.Write(samples(1))
	assert.ErrorIs(t, err, ErrNoSpace)

	require.NoError(t, r.e.Finalize())
	_, err = r.e.Write(samples(1))
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestEngine_FinalizeUnaligned(t *testing.T) {
	r := newRig(t, nil)
	r.write(t, []byte{1, 2, 3})
	assert.ErrorIs(t, r.e.Finalize(), ErrInvalidArgument)
	assert.ErrorIs(t, r.e.Start(1, StartImmediate), ErrInvalidArgument)
}

func TestEngine_Reset(t *testing.T) {
	r := newRig(t, nil)
	r.write(t, samples(4*testBuf/8))
	require.NoError(t, r.e.Start(0, StartImmediate))
	r.e.SetDeviceConfig(hw.FPGACtrlExtClock)

	require.NoError(t, r.e.Reset())
	s := r.e.Status()
	assert.Zero(t, s.TotalBytes)
	assert.Zero(t, s.TX.Bytes)
	assert.Zero(t, s.RX.Bytes)
	assert.Zero(t, s.Available)
	assert.False(t, s.TX.Enabled)
	assert.False(t, s.RX.Enabled)
	assert.False(t, s.DeviceStarted)
	assert.Zero(t, s.DeviceConfig)
	assert.Equal(t, s.BuffersAllocated, s.BuffersIdle)
	assert.NoError(t, r.e.Verify())

	// A new transfer works after a reset.
	data := samples(testBuf / 8)
	r.write(t, data)
	require.NoError(t, r.e.Start(1, StartImmediate))
	r.e.processPending()
	assert.Equal(t, data, r.readAll(t))
}

func TestEngine_RXBufferSize(t *testing.T) {
	r := newRig(t, nil)
	assert.Equal(t, uint64(16*testBuf), r.e.RXBufferSize())

	assert.ErrorIs(t, r.e.SetRXBufferSize(100), ErrInvalidArgument)
	assert.ErrorIs(t, r.e.SetRXBufferSize(32*testBuf), ErrReallocated)
	assert.NoError(t, r.e.SetRXBufferSize(32*testBuf))
	assert.NoError(t, r.e.SetRXBufferSize(8*testBuf))

	r.write(t, samples(testBuf/8))
	r.sim.SetAuto(false)
	require.NoError(t, r.e.Start(1, StartDelayed))
	assert.ErrorIs(t, r.e.SetRXBufferSize(4*testBuf), ErrIllegalState)
	assert.ErrorIs(t, r.e.SetRXBufferSize(16*testBuf), ErrReallocated)
}

func TestEngine_Settings(t *testing.T) {
	r := newRig(t, nil)
	assert.Equal(t, time.Second, r.e.Timeout())
	assert.ErrorIs(t, r.e.SetTimeout(-1), ErrInvalidArgument)
	require.NoError(t, r.e.SetTimeout(time.Minute))
	assert.Equal(t, time.Minute, r.e.Status().Timeout)

	got := r.e.SetDeviceConfig(hw.FPGACtrlExtClock | hw.FPGACtrlRun)
	assert.Equal(t, hw.FPGACtrlExtClock, got)
	assert.Equal(t, got, r.e.DeviceConfig())

	tx, rx := r.e.Load()
	assert.Zero(t, tx)
	assert.Zero(t, rx)
}

func TestEngine_Open(t *testing.T) {
	r := newRig(t, nil)
	assert.ErrorIs(t, r.e.Close(OpenDMA), ErrIllegalState)

	require.NoError(t, r.e.Open(OpenDMA))
	require.NoError(t, r.e.Open(OpenDMA))
	require.NoError(t, r.e.Open(OpenDevice))
	assert.Equal(t, hw.FPGACtrlReady, r.e.DeviceConfig()&hw.FPGACtrlReady)

	require.NoError(t, r.e.Close(OpenDMA))
	assert.Equal(t, hw.FPGACtrlReady, r.e.DeviceConfig()&hw.FPGACtrlReady)
	require.NoError(t, r.e.Close(OpenDMA))
	assert.Zero(t, r.e.DeviceConfig()&hw.FPGACtrlReady)
	require.NoError(t, r.e.Close(OpenDevice))
}

func TestEngine_Verify(t *testing.T) {
	r := newRig(t, nil)
	r.write(t, samples(3*testBuf/8))
	r.sim.SetAuto(false)
	require.NoError(t, r.e.Start(1, StartDelayed))
	require.NoError(t, r.e.Verify())

	r.e.txList.First().refs++
	err := r.e.Verify()
	var ierr *InvariantError
	require.ErrorAs(t, err, &ierr)
	assert.ErrorIs(t, err, ErrCountMismatch)
	r.e.txList.First().refs--

	r.e.tx.ring.Descriptor(3).SetNext(0)
	assert.ErrorIs(t, r.e.Verify(), ErrRingCorrupt)
	r.e.tx.ring.Descriptor(3).SetNext(r.e.tx.ring.Phys(4))

	r.e.available++
	assert.ErrorIs(t, r.e.Verify(), ErrByteMismatch)
	r.e.available--
}

func TestEngine_HandleIRQ_spurious(t *testing.T) {
	r := newRig(t, nil)
	r.e.HandleIRQ(hw.LineTX)
	r.e.HandleIRQ(hw.LineRX)
	s := r.e.Status()
	assert.Equal(t, uint64(2), s.IRQ.Spurious)
	assert.Zero(t, s.IRQ.Queued)
}

func TestEngine_Run(t *testing.T) {
	r := newRig(t, nil)
	data := samples(5 * testBuf / 8)
	r.write(t, data)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- r.e.Run(ctx)
	}()

	require.NoError(t, r.e.Start(1, StartImmediate))
	var got []byte
	buf := make([]byte, 2*testBuf)
	for len(got) < len(data) {
		n, err := r.e.Read(context.Background(), buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, data, got)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
