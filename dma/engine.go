// Package dma is the transfer core: descriptor rings and buffer lists for both
// directions, the channel state machines driving the scatter-gather engine,
// the interrupt task queue and its dispatcher, and the read/write facade with
// its byte accounting.
//
// All ring, list and status state is guarded by one mutex, the engine critical
// section. Interrupt handlers never take it; they acknowledge the hardware and
// queue a task for the worker started with [Engine.Run].
package dma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/fpgadma/fpga"
	"github.com/slackhq/fpgadma/hw"
	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// StartMode selects who starts the device.
type StartMode int

const (
	// StartImmediate starts the device as soon as enough data is queued.
	StartImmediate StartMode = iota
	// StartDelayed leaves starting the device to [Engine.StartDevice].
	StartDelayed
)

func (m StartMode) String() string {
	if m == StartDelayed {
		return "delayed"
	}
	return "immediate"
}

// OpenKind is what a consumer opens.
type OpenKind int

const (
	OpenDMA OpenKind = iota
	OpenDevice
)

// resetAttempts bounds the channel resets done by Reset.
const resetAttempts = 3

type Engine struct {
	l     *logrus.Logger
	cfg   Config
	regs  hw.Registers
	dev   *fpga.Device
	latch *fpga.StatusLatch
	queue *taskQueue

	irqTX, irqRX, irqDevice, spurious atomicbitops.Uint64

	mu     sync.Mutex
	pool   *Pool
	tx, rx *channel
	txList List
	rxList List
	notify chan struct{}
	closed bool
	opens  map[OpenKind]int

	// totalBytes is the transmit payload including padding.
	totalBytes uint64
	nopCount   uint32

	reps          uint32
	mode          StartMode
	deviceStarted bool
	deviceErrors  uint64

	available uint64
	dropped   uint64
	rxTarget  uint64
	timeout   time.Duration
	dropWarn  *rate.Limiter
}

// NewEngine builds the rings and channels on top of the DMA register window
// regs and resets the hardware.
func NewEngine(l *logrus.Logger, cfg Config, regs hw.Registers, dev *fpga.Device, alloc hw.Allocator) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pool, err := NewPool(l, alloc, cfg.BufferSize, cfg.Alignment)
	if err != nil {
		return nil, err
	}
	txRing, err := NewRing(l, alloc, cfg.TXRingSize, cfg.Alignment, TX)
	if err != nil {
		return nil, err
	}
	rxRing, err := NewRing(l, alloc, cfg.RXRingSize, cfg.Alignment, RX)
	if err != nil {
		_ = txRing.Close()
		return nil, err
	}

	e := &Engine{
		l:        l,
		cfg:      cfg,
		regs:     regs,
		dev:      dev,
		latch:    fpga.NewStatusLatch(),
		queue:    newTaskQueue(cfg.QueueSize),
		pool:     pool,
		notify:   make(chan struct{}),
		opens:    map[OpenKind]int{},
		rxTarget: cfg.MaxRXBytes,
		timeout:  cfg.Timeout,
		dropWarn: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	chCfg := channelConfig{
		group:        cfg.PacketGroupSize,
		startTimeout: cfg.StartTimeout,
		stopTimeout:  cfg.StopTimeout,
		resetTimeout: cfg.ResetTimeout,
	}
	e.tx = newChannel(l, TX, regs, txRing, &e.txList, chCfg)
	e.rx = newChannel(l, RX, regs, rxRing, &e.rxList, chCfg)
	e.rx.onComplete = e.received

	if err := e.Reset(); err != nil && !IsWarning(err) {
		_ = e.Shutdown()
		return nil, err
	}
	return e, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

// HandleIRQ acknowledges the interrupt of line and queues it for the worker.
// It does not take the engine lock and is safe to call from any goroutine.
func (e *Engine) HandleIRQ(line hw.Line) {
	switch line {
	case hw.LineTX, hw.LineRX:
		base := hw.DMABaseTX
		if line == hw.LineRX {
			base = hw.DMABaseRX
		}
		w := hw.Window{R: e.regs, Base: base}
		sr := w.ReadReg(hw.DMAStatus)
		irq := sr & hw.DMAStatIRQs
		if irq == 0 {
			e.spurious.Add(1)
			return
		}
		w.WriteReg(hw.DMAStatus, irq)
		if line == hw.LineTX {
			e.irqTX.Add(1)
		} else {
			e.irqRX.Add(1)
		}
		e.queue.push(line, sr)

	case hw.LineDevice:
		s := e.dev.Capture()
		e.irqDevice.Add(1)
		if e.latch.Update(s) {
			e.queue.push(line, s.Status)
		}
	}
}

// Run processes queued interrupts until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.queue.wake:
			e.processPending()
		}
	}
}

// processPending dispatches every queued task.
func (e *Engine) processPending() {
	for {
		t, ok := e.queue.pop()
		if !ok {
			return
		}
		e.mu.Lock()
		if !e.closed {
			e.dispatch(t)
		}
		e.mu.Unlock()
	}
}

// wake releases blocked readers so they look at the state again.
func (e *Engine) wake() {
	close(e.notify)
	e.notify = make(chan struct{})
}

func (e *Engine) other(c *channel) *channel {
	if c == e.tx {
		return e.rx
	}
	return e.tx
}

// Start starts a transfer of the written data, repeated reps times or
// forever when reps is 0.
func (e *Engine) Start(reps uint32, mode StartMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.tx.active || e.rx.active {
		return ErrAlreadyRunning
	}
	if e.txList.Len() == 0 {
		return ErrNoData
	}
	if err := e.finalize(); err != nil {
		return err
	}
	// An enabled channel with nothing in flight is stopped so the new
	// transfer starts from a clean ring.
	for _, c := range []*channel{e.tx, e.rx} {
		if !c.enabled {
			continue
		}
		if err := c.stop(true); err != nil && !IsWarning(err) {
			return fmt.Errorf("stop idle %s: %w", c.dir, err)
		}
	}

	e.releaseRX()
	e.tx.clear()
	e.rx.clear()
	e.reps, e.mode, e.deviceStarted = reps, mode, false

	var target uint64
	if reps > 0 {
		target = e.totalBytes * uint64(reps)
	}
	e.tx.reps, e.tx.target = reps, target
	e.rx.reps, e.rx.target = reps, target
	e.tx.cyclic = reps == 0 &&
		e.tx.ring.Size()%e.txList.Len() == 0 &&
		e.tx.ring.Size()%e.cfg.PacketGroupSize == 0

	e.refillRX()
	e.dev.Prepare(uint32(e.totalBytes/uint64(e.cfg.SampleSize)), reps)
	e.latch.Update(e.dev.Capture())

	if err := e.rx.start(); err != nil {
		_ = e.rx.reset()
		return fmt.Errorf("start rx: %w", err)
	}
	if err := e.tx.start(); err != nil {
		// Unbind what start prepared and rewind the list for the next try.
		_ = e.tx.reset()
		_ = e.rx.stop(true)
		return fmt.Errorf("start tx: %w", err)
	}

	e.l.WithFields(logrus.Fields{
		"bytes":  e.totalBytes,
		"reps":   reps,
		"mode":   mode,
		"cyclic": e.tx.cyclic,
	}).Info("Transfer started")
	return nil
}

// StartDevice starts the device of a transfer started with StartDelayed.
func (e *Engine) StartDevice() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.tx.enabled && !e.tx.finished() {
		return ErrNotRunning
	}
	if e.deviceStarted {
		return ErrAlreadyDone
	}
	return e.startDevice()
}

func (e *Engine) startDevice() error {
	if err := e.dev.Start(); err != nil {
		e.deviceErrors++
		e.l.WithError(err).WithFields(e.dev.Dump()).Error("Failed to start device")
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	e.deviceStarted = true
	e.latch.Update(e.dev.Capture())
	return nil
}

// StopTransfer stops both channels and the device.
func (e *Engine) StopTransfer() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.stopAll()
	e.wake()
	return err
}

func (e *Engine) stopAll() error {
	results := []error{e.tx.stop(true), e.rx.stop(true)}
	if err := e.dev.Stop(); err != nil {
		results = append(results, fmt.Errorf("%w: %v", ErrTimeout, err))
	}
	e.latch.Update(e.dev.Capture())

	var errs []error
	var warning error
	for _, err := range results {
		switch {
		case err == nil:
		case IsWarning(err):
			if warning == nil || errors.Is(warning, ErrAlreadyDone) {
				warning = err
			}
		default:
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return warning
}

// Reset resets both channels and the device and returns the engine to its
// initial state. Software state is always cleared, even when the hardware did
// not reach its reset state.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	for attempt := 1; attempt <= resetAttempts; attempt++ {
		err = errors.Join(e.tx.reset(), e.rx.reset())
		if err == nil {
			break
		}
		e.l.WithError(err).WithField("attempt", attempt).Warn("Channel reset failed")
	}
	if derr := e.dev.Reset(); derr != nil {
		err = errors.Join(err, fmt.Errorf("%w: %v", ErrTimeout, derr))
	}

	if rerr := e.pool.Release(e.txList.Reset()...); rerr != nil {
		err = errors.Join(err, rerr)
	}
	e.releaseRX()
	e.totalBytes, e.nopCount = 0, 0
	e.reps, e.mode, e.deviceStarted, e.deviceErrors = 0, StartImmediate, false, 0
	for _, c := range []*channel{e.tx, e.rx} {
		c.clear()
		c.timeouts = 0
	}
	e.latch.Update(e.dev.Capture())
	e.wake()

	if err != nil {
		e.l.WithError(err).Error("Reset did not complete")
		return err
	}
	e.l.Debug("Engine reset")
	return nil
}

// DeviceConfig returns the device control register.
func (e *Engine) DeviceConfig() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev.Control()
}

// SetDeviceConfig writes the device configuration bits and returns the new
// control register. Driver owned bits are kept.
func (e *Engine) SetDeviceConfig(v uint32) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev.SetConfig(v)
}

func (e *Engine) RXBufferSize() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rxTarget
}

// SetRXBufferSize changes the receive buffer target. Shrinking is refused
// while the receive channel runs. Growing reports ErrReallocated.
func (e *Engine) SetRXBufferSize(n uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if n < uint64(e.cfg.BufferSize) || n%uint64(e.cfg.Alignment) != 0 {
		return fmt.Errorf("%w: rx buffer size %d must be a multiple of %d and hold one buffer", ErrInvalidArgument, n, e.cfg.Alignment)
	}
	switch {
	case n == e.rxTarget:
		return nil
	case n < e.rxTarget:
		if e.rx.enabled || e.rx.active {
			return fmt.Errorf("%w: rx buffer can not shrink while receiving", ErrIllegalState)
		}
		e.rxTarget = n
		e.dropOverflow()
		e.pool.Shrink(int(n / uint64(e.cfg.BufferSize)))
		return nil
	default:
		e.rxTarget = n
		return ErrReallocated
	}
}

func (e *Engine) Timeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeout
}

// SetTimeout sets the blocking read timeout, 0 waits forever.
func (e *Engine) SetTimeout(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidArgument)
	}
	e.mu.Lock()
	e.timeout = d
	e.mu.Unlock()
	return nil
}

// Load returns how full both rings are in percent.
func (e *Engine) Load() (tx, rx int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	load := func(r *Ring) int {
		return (r.Active() + r.Prepared()) * 100 / r.Size()
	}
	return load(e.tx.ring), load(e.rx.ring)
}

// Open registers a consumer. The first consumer of the data channel tells the
// device that a reader is present.
func (e *Engine) Open(kind OpenKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.opens[kind]++
	if kind == OpenDMA && e.opens[kind] == 1 {
		e.dev.SetReady(true)
	}
	return nil
}

func (e *Engine) Close(kind OpenKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.opens[kind] == 0 {
		return fmt.Errorf("%w: not open", ErrIllegalState)
	}
	e.opens[kind]--
	if kind == OpenDMA && e.opens[kind] == 0 {
		e.dev.SetReady(false)
	}
	return nil
}

// Shutdown stops all transfers and frees every DMA resource.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	err := e.stopAll()
	if IsWarning(err) {
		err = nil
	}
	err = errors.Join(err, e.tx.ring.Close(), e.rx.ring.Close())
	_ = e.pool.Release(e.txList.Reset()...)
	e.releaseRX()
	e.pool.Close()
	e.wake()
	return err
}
