package dma

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/fpgadma/hw"
)

func (e *Engine) dispatch(t task) {
	switch t.line {
	case hw.LineTX:
		e.dispatchChannel(e.tx, t)
	case hw.LineRX:
		e.dispatchChannel(e.rx, t)
	case hw.LineDevice:
		e.dispatchDevice(t)
	}
}

// dispatchChannel handles a completion interrupt: account for completed
// descriptors, then either finish the channel or keep the engine fed.
func (e *Engine) dispatchChannel(c *channel, t task) {
	// A completion may have landed between the interrupt and its ack.
	sr := t.status | c.status()
	c.handleStatus(sr)
	if !c.enabled && !c.active {
		c.l.WithField("merged", t.merged).Debug("Interrupt on stopped channel")
		return
	}

	_, _ = c.verify(false)

	if c.finished() {
		err := c.stop(!e.other(c).active)
		e.logResult(c, "Channel finished", err)
		if c.dir == RX {
			e.wake()
		}
	} else if !c.cyclic && c.enabled {
		// Hand over what is prepared first to keep the gap short.
		_ = c.restartHardware()
		if c.dir == RX {
			e.refillRX()
		}
		if err := c.prepareMore(); err != nil && !IsWarning(err) {
			c.l.WithError(err).Error("Failed to prepare descriptors")
		}
		if c.ring.Active() == 0 {
			_ = c.restartHardware()
		}
	}

	if c.dir == TX {
		e.maybeStartDevice()
	}
}

func (e *Engine) logResult(c *channel, msg string, err error) {
	entry := c.l.WithFields(logrus.Fields{
		"bytes":     c.bytes,
		"completed": c.completed,
	})
	switch {
	case err == nil:
		entry.Debug(msg)
	case IsWarning(err):
		entry.WithField("warning", err).Debug(msg)
	default:
		entry.WithError(err).Error(msg)
	}
}

// maybeStartDevice starts the device once its input FIFO is primed or all
// transmit data is queued.
func (e *Engine) maybeStartDevice() {
	if e.deviceStarted || e.mode != StartImmediate {
		return
	}
	if e.tx.bytes > uint64(e.cfg.FIFOSize/2) || e.tx.finished() {
		_ = e.startDevice()
	}
}

func (e *Engine) dispatchDevice(t task) {
	s := e.latch.Load()
	if s.Failed() {
		e.deviceErrors++
		e.l.WithFields(e.dev.Dump()).WithField("status", fmt.Sprintf("0x%08x", t.status)).Error("Device error")
	}
	if s.Ended() {
		e.l.WithField("samples", s.Samples).Debug("Device finished")
	}
	e.wake()
}

// received accounts for filled receive buffers and applies the drop policy.
// It runs for every receive completion, including those found while stopping.
func (e *Engine) received(comp Completion) {
	e.available += comp.Bytes
	e.dropOverflow()
	e.wake()
}

// dropOverflow drops the oldest unread buffers while more than the receive
// buffer target is waiting.
func (e *Engine) dropOverflow() {
	var dropped uint64
	for e.available > e.rxTarget {
		b := e.rxList.First()
		if b == nil || !b.done {
			break
		}
		e.rxList.PopFront()
		n := uint64(b.bytes)
		e.available -= n
		dropped += n
		if err := e.pool.Release(b); err != nil {
			break
		}
	}
	if dropped == 0 {
		return
	}
	e.dropped += dropped
	if e.dropWarn.Allow() {
		e.l.WithFields(logrus.Fields{
			"dropped":   dropped,
			"total":     e.dropped,
			"available": e.available,
		}).WithError(ErrOverwritten).Warn("Receive buffer full")
	}
}

// refillRX keeps one ring worth of empty buffers queued for the receive
// channel.
func (e *Engine) refillRX() {
	empty := 0
	e.rxList.Each(func(_ int, b *Buffer) {
		if !b.done {
			empty++
		}
	})
	for ; empty < e.rx.ring.Size(); empty++ {
		b, err := e.pool.Acquire()
		if err != nil {
			e.l.WithError(err).Warn("Failed to refill receive buffers")
			return
		}
		e.rxList.Append(b)
	}
}

// releaseRX returns all receive buffers to the pool.
func (e *Engine) releaseRX() {
	if err := e.pool.Release(e.rxList.Reset()...); err != nil {
		e.l.WithError(err).Error("Failed to release receive buffers")
	}
	e.available, e.dropped = 0, 0
}
