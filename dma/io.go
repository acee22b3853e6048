package dma

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/slackhq/fpgadma/fpga"
	"github.com/slackhq/fpgadma/hw"
)

// Write queues p for transmission. Data goes into the partially filled last
// buffer first, then into new buffers. Writing stops at MaxTXBytes, in which
// case the accepted count and ErrNoSpace are returned.
func (e *Engine) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, ErrClosed
	}
	if e.tx.enabled || e.tx.active {
		return 0, fmt.Errorf("%w: transmit channel running", ErrIllegalState)
	}
	if e.txList.Sealed() {
		return 0, fmt.Errorf("%w: transmit data already finalized, reset first", ErrIllegalState)
	}

	var short error
	room := e.cfg.MaxTXBytes - e.totalBytes
	if room == 0 {
		return 0, ErrNoSpace
	}
	if uint64(len(p)) > room {
		p = p[:room]
		short = ErrNoSpace
	}

	n := 0
	if last := e.txList.Last(); last != nil && last.bytes < len(last.data) {
		k := copy(last.data[last.bytes:], p)
		last.bytes += k
		n += k
	}
	for n < len(p) {
		b, err := e.pool.Acquire()
		if err != nil {
			e.totalBytes += uint64(n)
			return n, err
		}
		k := copy(b.data, p[n:])
		b.bytes = k
		e.txList.Append(b)
		n += k
	}
	e.totalBytes += uint64(n)
	return n, short
}

// Finalize pads the last transmit buffer with filler samples and seals the
// transmit data. It is done by Start when needed.
func (e *Engine) Finalize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalize()
}

func (e *Engine) finalize() error {
	if e.txList.Sealed() {
		return nil
	}
	last := e.txList.Last()
	if last == nil {
		return ErrNoData
	}
	size := e.cfg.SampleSize
	if e.totalBytes%uint64(size) != 0 {
		return fmt.Errorf("%w: %d bytes is not a whole number of %d byte samples", ErrInvalidArgument, e.totalBytes, size)
	}

	// Filler time continues from the last real sample.
	t := binary.LittleEndian.Uint32(last.data[last.bytes-size:])
	padded := 0
	for off := last.bytes; off+size <= len(last.data); off += size {
		t++
		e.nopCount = (e.nopCount + 1) & hw.SampleNOPCnt
		s := last.data[off : off+size]
		clear(s)
		binary.LittleEndian.PutUint32(s, t)
		binary.LittleEndian.PutUint32(s[4:], hw.SampleNOP|e.nopCount)
		padded += size
	}
	last.bytes += padded
	e.totalBytes += uint64(padded)
	e.txList.Seal()
	return nil
}

// Read copies whole received buffers into p, oldest first. With an empty p it
// returns the number of bytes ready without copying. When nothing is ready it
// blocks until data arrives, the transfer can not produce more data, the
// timeout passes or ctx is done.
func (e *Engine) Read(ctx context.Context, p []byte) (int, error) {
	e.mu.Lock()
	if len(p) == 0 {
		n := e.available
		e.mu.Unlock()
		return int(n), nil
	}

	var expired <-chan time.Time
	if e.timeout > 0 {
		t := time.NewTimer(e.timeout)
		defer t.Stop()
		expired = t.C
	}

	for e.available == 0 {
		if err := e.readBlocked(); err != nil {
			e.mu.Unlock()
			return 0, err
		}
		notify := e.notify
		e.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		case <-expired:
			return 0, ErrTimeout
		}
		e.mu.Lock()
	}

	n, err := e.copyOut(p)
	e.mu.Unlock()
	return n, err
}

// readBlocked returns why a reader with no data should not wait, or nil.
func (e *Engine) readBlocked() error {
	if e.closed {
		return ErrClosed
	}
	dev := e.latch.Load()
	if dev.Failed() {
		return ErrDeviceError
	}
	if !e.rx.enabled && !e.rx.active {
		return ErrNotRunning
	}
	if e.mode == StartDelayed && !e.deviceStarted && !dev.Running() {
		return ErrDeviceInactive
	}
	return nil
}

func (e *Engine) copyOut(p []byte) (int, error) {
	n := 0
	var released []*Buffer
	for {
		b := e.rxList.First()
		if b == nil || !b.done || b.bytes > len(p)-n {
			break
		}
		n += copy(p[n:], b.data[:b.bytes])
		e.available -= uint64(b.bytes)
		released = append(released, e.rxList.PopFront())
	}
	if err := e.pool.Release(released...); err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.ErrShortBuffer
	}

	if e.rx.enabled {
		e.refillRX()
		err := e.rx.prepareMore()
		if err != nil && !IsWarning(err) {
			return n, err
		}
		if e.rx.ring.Active() == 0 {
			_ = e.rx.restartHardware()
		}
	}
	return n, nil
}

// ReadStatus waits for the next device status change and returns it. It does
// not take the engine lock.
func (e *Engine) ReadStatus(ctx context.Context) (fpga.Snapshot, error) {
	seq := e.latch.Load().Seq
	s, err := e.latch.Wait(ctx, seq, e.cfg.StatusTimeout)
	switch {
	case errors.Is(err, fpga.ErrTimeout):
		return s, ErrTimeout
	case err != nil:
		return s, fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return s, nil
}

// DeviceStatus returns the last latched device status without waiting.
func (e *Engine) DeviceStatus() fpga.Snapshot {
	return e.latch.Load()
}
