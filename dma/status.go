package dma

import (
	"time"

	"github.com/slackhq/fpgadma/fpga"
)

// Status is a copy of all engine counters.
type Status struct {
	TX ChannelStatus `json:"tx"`
	RX ChannelStatus `json:"rx"`

	// TotalBytes is the transmit payload of one repetition, padding included.
	TotalBytes    uint64 `json:"total_bytes"`
	Reps          uint32 `json:"reps"`
	RepsCompleted uint32 `json:"reps_completed"`
	Mode          string `json:"mode"`

	// Available is the received data waiting to be read.
	Available    uint64 `json:"available"`
	Dropped      uint64 `json:"dropped"`
	RXBufferSize uint64 `json:"rx_buffer_size"`

	Timeout time.Duration `json:"timeout"`

	Device        fpga.Snapshot `json:"device"`
	DeviceConfig  uint32        `json:"device_config"`
	DeviceStarted bool          `json:"device_started"`
	DeviceErrors  uint64        `json:"device_errors"`

	BuffersAllocated int `json:"buffers_allocated"`
	BuffersIdle      int `json:"buffers_idle"`

	IRQ IRQStatus `json:"irq"`
}

type IRQStatus struct {
	TX       uint64 `json:"tx"`
	RX       uint64 `json:"rx"`
	Device   uint64 `json:"device"`
	Spurious uint64 `json:"spurious"`
	Queued   uint64 `json:"queued"`
	Merged   uint64 `json:"merged"`
	Overflow uint64 `json:"overflow"`
}

func (e *Engine) irqStatus() IRQStatus {
	return IRQStatus{
		TX:       e.irqTX.Load(),
		RX:       e.irqRX.Load(),
		Device:   e.irqDevice.Load(),
		Spurious: e.spurious.Load(),
		Queued:   e.queue.pushed.Load(),
		Merged:   e.queue.merged.Load(),
		Overflow: e.queue.overflow.Load(),
	}
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Status{
		TX:               e.tx.snapshot(),
		RX:               e.rx.snapshot(),
		TotalBytes:       e.totalBytes,
		Reps:             e.reps,
		Mode:             e.mode.String(),
		Available:        e.available,
		Dropped:          e.dropped,
		RXBufferSize:     e.rxTarget,
		Timeout:          e.timeout,
		Device:           e.latch.Load(),
		DeviceConfig:     e.dev.Control(),
		DeviceStarted:    e.deviceStarted,
		DeviceErrors:     e.deviceErrors,
		BuffersAllocated: e.pool.Allocated(),
		BuffersIdle:      e.pool.Idle(),
		IRQ:              e.irqStatus(),
	}
	if e.totalBytes > 0 {
		s.RepsCompleted = uint32(e.tx.bytes / e.totalBytes)
	}
	return s
}
