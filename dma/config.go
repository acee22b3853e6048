package dma

import (
	"fmt"
	"time"

	"github.com/slackhq/fpgadma/hw"
)

// Config holds the startup parameters of an [Engine].
type Config struct {
	// BufferSize is the size of every DMA buffer in bytes.
	BufferSize int
	TXRingSize int
	RXRingSize int
	// PacketGroupSize is the number of transmit descriptors per packet, one
	// completion interrupt is raised per packet.
	PacketGroupSize int
	// Alignment is the engine alignment for buffers and buffer sizes.
	Alignment int

	// MaxTXBytes caps the data accepted by Write.
	MaxTXBytes uint64
	// MaxRXBytes is the initial receive buffer target. Unread data beyond
	// it is dropped oldest first.
	MaxRXBytes uint64

	// Timeout bounds blocking reads, 0 waits forever.
	Timeout       time.Duration
	StartTimeout  time.Duration
	StopTimeout   time.Duration
	ResetTimeout  time.Duration
	StatusTimeout time.Duration

	// QueueSize is the capacity of the interrupt task queue.
	QueueSize int

	// FIFOSize is the device input FIFO in bytes. The device is started once
	// half of it could be filled.
	FIFOSize int
	// SampleSize is the size of one device sample in bytes.
	SampleSize int
}

func DefaultConfig() Config {
	return Config{
		BufferSize:      4096,
		TXRingSize:      64,
		RXRingSize:      64,
		PacketGroupSize: 4,
		Alignment:       64,
		MaxTXBytes:      64 << 20,
		MaxRXBytes:      16 << 20,
		Timeout:         time.Second,
		StartTimeout:    100 * time.Millisecond,
		StopTimeout:     100 * time.Millisecond,
		ResetTimeout:    100 * time.Millisecond,
		StatusTimeout:   time.Second,
		QueueSize:       32,
		FIFOSize:        8192,
		SampleSize:      hw.SampleSize,
	}
}

func (c Config) Validate() error {
	invalid := func(format string, a ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, a...))
	}

	if err := hw.CheckAlignment(c.BufferSize, c.Alignment); err != nil {
		return invalid("buffer_size: %v", err)
	}
	if c.SampleSize < hw.SampleSize || c.SampleSize%4 != 0 {
		return invalid("sample_size %d must be a multiple of 4 and at least %d", c.SampleSize, hw.SampleSize)
	}
	if c.BufferSize%c.SampleSize != 0 {
		return invalid("buffer_size %d is not a multiple of sample_size %d", c.BufferSize, c.SampleSize)
	}
	if c.BufferSize > int(hw.DescLengthMask) {
		return invalid("buffer_size %d exceeds the descriptor length field", c.BufferSize)
	}
	if c.TXRingSize < 2 || c.RXRingSize < 2 {
		return invalid("ring sizes must be at least 2")
	}
	if c.PacketGroupSize < 1 || c.PacketGroupSize > c.TXRingSize/2 {
		return invalid("packet_group_size %d must be between 1 and half the tx ring", c.PacketGroupSize)
	}
	if c.MaxTXBytes < uint64(c.BufferSize) {
		return invalid("max_tx_bytes %d is smaller than one buffer", c.MaxTXBytes)
	}
	if c.MaxRXBytes < uint64(c.BufferSize) || c.MaxRXBytes%uint64(c.Alignment) != 0 {
		return invalid("max_rx_bytes %d must be a multiple of %d and hold one buffer", c.MaxRXBytes, c.Alignment)
	}
	if c.QueueSize < 1 {
		return invalid("irq queue_size must be positive")
	}
	if c.FIFOSize < c.SampleSize {
		return invalid("fifo_size %d is smaller than one sample", c.FIFOSize)
	}
	return nil
}
