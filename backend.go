package fpgadma

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/fpgadma/config"
	"github.com/slackhq/fpgadma/dma"
	"github.com/slackhq/fpgadma/hw"
	"github.com/slackhq/fpgadma/hw/sim"
)

// irqSource is a blocking interrupt line, a UIO node on real hardware
type irqSource interface {
	Name() string
	EnableIRQ() error
	WaitIRQ() (uint32, error)
	CancelWait()
}

// irqLine routes one interrupt source to the engine lines it signals
type irqLine struct {
	src   irqSource
	lines []hw.Line
}

// backend is the hardware an engine runs on
type backend struct {
	name  string
	dma   hw.Registers
	fpga  hw.Registers
	alloc hw.Allocator
	irqs  []irqLine

	// sim is set for the simulated backend, interrupts are delivered by callback
	sim *sim.Device

	closers []io.Closer
}

func openBackend(l *logrus.Logger, c *config.C, cfg dma.Config) (*backend, error) {
	name := c.GetString("backend", "sim")
	switch name {
	case "sim":
		return openSimBackend(l, cfg), nil
	case "uio":
		return openUIOBackend(l, c)
	default:
		return nil, fmt.Errorf("backend was not understood: %s, possible backends: %s", name, []string{"sim", "uio"})
	}
}

func openSimBackend(l *logrus.Logger, cfg dma.Config) *backend {
	heap := hw.NewHeap()
	s := sim.New(heap, cfg.FIFOSize)
	l.WithField("fifoSize", cfg.FIFOSize).Info("Using the simulated device")
	return &backend{
		name:  "sim",
		dma:   s.DMA(),
		fpga:  s.FPGA(),
		alloc: heap,
		sim:   s,
	}
}

// attach delivers callback interrupts to e
func (b *backend) attach(e *dma.Engine) {
	if b.sim != nil {
		b.sim.OnIRQ(e.HandleIRQ)
	}
}

// cancelIRQs wakes every goroutine blocked on an interrupt source
func (b *backend) cancelIRQs() {
	for _, i := range b.irqs {
		i.src.CancelWait()
	}
}

// Close releases the register windows and DMA memory, the engine must be shut down first
func (b *backend) Close() error {
	b.cancelIRQs()
	if b.sim != nil {
		b.sim.OnIRQ(nil)
	}

	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i].Close())
	}
	b.closers = nil
	return errors.Join(errs...)
}
