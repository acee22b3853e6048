package hw

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// StatusLine is an optional GPIO input the peripheral toggles whenever its
// status changes. It lets status readers sleep on an edge instead of waiting
// for the next peripheral interrupt.
type StatusLine struct {
	pin gpio.PinIn
}

// OpenStatusLine looks up a pin by name in the periph registry. The host
// drivers must already be initialised.
func OpenStatusLine(name string) (*StatusLine, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio %q not found", name)
	}
	return NewStatusLine(p)
}

func NewStatusLine(p gpio.PinIn) (*StatusLine, error) {
	if err := p.In(gpio.PullNoChange, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("configure gpio %s: %w", p, err)
	}
	return &StatusLine{pin: p}, nil
}

// Wait blocks until the line toggles or timeout elapses. A negative timeout
// waits forever.
func (s *StatusLine) Wait(timeout time.Duration) bool {
	return s.pin.WaitForEdge(timeout)
}

func (s *StatusLine) String() string {
	return s.pin.String()
}

func (s *StatusLine) Close() error {
	return s.pin.Halt()
}
