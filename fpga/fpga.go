// Package fpga drives the timing/streaming peripheral that consumes the
// samples sent by the DMA engine and produces the samples it receives.
package fpga

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/fpgadma/hw"
)

var ErrTimeout = errors.New("timed out waiting for the device")

// IRQEnables are the peripheral interrupts the driver relies on.
const IRQEnables = hw.FPGACtrlIRQEnable | hw.FPGACtrlIRQError | hw.FPGACtrlIRQEnd |
	hw.FPGACtrlIRQRestart | hw.FPGACtrlIRQFreq

// Snapshot is a copy of the peripheral status registers taken at one point in
// time.
type Snapshot struct {
	Status  uint32 `json:"status"`
	Time    uint32 `json:"time"`
	Samples uint32 `json:"samples"`
	IRQ     uint32 `json:"irq"`
	// Seq increments every time a new snapshot is latched.
	Seq uint64 `json:"seq"`
}

func (s Snapshot) Running() bool {
	return s.Status&(hw.FPGAStatRun|hw.FPGAStatWait) != 0
}

func (s Snapshot) Ended() bool {
	return s.Status&hw.FPGAStatEnd != 0
}

func (s Snapshot) Failed() bool {
	return s.Status&hw.FPGAStatErrors != 0
}

type Device struct {
	l       *logrus.Logger
	regs    hw.Registers
	timeout time.Duration
}

func New(l *logrus.Logger, regs hw.Registers, timeout time.Duration) *Device {
	return &Device{l: l, regs: regs, timeout: timeout}
}

func (d *Device) Control() uint32 {
	return d.regs.ReadReg(hw.FPGAControl)
}

func (d *Device) Version() uint32 {
	return d.regs.ReadReg(hw.FPGAVersion)
}

// SetConfig writes the configuration bits of v. Bits owned by the driver keep
// their current value. The resulting control value is returned.
func (d *Device) SetConfig(v uint32) uint32 {
	ctrl := d.Control()
	ctrl = ctrl&hw.FPGACtrlReadOnly | v&^hw.FPGACtrlReadOnly
	d.regs.WriteReg(hw.FPGAControl, ctrl)
	return d.Control()
}

// SetReady signals the peripheral that a consumer has the data channel open.
func (d *Device) SetReady(on bool) {
	ctrl := d.Control()
	if on {
		ctrl |= hw.FPGACtrlReady
	} else {
		ctrl &^= hw.FPGACtrlReady
	}
	d.regs.WriteReg(hw.FPGAControl, ctrl)
}

// Prepare programs the run length and enables the interrupts the driver
// needs. cycles 0 runs until stopped.
func (d *Device) Prepare(samples, cycles uint32) {
	d.regs.WriteReg(hw.FPGANumSamples, samples)
	d.regs.WriteReg(hw.FPGANumCycles, cycles)
	d.regs.WriteReg(hw.FPGAIRQ, ^uint32(0))
	d.regs.WriteReg(hw.FPGAControl, d.Control()|IRQEnables)
}

// Start sets the run bit and waits until the peripheral runs, waits for its
// trigger or has already finished.
func (d *Device) Start() error {
	d.regs.WriteReg(hw.FPGAControl, d.Control()|hw.FPGACtrlRun)
	err := hw.Poll(d.timeout, func() bool {
		return d.regs.ReadReg(hw.FPGAStatus)&(hw.FPGAStatRun|hw.FPGAStatWait|hw.FPGAStatEnd) != 0
	})
	if err != nil {
		return fmt.Errorf("start: %w", ErrTimeout)
	}
	d.l.WithField("control", fmt.Sprintf("0x%08x", d.Control())).Debug("Device started")
	return nil
}

func (d *Device) Stop() error {
	d.regs.WriteReg(hw.FPGAControl, d.Control()&^hw.FPGACtrlRun)
	err := hw.Poll(d.timeout, func() bool {
		return d.regs.ReadReg(hw.FPGAStatus)&(hw.FPGAStatRun|hw.FPGAStatWait) == 0
	})
	if err != nil {
		return fmt.Errorf("stop: %w", ErrTimeout)
	}
	return nil
}

// Reset returns the peripheral to its power on state. Only the ready bit
// survives so an open consumer stays visible.
func (d *Device) Reset() error {
	ready := d.Control() & hw.FPGACtrlReady
	d.regs.WriteReg(hw.FPGAControl, hw.FPGACtrlReset)
	err := hw.Poll(d.timeout, func() bool {
		return d.regs.ReadReg(hw.FPGAStatus)&hw.FPGAStatReset == 0
	})
	if err != nil {
		return fmt.Errorf("reset: %w", ErrTimeout)
	}
	d.regs.WriteReg(hw.FPGAControl, ready)
	return nil
}

// Capture reads the status registers and acknowledges the interrupts it saw.
func (d *Device) Capture() Snapshot {
	s := Snapshot{
		Status:  d.regs.ReadReg(hw.FPGAStatus),
		Time:    d.regs.ReadReg(hw.FPGATime),
		Samples: d.regs.ReadReg(hw.FPGASamples),
		IRQ:     d.regs.ReadReg(hw.FPGAIRQ),
	}
	if s.IRQ != 0 {
		d.regs.WriteReg(hw.FPGAIRQ, s.IRQ)
	}
	return s
}

// Dump returns all peripheral registers as log fields.
func (d *Device) Dump() logrus.Fields {
	return hw.Dump(d.regs, hw.FPGARegisterNames)
}
