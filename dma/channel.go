package dma

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/fpgadma/hw"
)

type channelConfig struct {
	group        int
	startTimeout time.Duration
	stopTimeout  time.Duration
	resetTimeout time.Duration
}

// channel is the transfer state machine of one direction. It owns the ring
// cursors; all methods run inside the engine critical section.
type channel struct {
	l    *logrus.Entry
	dir  Direction
	regs hw.Registers
	ring *Ring
	list *List
	cfg  channelConfig

	enabled bool
	active  bool
	cyclic  bool

	// reps is the number of list passes requested, 0 repeats forever.
	reps uint32
	// passes counts list passes bound so far.
	passes uint32
	// groupPos is the position of the next transmit descriptor in its packet.
	groupPos int
	// target is the byte count that finishes the transfer, 0 never finishes.
	target uint64

	// onComplete sees every completion that moved bytes, whichever path
	// verified it.
	onComplete func(Completion)

	bytes     uint64
	completed uint64
	lastErr   uint32
	errors    uint64
	timeouts  uint64
}

func newChannel(l *logrus.Logger, dir Direction, regs hw.Registers, ring *Ring, list *List, cfg channelConfig) *channel {
	base := hw.DMABaseTX
	if dir == RX {
		base = hw.DMABaseRX
	}
	return &channel{
		l:    l.WithField("channel", dir),
		dir:  dir,
		regs: hw.Window{R: regs, Base: base},
		ring: ring,
		list: list,
		cfg:  cfg,
	}
}

func (c *channel) status() uint32 {
	return c.regs.ReadReg(hw.DMAStatus)
}

func (c *channel) halted() bool {
	return c.status()&hw.DMAStatHalted != 0
}

func (c *channel) dump() logrus.Fields {
	return hw.Dump(c.regs, hw.DMARegisterNames)
}

func (c *channel) finished() bool {
	return c.target > 0 && c.bytes >= c.target
}

// canWrap reports whether the transmit list may be bound once more.
func (c *channel) canWrap() bool {
	return c.reps == 0 || c.passes < c.reps
}

// prepareMore binds up to half the ring of buffers waiting in the list.
// Transmit descriptors are grouped into packets of cfg.group descriptors; the
// packet is closed early on the last buffer of a sealed list that will not be
// repeated.
func (c *channel) prepareMore() error {
	if c.cyclic {
		return ErrAllActive
	}
	limit := max(c.ring.Size()/2, 1)
	n := 0
	for n < limit {
		if c.ring.Free() == 0 {
			if n == 0 {
				return ErrAllActive
			}
			break
		}

		b := c.list.Peek()
		if b == nil {
			if c.dir == TX && c.list.Len() > 0 && c.list.Sealed() && c.canWrap() {
				c.list.Rewind()
				c.passes++
				continue
			}
			break
		}

		var sof, eof bool
		if c.dir == TX {
			sof = c.groupPos == 0
			c.groupPos++
			eof = c.groupPos >= c.cfg.group ||
				(c.list.AtLast() && c.list.Sealed() && !c.canWrap())
			if eof {
				c.groupPos = 0
			}
		}

		if _, err := c.ring.Bind(b, sof, eof); err != nil {
			return err
		}
		c.list.Next()
		n++
	}

	if n == 0 {
		return ErrNoBuffersReady
	}
	return nil
}

func (c *channel) controlValue() uint32 {
	ctrl := hw.DMACtrlRun | hw.DMACtrlIRQAll | 1<<hw.DMACtrlThresholdShift
	if c.cyclic {
		ctrl |= hw.DMACtrlCyclic
	}
	return ctrl
}

// start prepares the first descriptors and starts the engine on them. A
// channel that is enabled but idle is continued instead.
func (c *channel) start() error {
	if c.active {
		return ErrAlreadyRunning
	}
	if c.list.Len() == 0 {
		return ErrNoData
	}
	if c.enabled {
		err := c.prepareMore()
		if err != nil && !IsWarning(err) {
			return err
		}
		return c.restartHardware()
	}

	if c.dir == TX {
		c.passes = 1
	}
	if c.cyclic {
		// Bind the whole ring once, the engine cycles through it.
		c.cyclic = false
		for c.ring.Free() > 0 {
			if err := c.prepareMore(); err != nil {
				if !IsWarning(err) {
					return err
				}
				break
			}
		}
		c.cyclic = c.ring.Free() == 0
	} else if err := c.prepareMore(); err != nil && !IsWarning(err) {
		return err
	}
	if c.ring.Prepared() == 0 {
		return ErrNoData
	}
	if !c.halted() {
		return fmt.Errorf("%w: engine running before start", ErrNotIdle)
	}

	first := c.ring.index(c.ring.Head() + c.ring.Active())
	hw.WriteReg64(c.regs, hw.DMACurDesc, c.ring.Phys(first))
	c.regs.WriteReg(hw.DMAControl, c.controlValue())
	if err := hw.Poll(c.cfg.startTimeout, func() bool { return !c.halted() }); err != nil {
		c.timeouts++
		c.regs.WriteReg(hw.DMAControl, c.controlValue()&^hw.DMACtrlRun)
		return fmt.Errorf("start %s: %w", c.dir, ErrTimeout)
	}

	_, tail, _ := c.ring.Promote()
	c.enabled = true
	c.active = true

	tailAddr := c.ring.Phys(tail)
	if c.cyclic {
		// Any address outside the ring keeps a cyclic engine going.
		tailAddr = c.ring.Phys(c.ring.Size())
	}
	hw.WriteReg64(c.regs, hw.DMATailDesc, tailAddr)
	c.l.WithFields(logrus.Fields{
		"descriptors": c.ring.Active(),
		"cyclic":      c.cyclic,
		"reps":        c.reps,
	}).Debug("Channel started")

	if c.dir == TX {
		if err := c.prepareMore(); err != nil && !IsWarning(err) {
			return err
		}
	}
	return nil
}

// restartHardware hands prepared descriptors to the running engine.
func (c *channel) restartHardware() error {
	if !c.enabled {
		return ErrNotEnabled
	}
	_, tail, err := c.ring.Promote()
	if err != nil {
		return err
	}
	c.active = true
	hw.WriteReg64(c.regs, hw.DMATailDesc, c.ring.Phys(tail))
	return nil
}

// verify accounts for descriptors the engine completed.
func (c *channel) verify(release bool) (Completion, error) {
	var (
		comp Completion
		err  error
	)
	if c.cyclic && !release {
		comp, err = c.ring.VerifyCyclic()
	} else {
		comp, err = c.ring.Verify(release)
	}

	c.completed += uint64(comp.Count)
	c.bytes += comp.Bytes
	if comp.Errors != 0 {
		c.errors++
		c.lastErr = comp.Errors
		c.l.WithField("status", fmt.Sprintf("0x%08x", comp.Errors)).Error("Descriptor completed with error")
	}
	if !c.cyclic {
		c.active = c.ring.Active() > 0
	}
	if comp.Bytes > 0 && c.onComplete != nil {
		c.onComplete(comp)
	}
	return comp, err
}

// stop halts the engine and releases descriptors still bound. When the engine
// does not halt in time it is reset if force is set, otherwise ErrNotIdle is
// returned and the caller should retry.
func (c *channel) stop(force bool) error {
	if !c.enabled && !c.active {
		return ErrAlreadyDone
	}
	c.enabled = false

	c.regs.WriteReg(hw.DMAControl, c.regs.ReadReg(hw.DMAControl)&^hw.DMACtrlRun)
	var result error
	if err := hw.Poll(c.cfg.stopTimeout, c.halted); err != nil {
		c.timeouts++
		if !force {
			c.l.WithFields(c.dump()).Warn("Channel did not halt")
			return ErrNotIdle
		}
		c.l.WithFields(c.dump()).Warn("Channel did not halt, resetting")
		if err := c.reset(); err != nil {
			return err
		}
		result = ErrTimeoutRecovered
	}

	comp, _ := c.verify(true)
	c.active = false
	c.cyclic = false
	c.rewind()
	if comp.Released > 0 && result == nil {
		result = ErrNotIdleStopped
	}
	c.l.WithFields(logrus.Fields{
		"bytes":    c.bytes,
		"released": comp.Released,
	}).Debug("Channel stopped")
	return result
}

// rewind puts the list cursor on the first buffer that is not bound.
func (c *channel) rewind() {
	c.groupPos = 0
	if c.dir == TX {
		c.list.Rewind()
		c.passes = 0
		return
	}
	i := 0
	for ; i < c.list.Len(); i++ {
		if !c.list.bufs[i].done {
			break
		}
	}
	c.list.SetCursor(i)
}

// reset resets the engine channel and waits for the reset state.
func (c *channel) reset() error {
	c.regs.WriteReg(hw.DMAControl, hw.DMACtrlReset)
	err := hw.Poll(c.cfg.resetTimeout, func() bool {
		return c.regs.ReadReg(hw.DMAControl)&hw.DMACtrlReset == 0 && c.halted()
	})

	_, _ = c.verify(true)
	c.enabled = false
	c.active = false
	c.cyclic = false
	c.rewind()

	if err != nil {
		c.timeouts++
		c.l.WithFields(c.dump()).Error("Channel reset timed out")
		return fmt.Errorf("reset %s: %w", c.dir, ErrTimeout)
	}
	return nil
}

// clear zeroes the run counters.
func (c *channel) clear() {
	c.bytes, c.completed = 0, 0
	c.lastErr, c.errors = 0, 0
	c.target, c.reps, c.passes = 0, 0, 0
}

type ChannelStatus struct {
	Enabled   bool   `json:"enabled"`
	Active    bool   `json:"active"`
	Cyclic    bool   `json:"cyclic"`
	Prepared  int    `json:"prepared_descriptors"`
	Running   int    `json:"active_descriptors"`
	Completed uint64 `json:"completed_descriptors"`
	Bytes     uint64 `json:"bytes"`
	LastError uint32 `json:"last_error"`
	Errors    uint64 `json:"errors"`
	Timeouts  uint64 `json:"timeouts"`
	Anomalies uint64 `json:"anomalies"`
}

func (c *channel) snapshot() ChannelStatus {
	return ChannelStatus{
		Enabled:   c.enabled,
		Active:    c.active,
		Cyclic:    c.cyclic,
		Prepared:  c.ring.Prepared(),
		Running:   c.ring.Active(),
		Completed: c.completed,
		Bytes:     c.bytes,
		LastError: c.lastErr,
		Errors:    c.errors,
		Timeouts:  c.timeouts,
		Anomalies: c.ring.Anomalies(),
	}
}

// handleStatus records engine errors seen in an interrupt status.
func (c *channel) handleStatus(sr uint32) {
	if sr&hw.DMAStatErrors == 0 {
		if sr&hw.DMAStatIRQDelay != 0 {
			c.l.Debug("Delay interrupt")
		}
		return
	}
	c.errors++
	c.lastErr = sr & hw.DMAStatErrors
	c.l.WithFields(c.dump()).WithField("irq_status", fmt.Sprintf("0x%08x", sr)).Error("Engine error")
}
