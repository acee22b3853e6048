package fpgadma

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/fpgadma/dma"
	"github.com/slackhq/fpgadma/hw"
	"github.com/slackhq/fpgadma/sshd"
	"golang.org/x/sync/errgroup"
)

// statusLinePoll bounds a single wait on the device status line so shutdown is noticed
const statusLinePoll = 100 * time.Millisecond

type Control struct {
	l      *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc

	engine *dma.Engine
	be     *backend
	status *hw.StatusLine

	ssh        *sshd.SSHServer
	sshStart   func()
	statsStart *stats

	eg *errgroup.Group
}

// Start runs the interrupt worker and pollers, this is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() {
	eg, ctx := errgroup.WithContext(c.ctx)
	c.eg = eg

	eg.Go(func() error {
		err := c.engine.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	for _, irq := range c.be.irqs {
		irq := irq
		eg.Go(func() error {
			return c.pollIRQ(ctx, irq)
		})
	}
	if len(c.be.irqs) > 0 {
		eg.Go(func() error {
			<-ctx.Done()
			c.be.cancelIRQs()
			return nil
		})
	}

	if c.status != nil {
		eg.Go(func() error {
			c.watchStatusLine(ctx)
			return nil
		})
	}

	// Call all the delayed funcs that waited patiently for the engine to be created.
	if c.sshStart != nil {
		go c.sshStart()
	}
	if c.statsStart != nil {
		eg.Go(func() error {
			return c.statsStart.run(ctx, c.engine)
		})
	}

	c.l.Info("Interrupt handling started")
}

// pollIRQ re-enables and waits on one interrupt source, forwarding every interrupt to the engine
func (c *Control) pollIRQ(ctx context.Context, irq irqLine) error {
	l := c.l.WithField("irq", irq.src.Name())
	for {
		if err := irq.src.EnableIRQ(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("enable interrupt %s: %w", irq.src.Name(), err)
		}

		count, err := irq.src.WaitIRQ()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, hw.ErrClosed) {
				return nil
			}
			return fmt.Errorf("wait for interrupt %s: %w", irq.src.Name(), err)
		}

		if l.Logger.IsLevelEnabled(logrus.TraceLevel) {
			l.WithField("count", count).Trace("Interrupt")
		}
		for _, line := range irq.lines {
			c.engine.HandleIRQ(line)
		}
	}
}

// watchStatusLine latches the device status every time the status line toggles
func (c *Control) watchStatusLine(ctx context.Context) {
	for ctx.Err() == nil {
		if c.status.Wait(statusLinePoll) {
			c.engine.HandleIRQ(hw.LineDevice)
		}
	}
}

// Stop signals the workers to shutdown, stops every transfer and releases the hardware. Returns after the
// shutdown is complete
func (c *Control) Stop() {
	c.cancel()
	if c.ssh != nil {
		c.ssh.Stop()
	}

	if c.be != nil {
		c.be.cancelIRQs()
	}
	if c.eg != nil {
		if err := c.eg.Wait(); err != nil {
			c.l.WithError(err).Error("Worker failed")
		}
	}

	if c.status != nil {
		if err := c.status.Close(); err != nil {
			c.l.WithError(err).Warn("Failed to release the status line")
		}
	}
	if c.engine != nil {
		if err := c.engine.Shutdown(); err != nil {
			c.l.WithError(err).Error("Engine shutdown failed")
		}
	}
	if c.be != nil {
		if err := c.be.Close(); err != nil {
			c.l.WithError(err).Error("Failed to close the backend")
		}
	}
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled.
// A worker failing stops the process as well.
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)
	defer signal.Stop(sigChan)

	done := c.ctx.Done()
	if c.eg != nil {
		failed := make(chan struct{})
		go func() {
			_ = c.eg.Wait()
			close(failed)
		}()
		select {
		case rawSig := <-sigChan:
			c.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
		case <-failed:
			c.l.Error("Worker stopped, shutting down")
		case <-done:
		}
	} else {
		select {
		case rawSig := <-sigChan:
			c.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
		case <-done:
		}
	}

	c.Stop()
}

// Engine returns the dma engine for in process readers and writers
func (c *Control) Engine() *dma.Engine {
	return c.engine
}
