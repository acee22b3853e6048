package fpgadma

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/fpgadma/config"
	"github.com/slackhq/fpgadma/dma"
	"github.com/slackhq/fpgadma/fpga"
	"github.com/slackhq/fpgadma/hw"
	"github.com/slackhq/fpgadma/sshd"
	"github.com/slackhq/fpgadma/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

// Main builds the engine described by c on the configured backend. Nothing runs until Control.Start is called.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (retcon *Control, reterr error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically cancel the context if Main returns an error, to signal all created goroutines to quit.
	defer func() {
		if reterr != nil {
			cancel()
		}
	}()

	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	cfg, err := dmaConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Invalid dma configuration", nil, err)
	}

	ssh, err := sshd.NewSSHServer(l.WithField("subsystem", "sshd"))
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Error while creating SSH server", err)
	}
	wireSSHReload(l, ssh, c)
	var sshStart func()
	if c.GetBool("sshd.enabled", false) {
		sshStart, err = configSSH(l, ssh, c)
		if err != nil {
			l.WithError(err).Warn("Failed to configure sshd, ssh debugging will not be available")
			sshStart = nil
		}
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	if configTest {
		return &Control{l: l, ctx: ctx, cancel: cancel}, nil
	}

	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
	// All non hardware touching configuration consumption should live above this line
	// register windows, interrupt nodes and dma memory are opened below
	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

	be, err := openBackend(l, c, cfg)
	if err != nil {
		return nil, util.NewContextualError("Failed to open the backend", m{"backend": c.GetString("backend", "sim")}, err)
	}

	dev := fpga.New(l, be.fpga, c.GetDuration("device.timeout", cfg.StartTimeout))
	l.WithField("version", fmt.Sprintf("%#06x", dev.Version())).Info("Found device")

	engine, err := dma.NewEngine(l, cfg, be.dma, dev, be.alloc)
	if err != nil {
		_ = be.Close()
		return nil, util.NewContextualError("Failed to create the dma engine", m{"backend": be.name}, err)
	}
	be.attach(engine)

	var status *hw.StatusLine
	if name := c.GetString("device.status_gpio", ""); name != "" {
		status, err = hw.OpenStatusLine(name)
		if err != nil {
			_ = engine.Shutdown()
			_ = be.Close()
			return nil, util.NewContextualError("Failed to open the device status line", m{"gpio": name}, err)
		}
		l.WithField("gpio", status).Info("Watching the device status line")
	}

	wireEngineReload(l, engine, c)
	attachCommands(l, c, ssh, engine, be)

	c.CatchHUP(ctx)

	l.WithFields(logrus.Fields{
		"backend":    be.name,
		"bufferSize": cfg.BufferSize,
		"txRing":     cfg.TXRingSize,
		"rxRing":     cfg.RXRingSize,
		"group":      cfg.PacketGroupSize,
	}).Info("DMA engine ready")

	return &Control{
		l:          l,
		ctx:        ctx,
		cancel:     cancel,
		engine:     engine,
		be:         be,
		status:     status,
		ssh:        ssh,
		sshStart:   sshStart,
		statsStart: statsStart,
	}, nil
}

// dmaConfig reads the engine parameters, anything missing keeps its dma.DefaultConfig value
func dmaConfig(c *config.C) (dma.Config, error) {
	d := dma.DefaultConfig()
	cfg := dma.Config{
		BufferSize:      int(c.GetByteSize("dma.buffer_size", uint64(d.BufferSize))),
		TXRingSize:      c.GetInt("dma.tx_ring_size", d.TXRingSize),
		RXRingSize:      c.GetInt("dma.rx_ring_size", d.RXRingSize),
		PacketGroupSize: c.GetInt("dma.packet_group_size", d.PacketGroupSize),
		Alignment:       c.GetInt("dma.alignment", d.Alignment),
		MaxTXBytes:      c.GetByteSize("dma.max_tx_bytes", d.MaxTXBytes),
		MaxRXBytes:      c.GetByteSize("dma.max_rx_bytes", d.MaxRXBytes),
		Timeout:         c.GetDuration("dma.timeout", d.Timeout),
		StartTimeout:    c.GetDuration("dma.start_timeout", d.StartTimeout),
		StopTimeout:     c.GetDuration("dma.stop_timeout", d.StopTimeout),
		ResetTimeout:    c.GetDuration("dma.reset_timeout", d.ResetTimeout),
		StatusTimeout:   c.GetDuration("device.status_timeout", d.StatusTimeout),
		QueueSize:       c.GetInt("irq.queue_size", d.QueueSize),
		FIFOSize:        int(c.GetByteSize("device.fifo_size", uint64(d.FIFOSize))),
		SampleSize:      int(c.GetByteSize("device.sample_size", uint64(d.SampleSize))),
	}
	return cfg, cfg.Validate()
}

// wireEngineReload applies the settings that can change while the engine runs
func wireEngineReload(l *logrus.Logger, e *dma.Engine, c *config.C) {
	c.RegisterReloadCallback(func(c *config.C) {
		if c.HasChanged("dma.timeout") {
			d := c.GetDuration("dma.timeout", dma.DefaultConfig().Timeout)
			if err := e.SetTimeout(d); err != nil {
				l.WithError(err).Error("Failed to change dma.timeout")
			} else {
				l.WithField("timeout", d).Info("Read timeout changed")
			}
		}

		if c.HasChanged("dma.max_rx_bytes") {
			n := c.GetByteSize("dma.max_rx_bytes", e.RXBufferSize())
			err := e.SetRXBufferSize(n)
			switch {
			case err == nil || dma.IsWarning(err):
				l.WithField("bytes", n).Info("Receive buffer size changed")
			default:
				l.WithError(err).Error("Failed to change dma.max_rx_bytes")
			}
		}
	})
}
