package fpgadma

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/fpgadma/config"
	"github.com/slackhq/fpgadma/hw"
)

// openUIOBackend maps the DMA engine and peripheral register windows from UIO nodes and carves DMA memory out of a
// u-dma-buf region. Without dedicated channel interrupt nodes the DMA node's own interrupt serves both channels.
func openUIOBackend(l *logrus.Logger, c *config.C) (_ *backend, reterr error) {
	b := &backend{name: "uio"}
	defer func() {
		if reterr != nil {
			_ = b.Close()
		}
	}()

	dmaDev, err := hw.OpenUIO(c.GetString("uio.dma", "uio0"))
	if err != nil {
		return nil, fmt.Errorf("uio.dma: %w", err)
	}
	b.closers = append(b.closers, dmaDev)
	if b.dma = dmaDev.Registers(); b.dma == nil {
		return nil, fmt.Errorf("uio.dma: %s has no register map", dmaDev.Name())
	}

	fpgaDev, err := hw.OpenUIO(c.GetString("uio.fpga", "uio1"))
	if err != nil {
		return nil, fmt.Errorf("uio.fpga: %w", err)
	}
	b.closers = append(b.closers, fpgaDev)
	if b.fpga = fpgaDev.Registers(); b.fpga == nil {
		return nil, fmt.Errorf("uio.fpga: %s has no register map", fpgaDev.Name())
	}
	b.irqs = append(b.irqs, irqLine{src: fpgaDev, lines: []hw.Line{hw.LineDevice}})

	txName := c.GetString("uio.tx_irq", "")
	rxName := c.GetString("uio.rx_irq", "")
	if txName == "" && rxName == "" {
		b.irqs = append(b.irqs, irqLine{src: dmaDev, lines: []hw.Line{hw.LineTX, hw.LineRX}})
	} else {
		for _, v := range []struct {
			key  string
			name string
			line hw.Line
		}{
			{"uio.tx_irq", txName, hw.LineTX},
			{"uio.rx_irq", rxName, hw.LineRX},
		} {
			if v.name == "" {
				return nil, fmt.Errorf("%s must be set when either channel has its own interrupt node", v.key)
			}
			u, err := hw.OpenUIO(v.name)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", v.key, err)
			}
			b.closers = append(b.closers, u)
			b.irqs = append(b.irqs, irqLine{src: u, lines: []hw.Line{v.line}})
		}
	}

	region, err := hw.OpenRegion(c.GetString("uio.udmabuf", "udmabuf0"))
	if err != nil {
		return nil, fmt.Errorf("uio.udmabuf: %w", err)
	}
	b.closers = append(b.closers, region)
	b.alloc = region

	l.WithFields(logrus.Fields{
		"dma":     dmaDev.Name(),
		"fpga":    fpgaDev.Name(),
		"udmabuf": c.GetString("uio.udmabuf", "udmabuf0"),
		"irqs":    len(b.irqs),
	}).Info("Opened uio devices")
	return b, nil
}
