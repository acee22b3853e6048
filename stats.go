package fpgadma

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/fpgadma/config"
	"github.com/slackhq/fpgadma/dma"
)

// stats samples the engine counters into a go-metrics registry and runs the configured exporter
type stats struct {
	l        *logrus.Logger
	interval time.Duration
	registry metrics.Registry
	export   func(ctx context.Context)
}

// startStats validates the stats config, it returns nil when stats are disabled
func startStats(l *logrus.Logger, c *config.C, buildVersion string, configTest bool) (*stats, error) {
	mType := c.GetString("stats.type", "")
	if mType == "" || mType == "none" {
		return nil, nil
	}

	interval := c.GetDuration("stats.interval", 0)
	if interval == 0 {
		return nil, fmt.Errorf("stats.interval was an invalid duration: %s", c.GetString("stats.interval", ""))
	}

	s := &stats{l: l, interval: interval, registry: metrics.DefaultRegistry}

	var err error
	switch mType {
	case "graphite":
		s.export, err = startGraphiteStats(l, interval, c, s.registry)
	case "prometheus":
		s.export, err = startPrometheusStats(l, interval, c, s.registry, buildVersion)
	default:
		return nil, fmt.Errorf("stats.type was not understood: %s", mType)
	}
	if err != nil {
		return nil, err
	}

	if configTest {
		s.export = nil
	}
	return s, nil
}

// run samples e every interval until ctx is done
func (s *stats) run(ctx context.Context, e *dma.Engine) error {
	metrics.RegisterDebugGCStats(s.registry)
	metrics.RegisterRuntimeMemStats(s.registry)

	if s.export != nil {
		go s.export(ctx)
	}

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		sampleEngine(s.registry, e)
		metrics.CaptureDebugGCStatsOnce(s.registry)
		metrics.CaptureRuntimeMemStatsOnce(s.registry)

		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// sampleEngine copies the engine counters into r
func sampleEngine(r metrics.Registry, e *dma.Engine) {
	st := e.Status()
	txLoad, rxLoad := e.Load()

	gauge := func(name string, v uint64) {
		metrics.GetOrRegisterGauge(name, r).Update(int64(v))
	}

	gauge("dma.tx.bytes", st.TX.Bytes)
	gauge("dma.tx.descriptors", st.TX.Completed)
	gauge("dma.tx.errors", st.TX.Errors)
	gauge("dma.tx.timeouts", st.TX.Timeouts)
	gauge("dma.tx.load", uint64(txLoad))
	gauge("dma.rx.bytes", st.RX.Bytes)
	gauge("dma.rx.descriptors", st.RX.Completed)
	gauge("dma.rx.errors", st.RX.Errors)
	gauge("dma.rx.timeouts", st.RX.Timeouts)
	gauge("dma.rx.load", uint64(rxLoad))
	gauge("dma.rx.available", st.Available)
	gauge("dma.rx.dropped", st.Dropped)
	gauge("dma.reps_completed", uint64(st.RepsCompleted))
	gauge("device.errors", st.DeviceErrors)

	gauge("irq.tx", st.IRQ.TX)
	gauge("irq.rx", st.IRQ.RX)
	gauge("irq.device", st.IRQ.Device)
	gauge("irq.spurious", st.IRQ.Spurious)
	gauge("irq.merged", st.IRQ.Merged)
	gauge("irq.overflow", st.IRQ.Overflow)
}

func startGraphiteStats(l *logrus.Logger, i time.Duration, c *config.C, r metrics.Registry) (func(context.Context), error) {
	proto := c.GetString("stats.protocol", "tcp")
	host := c.GetString("stats.host", "")
	if host == "" {
		return nil, errors.New("stats.host can not be empty")
	}

	prefix := c.GetString("stats.prefix", "fpgadma")
	addr, err := net.ResolveTCPAddr(proto, host)
	if err != nil {
		return nil, fmt.Errorf("error while setting up graphite sink: %s", err)
	}

	return func(context.Context) {
		l.Infof("Starting graphite. Interval: %s, prefix: %s, addr: %s", i, prefix, addr)
		graphite.Graphite(r, i, prefix, addr)
	}, nil
}

func startPrometheusStats(l *logrus.Logger, i time.Duration, c *config.C, r metrics.Registry, buildVersion string) (func(context.Context), error) {
	namespace := c.GetString("stats.namespace", "")
	subsystem := c.GetString("stats.subsystem", "")

	listen := c.GetString("stats.listen", "")
	if listen == "" {
		return nil, fmt.Errorf("stats.listen should not be empty")
	}

	path := c.GetString("stats.path", "")
	if path == "" {
		return nil, fmt.Errorf("stats.path should not be empty")
	}

	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(r, namespace, subsystem, pr, i)

	// Export our version information as labels on a static gauge
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "info",
		Help:      "Version information for the fpgadma binary",
		ConstLabels: prometheus.Labels{
			"version":   buildVersion,
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	return func(ctx context.Context) {
		go pClient.UpdatePrometheusMetrics()

		mux := http.NewServeMux()
		mux.Handle(path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
		srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()

		l.Infof("Prometheus stats listening on %s at %s", listen, path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.WithError(err).Error("Prometheus stats listener failed")
		}
	}, nil
}
