/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: metrics.go
Description: Prometheus telemetry for the Akaylee Seedbank. PrometheusReporter counts seed
outcomes per target, records sandbox run durations and peak memory, tracks bitmap growth, and
serves everything (plus Go runtime and process collectors) over HTTP while a batch runs.
*/

package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kleascm/akaylee-seedbank/pkg/bitmap"
	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "seedbank"

// SnapshotSource exposes the published bitmap of a target
type SnapshotSource interface {
	Snapshot(target string) *bitmap.Snapshot
}

// PrometheusReporter implements core.Reporter with Prometheus metrics
type PrometheusReporter struct {
	registry *prometheus.Registry
	source   SnapshotSource

	seeds          *prometheus.CounterVec
	sandboxRuns    *prometheus.HistogramVec
	sandboxPeakRSS *prometheus.HistogramVec
	bitmapEdges    *prometheus.GaugeVec
	uniqueBranches *prometheus.CounterVec

	// HTTP endpoint state
	addr    string
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex

	logger logrus.FieldLogger
}

// NewPrometheusReporter creates a reporter with its own registry
func NewPrometheusReporter(source SnapshotSource, logger logrus.FieldLogger) *PrometheusReporter {
	if logger == nil {
		logger = logrus.New()
	}
	r := &PrometheusReporter{
		registry: prometheus.NewRegistry(),
		source:   source,
		logger:   logger.WithField("component", "metrics"),

		seeds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "seeds_total",
				Help:      "Seeds routed by the corpus aggregator, by final outcome.",
			},
			[]string{"target", "outcome"},
		),
		sandboxRuns: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sandbox",
				Name:      "duration_seconds",
				Help:      "Wall-clock duration of sandboxed seed runs in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 180},
			},
			[]string{"target", "termination"},
		),
		sandboxPeakRSS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sandbox",
				Name:      "peak_rss_bytes",
				Help:      "Peak resident set size of sandboxed seed runs.",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 8),
			},
			[]string{"target"},
		),
		bitmapEdges: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "corpus",
				Name:      "bitmap_edges",
				Help:      "Distinct branch edges in the global bitmap of a target.",
			},
			[]string{"target"},
		),
		uniqueBranches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "corpus",
				Name:      "unique_branches_total",
				Help:      "Unique branches contributed by accepted seeds.",
			},
			[]string{"target"},
		),
	}

	r.registry.MustRegister(
		r.seeds,
		r.sandboxRuns,
		r.sandboxPeakRSS,
		r.bitmapEdges,
		r.uniqueBranches,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the registry the reporter publishes to
func (r *PrometheusReporter) Registry() *prometheus.Registry {
	return r.registry
}

// OnSeedExecuted records sandbox timing and memory
func (r *PrometheusReporter) OnSeedExecuted(seed *core.Seed, result *core.ExecutionResult) {
	termination := result.Termination.String()
	if result.CompileFailed {
		termination = "CompileFailed"
	}
	r.sandboxRuns.WithLabelValues(seed.Target, termination).Observe(result.WallDuration.Seconds())
	if result.PeakRSS > 0 {
		r.sandboxPeakRSS.WithLabelValues(seed.Target).Observe(float64(result.PeakRSS))
	}
}

// OnSeedCommitted counts the outcome and refreshes the bitmap gauge
func (r *PrometheusReporter) OnSeedCommitted(seed *core.Seed, outcome *core.CommitOutcome) {
	r.seeds.WithLabelValues(seed.Target, string(outcome.Status)).Inc()
	if outcome.Status != core.StatusAccepted {
		return
	}
	if outcome.Entry != nil {
		r.uniqueBranches.WithLabelValues(seed.Target).Add(float64(len(outcome.Entry.Contributed)))
	}
	if r.source != nil {
		r.bitmapEdges.WithLabelValues(seed.Target).Set(float64(r.source.Snapshot(seed.Target).Len()))
	}
}

// SetBitmapEdges primes the bitmap gauge, e.g. right after the corpus is opened
func (r *PrometheusReporter) SetBitmapEdges(target string, edges int) {
	r.bitmapEdges.WithLabelValues(target).Set(float64(edges))
}

// Handler returns the HTTP handler exposing the registry
func (r *PrometheusReporter) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Start serves /metrics on addr until Stop is called or ctx ends
func (r *PrometheusReporter) Start(ctx context.Context, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("metrics endpoint already running")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	r.addr = ln.Addr().String()
	r.running = true

	var serveCtx context.Context
	serveCtx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Errorf("Metrics endpoint failed: %v", err)
		}
	}()
	go func() {
		defer r.wg.Done()
		<-serveCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	r.logger.WithField("addr", r.addr).Info("Metrics endpoint started")
	return nil
}

// Addr returns the bound address
func (r *PrometheusReporter) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Stop shuts the endpoint down and waits for it to exit
func (r *PrometheusReporter) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return fmt.Errorf("metrics endpoint not running")
	}
	r.running = false
	r.cancel()
	r.wg.Wait()

	r.logger.Info("Metrics endpoint stopped")
	return nil
}
