// Copyright 2025 Certen Protocol
//
// Prometheus Instrumentation
// Counters and gauges for the polling pipeline. The /metrics listener is
// opt-in (METRICS_ADDR); by default the daemon exposes no HTTP surface.

package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the service's Prometheus collectors.
type Metrics struct {
	CyclesTotal     prometheus.Counter
	CyclesSkipped   prometheus.Counter
	CycleDuration   prometheus.Histogram
	UsersProcessed  prometheus.Counter
	UsersFailed     prometheus.Counter
	UsersSkipped    prometheus.Counter
	PendingFound    prometheus.Gauge
	InboxCommits    prometheus.Counter
	LedgerRPCs      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_cycles_total",
			Help: "Completed polling cycles.",
		}),
		CyclesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_cycles_skipped_total",
			Help: "Ticks dropped because the prior cycle was still running.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "discovery_cycle_duration_seconds",
			Help:    "Wall-clock duration of a polling cycle.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		UsersProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_users_processed_total",
			Help: "Users whose cycle completed, including dry runs.",
		}),
		UsersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_users_failed_total",
			Help: "Users whose cycle failed or whose ledger was unreachable.",
		}),
		UsersSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_users_skipped_total",
			Help: "Users skipped for having no identities.",
		}),
		PendingFound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "discovery_pending_transactions",
			Help: "Eligible pending transactions found in the last cycle.",
		}),
		InboxCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inbox_commits_total",
			Help: "Inbox diff commits, one per user per cycle.",
		}),
		LedgerRPCs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_rpc_total",
			Help: "Ledger query RPCs by outcome.",
		}, []string{"outcome"}),
		registry: reg,
	}
	reg.MustRegister(
		m.CyclesTotal, m.CyclesSkipped, m.CycleDuration,
		m.UsersProcessed, m.UsersFailed, m.UsersSkipped,
		m.PendingFound, m.InboxCommits, m.LedgerRPCs,
	)
	return m
}

// Serve exposes /metrics on addr until ctx is done. Returns the server's
// terminal error; http.ErrServerClosed signals a clean shutdown.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv.ListenAndServe()
}
