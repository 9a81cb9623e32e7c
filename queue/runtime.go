package queue

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Runtime owns the broker connection, the event store client, the
// logger, and the metrics registry, with explicit Start/Shutdown
// lifecycle methods. It replaces the module-level globals (metrics
// registries, connection singletons) flagged for re-architecture in §9.
type Runtime struct {
	Broker  Broker
	Store   Store
	Log     *slog.Logger
	Metrics *Metrics
	Registry *prometheus.Registry

	EventLog     *EventLogWriter
	Idempotency  *IdempotencyStore
	Backpressure *BackpressureController
	Promotion    *PromotionScheduler

	metricsPort int
	metricsSrv  *http.Server

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// RuntimeConfig carries the construction parameters for NewRuntime.
type RuntimeConfig struct {
	Broker              Broker
	Store               Store
	Log                 *slog.Logger
	MetricsPort         int
	EventLog            EventLogConfig
	Backpressure        BackpressureConfig
	PromotionThresholds PromotionThresholds
}

// NewRuntime wires a Broker/Store driver pair into a complete Runtime:
// metrics registry, event log writer, idempotency store, backpressure
// controller, and promotion scheduler.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	rt := &Runtime{
		Broker:      cfg.Broker,
		Store:       cfg.Store,
		Log:         cfg.Log,
		Metrics:     metrics,
		Registry:    registry,
		metricsPort: cfg.MetricsPort,
	}
	rt.EventLog = NewEventLogWriter(cfg.Store, cfg.EventLog, cfg.Log, func(n int, err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.ObserveBatchFlush(outcome, n, 0)
	})
	rt.Idempotency = NewIdempotencyStore(cfg.Store)
	rt.Backpressure = NewBackpressureController(cfg.Broker, cfg.Backpressure, metrics, cfg.Log, nil)
	rt.Promotion = NewPromotionScheduler(cfg.Broker, rt.EventLog, metrics, cfg.Log, cfg.PromotionThresholds)
	return rt
}

// Start launches the background loops (backpressure sampling,
// promotion scheduling, metrics HTTP server) bound to an internally
// derived, cancelable context. It is idempotent.
func (rt *Runtime) Start(ctx context.Context) {
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	rt.started = true
	rt.mu.Unlock()

	go rt.Backpressure.Run(runCtx)
	go rt.Promotion.Run(runCtx)

	if rt.metricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}))
		rt.metricsSrv = &http.Server{Addr: portAddr(rt.metricsPort), Handler: mux}
		go func() {
			if err := rt.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				rt.Log.Error("metrics server exited", "error", err)
			}
		}()
	}
}

// Shutdown stops background loops, closes the broker and store, and
// flushes the event log.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.mu.Unlock()

	if rt.metricsSrv != nil {
		_ = rt.metricsSrv.Shutdown(ctx)
	}
	rt.Promotion.Close()
	rt.EventLog.Close()

	var firstErr error
	if err := rt.Broker.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := rt.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func portAddr(port int) string {
	return ":" + strconv.Itoa(port)
}
