// Package metrics declares the server's Prometheus collectors and serves
// them on a dedicated listener, keeping scrape traffic off the client-facing
// port.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// ConnectionsActive tracks currently open WebSocket connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chanbridge_connections_active",
		Help: "Currently open WebSocket connections.",
	})

	// ConnectionsTotal counts accepted WebSocket connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chanbridge_connections_total",
		Help: "Accepted WebSocket connections.",
	})

	// FramesTotal counts inbound frames by resolved type.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chanbridge_frames_total",
		Help: "Inbound frames by type.",
	}, []string{"type"})

	// CapacityExhausted counts insertions rejected by a full shared table.
	CapacityExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chanbridge_table_capacity_exhausted_total",
		Help: "Insertions rejected because a shared table was full.",
	}, []string{"table"})

	// TableOccupancy tracks live entries per shared table.
	TableOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chanbridge_table_entries",
		Help: "Live entries per shared table.",
	}, []string{"table"})

	// MessagesPublished counts accepted publish frames.
	MessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chanbridge_messages_published_total",
		Help: "Messages accepted for fan-out.",
	})

	// TasksQueued tracks tasks waiting for a task worker.
	TasksQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chanbridge_tasks_queued",
		Help: "Tasks waiting in the dispatch queue.",
	})

	// TaskDuration observes task execution time by outcome.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chanbridge_task_duration_seconds",
		Help:    "Task execution time by outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	// CacheRequests counts cache lookups by tier and result.
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chanbridge_cache_requests_total",
		Help: "Cache lookups by tier and result.",
	}, []string{"tier", "result"})
)

// Serve exposes /metrics on the given port until ctx is cancelled. A port of
// zero disables the listener.
func Serve(ctx context.Context, port int, logger zerolog.Logger) {
	if port == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Int("port", port).Msg("Metrics listener started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("Metrics listener stopped")
	}
}
