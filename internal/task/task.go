// Package task runs virtual HTTP requests on a bounded worker pool, decoupled
// from the connection read loop. A slow handler stalls one worker, never the
// socket that queued it.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chanbridge/chanbridge-server/internal/metrics"
	"github.com/chanbridge/chanbridge-server/internal/route"
	"github.com/chanbridge/chanbridge-server/internal/wire"
)

// ErrQueueFull is returned by Dispatch when the task queue has no room. The
// caller reports backpressure to the client instead of blocking the reader.
var ErrQueueFull = errors.New("task queue is full")

// Task is one queued virtual HTTP request.
type Task struct {
	ID            uint64
	FD            uint64
	CorrelationID string
	Request       *route.Request
	Scopes        map[route.Scope]bool
	EnqueuedAt    time.Time
}

// ResponseSink delivers a task result back to a connection slot. Push
// reports false when the slot is gone; the result is then dropped.
type ResponseSink interface {
	Push(fd uint64, payload []byte) bool
}

// Bus owns the task queue and its worker pool.
type Bus struct {
	queue   chan Task
	routes  *route.Registry
	sink    ResponseSink
	workers int
	timeout time.Duration
	nextID  atomic.Uint64
	log     zerolog.Logger
}

// NewBus creates a task bus with the given pool size, queue depth, and
// per-task deadline.
func NewBus(routes *route.Registry, sink ResponseSink, workers, depth int, timeout time.Duration, logger zerolog.Logger) *Bus {
	return &Bus{
		queue:   make(chan Task, depth),
		routes:  routes,
		sink:    sink,
		workers: workers,
		timeout: timeout,
		log:     logger.With().Str("component", "task").Logger(),
	}
}

// Dispatch queues a request for execution and returns its task id. Never
// blocks: a full queue returns ErrQueueFull immediately.
func (b *Bus) Dispatch(fd uint64, correlationID string, req *route.Request, scopes map[route.Scope]bool) (uint64, error) {
	t := Task{
		ID:            b.nextID.Add(1),
		FD:            fd,
		CorrelationID: correlationID,
		Request:       req,
		Scopes:        scopes,
		EnqueuedAt:    time.Now(),
	}
	select {
	case b.queue <- t:
		metrics.TasksQueued.Inc()
		return t.ID, nil
	default:
		return 0, ErrQueueFull
	}
}

// Run starts the worker pool and blocks until the context is cancelled and
// all workers have drained.
func (b *Bus) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(b.workers)
	for i := 0; i < b.workers; i++ {
		go func() {
			defer wg.Done()
			b.worker(ctx)
		}()
	}
	b.log.Info().Int("workers", b.workers).Int("depth", cap(b.queue)).Msg("task bus started")
	wg.Wait()
}

func (b *Bus) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-b.queue:
			metrics.TasksQueued.Dec()
			b.execute(ctx, t)
		}
	}
}

func (b *Bus) execute(ctx context.Context, t Task) {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.TaskDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	taskCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	resp, err := b.run(taskCtx, t)
	if err != nil {
		status = errStatus(err)
		b.log.Warn().Err(err).Uint64("task_id", t.ID).Str("method", t.Request.Method).Str("path", t.Request.Path).Msg("task failed")
		b.reply(t, errorPayload(t.CorrelationID, err))
		return
	}
	payload, err := wire.NewAPIResponse(t.CorrelationID, resp.Data)
	if err != nil {
		status = "error"
		b.log.Error().Err(err).Uint64("task_id", t.ID).Msg("encode task response")
		return
	}
	b.reply(t, payload)
}

// run resolves, authorizes, and invokes the handler. A handler panic is
// contained here so one bad route cannot take a worker down.
func (b *Bus) run(ctx context.Context, t Task) (resp *route.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			b.log.Error().Uint64("task_id", t.ID).Str("path", t.Request.Path).Interface("panic", r).Msg("task handler panicked")
		}
	}()

	match, err := b.routes.Lookup(t.Request.Method, t.Request.Path)
	if err != nil {
		return nil, err
	}
	if err := route.Authorize(match, t.Scopes); err != nil {
		return nil, err
	}

	t.Request.Params = match.Params
	return match.Handler(ctx, t.Request)
}

func (b *Bus) reply(t Task, payload []byte) {
	if payload == nil {
		return
	}
	if !b.sink.Push(t.FD, payload) {
		b.log.Debug().Uint64("task_id", t.ID).Uint64("fd", t.FD).Msg("task result dropped, slot gone")
	}
}

func errStatus(err error) string {
	switch {
	case errors.Is(err, route.ErrNotFound):
		return "not_found"
	case errors.Is(err, route.ErrForbidden):
		return "forbidden"
	default:
		return "error"
	}
}

func errorPayload(correlationID string, err error) []byte {
	var status, message string
	switch {
	case errors.Is(err, route.ErrNotFound):
		status, message = "404", "no such route"
	case errors.Is(err, route.ErrForbidden):
		status, message = "403", "forbidden"
	case errors.Is(err, context.DeadlineExceeded):
		status, message = "504", "handler deadline exceeded"
	default:
		status, message = "500", "internal error"
	}
	payload, merr := wire.NewAPIError(correlationID, status, message)
	if merr != nil {
		return nil
	}
	return payload
}
