// Package queue schedules pipeline work with at-least-once semantics. Work
// normally rides a durable Postgres-backed queue; when the queue cannot take
// a job the orchestrator runs the same handler synchronously in-process, so a
// queue outage costs latency, never work.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Queue names for the three pipeline stages.
const (
	QueueIngest  = "ingest"
	QueueReply   = "reply"
	QueueDeliver = "deliver"
)

// HandlerFunc processes one job payload. Handlers must be idempotent:
// at-least-once delivery means redundant invocations are expected.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Registry maps queue names to their handlers. Both execution paths (durable
// workers and inline fallback) dispatch through it, so worker logic is
// written once.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Handle registers the handler for a queue, replacing any previous one.
func (r *Registry) Handle(queue string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[queue] = fn
}

// Get returns the handler for a queue.
func (r *Registry) Get(queue string) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[queue]
	if !ok {
		return nil, fmt.Errorf("no handler registered for queue %s", queue)
	}
	return fn, nil
}

// Executor submits work to one execution path.
type Executor interface {
	Enqueue(ctx context.Context, queue string, payload []byte) error
}

// Orchestrator submits jobs to the durable queue with synchronous in-process
// fallback when the queue backend is unreachable.
type Orchestrator struct {
	durable Executor
	inline  *InlineExecutor
	logger  *slog.Logger
}

// NewOrchestrator creates an orchestrator over the durable executor and the
// inline fallback.
func NewOrchestrator(log *slog.Logger, durable Executor, inline *InlineExecutor) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		durable: durable,
		inline:  inline,
		logger:  log.With(slog.String("service", "queue")),
	}
}

// Submit marshals payload and enqueues it on the durable queue. Any enqueue
// failure degrades to running the registered handler synchronously; the
// caller blocks for the duration but the work is never dropped.
func (o *Orchestrator) Submit(ctx context.Context, queue string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", queue, err)
	}
	if o.durable != nil {
		if err := o.durable.Enqueue(ctx, queue, encoded); err == nil {
			return nil
		} else {
			o.logger.Warn("durable enqueue failed, executing inline",
				slog.String("queue", queue), slog.Bool("degraded", true), slog.Any("error", err))
		}
	}
	return o.inline.Enqueue(ctx, queue, encoded)
}
