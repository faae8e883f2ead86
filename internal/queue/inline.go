package queue

import (
	"context"
	"fmt"
	"log/slog"
)

// InlineExecutor runs jobs synchronously in-process. It is the fallback path
// when the durable queue is unreachable and the whole path in tests.
type InlineExecutor struct {
	registry *Registry
	logger   *slog.Logger
}

// NewInlineExecutor creates an inline executor over the handler registry.
func NewInlineExecutor(log *slog.Logger, registry *Registry) *InlineExecutor {
	if log == nil {
		log = slog.Default()
	}
	return &InlineExecutor{
		registry: registry,
		logger:   log.With(slog.String("executor", "inline")),
	}
}

// Enqueue dispatches the payload to the queue's handler immediately.
func (e *InlineExecutor) Enqueue(ctx context.Context, queue string, payload []byte) error {
	fn, err := e.registry.Get(queue)
	if err != nil {
		return err
	}
	if err := fn(ctx, payload); err != nil {
		return fmt.Errorf("inline %s handler: %w", queue, err)
	}
	return nil
}
