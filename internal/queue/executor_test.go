package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type failingExecutor struct {
	err   error
	calls int
}

func (e *failingExecutor) Enqueue(context.Context, string, []byte) error {
	e.calls++
	return e.err
}

func TestRegistryGetUnknownQueue(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if _, err := r.Get("nope"); err == nil {
		t.Fatal("expected unknown queue to fail")
	}
}

func TestSubmitPrefersDurable(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	handled := 0
	registry.Handle(QueueIngest, func(context.Context, []byte) error {
		handled++
		return nil
	})
	durable := &failingExecutor{}
	o := NewOrchestrator(nil, durable, NewInlineExecutor(nil, registry))

	if err := o.Submit(context.Background(), QueueIngest, map[string]string{"k": "v"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if durable.calls != 1 {
		t.Fatalf("expected one durable enqueue, got %d", durable.calls)
	}
	if handled != 0 {
		t.Fatal("inline handler must not run when durable enqueue succeeds")
	}
}

// With the queue down, Submit must complete the work synchronously through
// the same handler the workers would run.
func TestSubmitFallsBackInline(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	var got map[string]string
	registry.Handle(QueueReply, func(_ context.Context, payload []byte) error {
		return json.Unmarshal(payload, &got)
	})
	durable := &failingExecutor{err: errors.New("connection refused")}
	o := NewOrchestrator(nil, durable, NewInlineExecutor(nil, registry))

	if err := o.Submit(context.Background(), QueueReply, map[string]string{"text": "Hi"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if got["text"] != "Hi" {
		t.Fatalf("inline handler saw %+v", got)
	}
}

func TestSubmitInlineHandlerErrorPropagates(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	want := errors.New("handler blew up")
	registry.Handle(QueueDeliver, func(context.Context, []byte) error { return want })
	o := NewOrchestrator(nil, &failingExecutor{err: errors.New("down")}, NewInlineExecutor(nil, registry))

	if err := o.Submit(context.Background(), QueueDeliver, struct{}{}); !errors.Is(err, want) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestSubmitUnknownQueueFails(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(nil, nil, NewInlineExecutor(nil, NewRegistry()))
	if err := o.Submit(context.Background(), "mystery", struct{}{}); err == nil {
		t.Fatal("expected unknown queue to fail")
	}
}
