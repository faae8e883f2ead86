package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry holds the registered platform adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Platform]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Platform]Adapter)}
}

// Register adds an adapter. Registering the same platform twice is an error.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("nil adapter")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Type()]; exists {
		return fmt.Errorf("adapter already registered for platform %s", a.Type())
	}
	r.adapters[a.Type()] = a
	return nil
}

// Get returns the adapter for the platform.
func (r *Registry) Get(p Platform) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %s", p)
	}
	return a, nil
}

// Sender returns the adapter for the platform as a Sender.
func (r *Registry) Sender(p Platform) (Sender, error) {
	a, err := r.Get(p)
	if err != nil {
		return nil, err
	}
	s, ok := a.(Sender)
	if !ok {
		return nil, fmt.Errorf("adapter for platform %s cannot send", p)
	}
	return s, nil
}

// FetchProfile looks up a sender profile through the platform's adapter.
// Platforms without profile lookup return an empty profile and no error.
func (r *Registry) FetchProfile(ctx context.Context, account Account, senderID string) (Profile, error) {
	a, err := r.Get(account.Platform)
	if err != nil {
		return Profile{}, err
	}
	pf, ok := a.(ProfileFetcher)
	if !ok {
		return Profile{}, nil
	}
	return pf.FetchProfile(ctx, account, senderID)
}

// Platforms lists registered platforms in stable order.
func (r *Registry) Platforms() []Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
