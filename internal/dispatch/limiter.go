package dispatch

import (
	"context"
	"sync"
)

// modelLimiter bounds the number of in-flight provider calls per model id.
// The default capacity of 1 serializes all calls to the same model, the
// original overload-protection policy; capacity is configurable for
// backends that can serve concurrent requests. Calls to different models
// never contend.
type modelLimiter struct {
	capacity int

	mu   sync.Mutex
	sems map[string]chan struct{}
}

func newModelLimiter(capacity int) *modelLimiter {
	if capacity < 1 {
		capacity = 1
	}
	return &modelLimiter{
		capacity: capacity,
		sems:     make(map[string]chan struct{}),
	}
}

func (l *modelLimiter) sem(modelID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[modelID]
	if !ok {
		s = make(chan struct{}, l.capacity)
		l.sems[modelID] = s
	}
	return s
}

// acquire blocks until a slot for the model is free or the context ends.
func (l *modelLimiter) acquire(ctx context.Context, modelID string) error {
	select {
	case l.sem(modelID) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release frees a slot taken by acquire.
func (l *modelLimiter) release(modelID string) {
	<-l.sem(modelID)
}
