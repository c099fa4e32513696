package service

import (
	"context"
	"sync"
	"time"

	"github.com/kmorten/asset-optimizer/internal/models"
)

// inFlightRequest tracks a single variant production that multiple callers may wait for.
type inFlightRequest struct {
	mu      sync.Mutex
	result  models.Variant
	err     error
	done    bool
	waiters []chan struct{} // Channels to notify waiters when result is ready
}

// requestCoalescer prevents duplicate origin fetches by coalescing concurrent
// requests for the same variant key. A fetch+transform is expensive enough
// that every avoided duplicate matters.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightRequest
	timeout  time.Duration
}

// newRequestCoalescer creates a requestCoalescer with the specified wait timeout.
func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightRequest),
		timeout:  timeout,
	}
}

// GetOrDo checks if production for key is already in flight. If yes, waits for
// its result. If no, executes fn and registers the request. Respects context
// cancellation and the coalescer timeout to prevent indefinite blocking.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func() (models.Variant, error)) (models.Variant, error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if exists {
		rc.mu.Unlock()
		return rc.wait(ctx, req)
	}

	// No existing request; register one and run fn in a goroutine so the
	// result is shared even if this caller's context expires first.
	req = &inFlightRequest{}
	rc.inFlight[key] = req
	rc.mu.Unlock()

	go func() {
		result, err := fn()

		req.mu.Lock()
		req.result = result
		req.err = err
		req.done = true
		waiters := req.waiters
		req.waiters = nil
		req.mu.Unlock()

		for _, notify := range waiters {
			close(notify)
		}

		rc.cleanup(key)
	}()

	return rc.wait(ctx, req)
}

// wait blocks until req completes, the context is done, or the coalescer
// timeout elapses.
func (rc *requestCoalescer) wait(ctx context.Context, req *inFlightRequest) (models.Variant, error) {
	req.mu.Lock()
	if req.done {
		result := req.result
		err := req.err
		req.mu.Unlock()
		if err != nil {
			return models.Variant{}, err
		}
		return result, nil
	}
	notify := make(chan struct{})
	req.waiters = append(req.waiters, notify)
	req.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-notify:
		req.mu.Lock()
		result := req.result
		err := req.err
		req.mu.Unlock()
		if err != nil {
			return models.Variant{}, err
		}
		return result, nil
	case <-waitCtx.Done():
		return models.Variant{}, waitCtx.Err()
	}
}

// cleanup removes the in-flight request for key. Must be called after the request completes.
func (rc *requestCoalescer) cleanup(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.inFlight, key)
}
