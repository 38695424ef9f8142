package server

import (
	"context"
	"errors"
	"sync"
)

// ErrBusy is returned when a session already has a turn in flight.
var ErrBusy = errors.New("session is busy")

// RunTracker tracks the in-flight turn of each session so it can be
// cancelled from another request or on shutdown. A session runs at most one
// turn at a time.
type RunTracker struct {
	mu   sync.Mutex
	runs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

// NewRunTracker creates an empty tracker.
func NewRunTracker() *RunTracker {
	return &RunTracker{runs: make(map[string]context.CancelFunc)}
}

// Begin registers a turn for sessionID. The returned context is cancelled by
// Cancel, CancelAll or when parent ends; end must be called when the turn
// is over.
func (t *RunTracker) Begin(parent context.Context, sessionID string) (context.Context, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.runs[sessionID]; ok {
		return nil, nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(parent)
	t.runs[sessionID] = cancel
	t.wg.Add(1)

	var once sync.Once
	end := func() {
		once.Do(func() {
			cancel()
			t.mu.Lock()
			delete(t.runs, sessionID)
			t.mu.Unlock()
			t.wg.Done()
		})
	}
	return ctx, end, nil
}

// Active reports whether sessionID has a turn in flight.
func (t *RunTracker) Active(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.runs[sessionID]
	return ok
}

// Cancel cancels the in-flight turn of sessionID. It reports whether there
// was one.
func (t *RunTracker) Cancel(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cancel, ok := t.runs[sessionID]
	if ok {
		cancel()
	}
	return ok
}

// CancelAll cancels every in-flight turn.
func (t *RunTracker) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cancel := range t.runs {
		cancel()
	}
}

// Wait blocks until every begun turn has ended or ctx is done.
func (t *RunTracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
