package syncutil

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrReentrant is returned when a goroutine already inside a Guard tries to
// enter it again through the same context chain.
var ErrReentrant = errors.New("reentrant call")

// ContextMutex is a mutex that supports context cancellation while waiting.
type ContextMutex struct {
	ch chan struct{}
}

// NewContextMutex creates an unlocked ContextMutex.
func NewContextMutex() *ContextMutex {
	m := &ContextMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{} // Start unlocked.
	return m
}

// LockContext acquires the mutex, respecting context cancellation.
// On success, returns an unlock function and nil error. The caller MUST call the
// unlock function when done.
// On context cancellation, returns nil and the context error.
func (m *ContextMutex) LockContext(ctx context.Context) (func(), error) {
	select {
	case <-m.ch:
		return func() { m.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Guard serializes state-changing calls and rejects nested entry.
//
// Enter marks the returned context; any call that reaches Enter again with a
// context derived from it fails with ErrReentrant instead of deadlocking.
// While the holder runs foreign code (see Callout) every Enter fails fast,
// whatever context it carries.
type Guard struct {
	mu       *ContextMutex
	key      *guardKey
	callouts atomic.Int32
}

type guardKey struct{ _ byte }

// NewGuard creates an unheld guard.
func NewGuard() *Guard {
	return &Guard{mu: NewContextMutex(), key: &guardKey{}}
}

// Enter acquires the guard. The returned context carries the in-call marker.
func (g *Guard) Enter(ctx context.Context) (context.Context, func(), error) {
	if g.Held(ctx) || g.callouts.Load() > 0 {
		return ctx, nil, ErrReentrant
	}
	unlock, err := g.mu.LockContext(ctx)
	if err != nil {
		return ctx, nil, err
	}
	return context.WithValue(ctx, g.key, true), unlock, nil
}

// Held reports whether ctx was produced by this guard's Enter.
func (g *Guard) Held(ctx context.Context) bool {
	v, _ := ctx.Value(g.key).(bool)
	return v
}

// Callout marks the holder as running code it does not control, such as a
// recipient hook. Until done is called, Enter rejects every caller instead
// of queueing it behind a holder that may be waiting on that caller.
func (g *Guard) Callout() (done func()) {
	g.callouts.Add(1)
	return func() { g.callouts.Add(-1) }
}
