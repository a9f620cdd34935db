package syncutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestContextMutex_BasicLockUnlock(t *testing.T) {
	m := NewContextMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()

	unlock, err = m.LockContext(ctx)
	if err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	unlock()
}

func TestContextMutex_MutualExclusion(t *testing.T) {
	m := NewContextMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx)
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			// Non-atomic increment: a lost update means exclusion broke.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != n {
		t.Fatalf("expected %d, got %d", n, atomic.LoadInt64(&counter))
	}
}

func TestContextMutex_ContextCancelled(t *testing.T) {
	m := NewContextMutex()

	unlock, err := m.LockContext(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	cancelCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(cancelCtx)
	if err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestGuard_RejectsReentry(t *testing.T) {
	g := NewGuard()
	ctx, release, err := g.Enter(context.Background())
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	defer release()

	if !g.Held(ctx) {
		t.Fatal("expected marked context")
	}

	nested := context.WithValue(ctx, struct{ k string }{"x"}, 1)
	_, _, err = g.Enter(nested)
	if !errors.Is(err, ErrReentrant) {
		t.Fatalf("expected ErrReentrant, got %v", err)
	}
}

func TestGuard_SeparateGuardsIndependent(t *testing.T) {
	a, b := NewGuard(), NewGuard()
	ctx, releaseA, err := a.Enter(context.Background())
	if err != nil {
		t.Fatalf("enter a: %v", err)
	}
	defer releaseA()

	_, releaseB, err := b.Enter(ctx)
	if err != nil {
		t.Fatalf("enter b with a's context: %v", err)
	}
	releaseB()
}

func TestGuard_SerializesOtherCallers(t *testing.T) {
	g := NewGuard()
	_, release, err := g.Enter(context.Background())
	if err != nil {
		t.Fatalf("enter: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, r, err := g.Enter(context.Background())
		if err == nil {
			r()
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second caller entered while guard held")
	case <-time.After(30 * time.Millisecond):
	}
	release()
	<-done
}

func TestGuard_CalloutRejectsFreshContext(t *testing.T) {
	g := NewGuard()
	_, release, err := g.Enter(context.Background())
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	defer release()

	done := g.Callout()
	result := make(chan error, 1)
	go func() {
		_, r, err := g.Enter(context.Background())
		if err == nil {
			r()
		}
		result <- err
	}()

	select {
	case err := <-result:
		if !errors.Is(err, ErrReentrant) {
			t.Fatalf("expected ErrReentrant during callout, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Enter blocked during callout")
	}
	done()
}

func TestGuard_CalloutEndsRejection(t *testing.T) {
	g := NewGuard()
	g.Callout()()

	_, release, err := g.Enter(context.Background())
	if err != nil {
		t.Fatalf("expected enter after callout ended, got %v", err)
	}
	release()
}
