package lock

import (
	"context"
	"sync"
	"time"
)

// Lock is a single acquisition handle for one name. It owns no timers; the
// queue it lands in drives every transition and reports back through the
// completion callback given to Acquire.
type Lock struct {
	name string
	m    *Manager

	mu sync.Mutex
	q  *Queue
	t  *ticket
}

func New(m *Manager, name string) *Lock {
	return &Lock{name: name, m: m}
}

// Name returns the lock name.
func (l *Lock) Name() string { return l.name }

// Acquire asks for the lock, waiting at most wait and holding it for at most
// hold (0 = until released). onComplete runs exactly once: with nil when the
// lock is granted, with ErrAcquireTimeout when the wait budget runs out, and
// with ErrMaxLocks, ErrMaxWaiters, ErrCanceled or ErrInUse otherwise. It may
// run before Acquire returns.
func (l *Lock) Acquire(wait, hold time.Duration, onComplete func(error)) {
	done := func(err error) {
		if err != nil {
			l.m.FreeIfNeeded(l.name)
		}
		if onComplete != nil {
			onComplete(err)
		}
	}

	l.mu.Lock()
	if l.t != nil {
		l.mu.Unlock()
		done(ErrInUse)
		return
	}
	t := &ticket{hold: hold, done: done}
	l.t = t
	l.mu.Unlock()

	for {
		q, err := l.m.Queue(l.name)
		if err != nil {
			t.state = ticketCanceled
			done(err)
			return
		}
		l.mu.Lock()
		l.q = q
		l.mu.Unlock()
		if q.acquire(t, wait) {
			return
		}
		// Retired between lookup and admission; a fresh queue replaces it.
	}
}

// AcquireContext is a blocking form of Acquire. When ctx ends first the
// request is withdrawn (or the lock released, if it was granted meanwhile)
// and ctx.Err() is returned.
func (l *Lock) AcquireContext(ctx context.Context, wait, hold time.Duration) error {
	ch := make(chan error, 1)
	l.Acquire(wait, hold, func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		l.Release()
		return ctx.Err()
	}
}

// Release gives the lock back. It reports true only when the lock was held;
// a still-queued request is withdrawn and false is returned. Calling it on a
// handle that never acquired, or twice, is safe.
func (l *Lock) Release() bool {
	l.mu.Lock()
	q, t := l.q, l.t
	l.mu.Unlock()
	if q == nil || t == nil {
		return false
	}
	released := q.release(t)
	if released {
		l.m.FreeIfNeeded(l.name)
	}
	return released
}

// Acquired reports whether this handle currently holds the lock. It turns
// false after Release and after the lease lapses.
func (l *Lock) Acquired() bool {
	l.mu.Lock()
	q, t := l.q, l.t
	l.mu.Unlock()
	if q == nil || t == nil {
		return false
	}
	return q.holds(t)
}
