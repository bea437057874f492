package lock

import (
	"sync"
	"time"

	"github.com/mtingers/lockerd/internal/metrics"
)

type ticketState int

const (
	ticketIdle ticketState = iota
	ticketQueued
	ticketHeld
	ticketExpired  // wait budget ran out
	ticketReleased // released by its owner
	ticketLapsed   // hold budget ran out
	ticketCanceled // dequeued before a grant
)

// ticket is one acquisition attempt inside a Queue. All fields except done
// are guarded by the owning queue's mutex.
type ticket struct {
	hold      time.Duration
	state     ticketState
	queuedAt  time.Time
	grantedAt time.Time
	waitTimer *time.Timer
	holdTimer *time.Timer
	done      func(error)
}

// Queue serializes access to one lock name: at most one holder and a FIFO
// of waiters, each waiter with its own wait timer and the holder with an
// optional hold (lease) timer.
type Queue struct {
	name string
	m    *Manager

	mu           sync.Mutex
	holder       *ticket
	waiters      []*ticket
	lastActivity time.Time
	dead         bool // removed from the manager; callers must fetch a new queue
}

func newQueue(name string, m *Manager) *Queue {
	return &Queue{name: name, m: m, lastActivity: time.Now()}
}

// Name returns the lock name this queue serves.
func (q *Queue) Name() string { return q.name }

// removeWaiter removes target from a waiter slice preserving order, reusing
// the backing array to avoid unnecessary allocation.
func removeWaiter(waiters []*ticket, target *ticket) []*ticket {
	for i, w := range waiters {
		if w == target {
			copy(waiters[i:], waiters[i+1:])
			waiters[len(waiters)-1] = nil // avoid memory leak
			return waiters[:len(waiters)-1]
		}
	}
	return waiters
}

// acquire admits t. It returns false without touching t when the queue has
// been retired by the manager, in which case the caller retries on a fresh
// queue. t.done is called exactly once, possibly before acquire returns.
func (q *Queue) acquire(t *ticket, wait time.Duration) bool {
	q.mu.Lock()
	if q.dead {
		q.mu.Unlock()
		return false
	}
	now := time.Now()
	q.lastActivity = now
	t.queuedAt = now

	// Fast path: free and nobody ahead
	if q.holder == nil && len(q.waiters) == 0 {
		q.grantLocked(t, now)
		q.mu.Unlock()
		q.m.notify(EventGranted, q.name)
		t.done(nil)
		return true
	}

	if wait <= 0 {
		t.state = ticketExpired
		q.mu.Unlock()
		metrics.AcquireTimeouts.Inc()
		q.m.notify(EventTimeout, q.name)
		t.done(ErrAcquireTimeout)
		return true
	}

	if max := q.m.maxWaiters; max > 0 && len(q.waiters) >= max {
		t.state = ticketCanceled
		q.mu.Unlock()
		t.done(ErrMaxWaiters)
		return true
	}

	t.state = ticketQueued
	q.waiters = append(q.waiters, t)
	metrics.Waiters.Inc()
	// The callback blocks on q.mu until waitTimer is assigned.
	t.waitTimer = time.AfterFunc(wait, func() { q.expire(t) })
	q.mu.Unlock()
	return true
}

// grantLocked makes t the holder and arms its hold timer.
// Must be called with q.mu held.
func (q *Queue) grantLocked(t *ticket, now time.Time) {
	t.state = ticketHeld
	t.grantedAt = now
	q.holder = t
	if t.hold > 0 {
		t.holdTimer = time.AfterFunc(t.hold, func() { q.lapse(t) })
	}
	metrics.Granted.Inc()
}

// promoteLocked hands the free lock to the first waiter, if any.
// Must be called with q.mu held and q.holder == nil.
func (q *Queue) promoteLocked(now time.Time) *ticket {
	if len(q.waiters) == 0 {
		return nil
	}
	w := q.waiters[0]
	copy(q.waiters, q.waiters[1:])
	q.waiters[len(q.waiters)-1] = nil // avoid memory leak
	q.waiters = q.waiters[:len(q.waiters)-1]
	metrics.Waiters.Dec()
	// A timer that already fired finds the ticket held and does nothing.
	w.waitTimer.Stop()
	q.grantLocked(w, now)
	return w
}

// expire is the wait timer callback.
func (q *Queue) expire(t *ticket) {
	q.mu.Lock()
	if t.state != ticketQueued {
		q.mu.Unlock()
		return
	}
	q.waiters = removeWaiter(q.waiters, t)
	t.state = ticketExpired
	q.lastActivity = time.Now()
	q.mu.Unlock()

	metrics.Waiters.Dec()
	metrics.AcquireTimeouts.Inc()
	q.m.log.Debug("wait budget elapsed", "name", q.name)
	q.m.notify(EventTimeout, q.name)
	t.done(ErrAcquireTimeout)
}

// lapse is the hold timer callback: the lease ends without any message from
// the holder and the next waiter is promoted.
func (q *Queue) lapse(t *ticket) {
	q.mu.Lock()
	if t.state != ticketHeld || q.holder != t {
		q.mu.Unlock()
		return
	}
	now := time.Now()
	t.state = ticketLapsed
	q.holder = nil
	q.lastActivity = now
	next := q.promoteLocked(now)
	q.mu.Unlock()

	metrics.LeasesLapsed.Inc()
	q.m.log.Warn("lease lapsed", "name", q.name, "held_for", now.Sub(t.grantedAt))
	q.m.notify(EventLapsed, q.name)
	if next != nil {
		q.m.notify(EventGranted, q.name)
		next.done(nil)
		return
	}
	q.m.FreeIfNeeded(q.name)
}

// release ends t's involvement with the queue. It reports true only when t
// was the holder; a still-queued t is dequeued and completed with
// ErrCanceled.
func (q *Queue) release(t *ticket) bool {
	q.mu.Lock()
	now := time.Now()
	switch t.state {
	case ticketHeld:
		if t.holdTimer != nil {
			t.holdTimer.Stop()
		}
		t.state = ticketReleased
		q.holder = nil
		q.lastActivity = now
		next := q.promoteLocked(now)
		q.mu.Unlock()

		metrics.Released.Inc()
		q.m.notify(EventReleased, q.name)
		if next != nil {
			q.m.notify(EventGranted, q.name)
			next.done(nil)
		}
		return true

	case ticketQueued:
		t.waitTimer.Stop()
		q.waiters = removeWaiter(q.waiters, t)
		t.state = ticketCanceled
		q.lastActivity = now
		q.mu.Unlock()

		metrics.Waiters.Dec()
		q.m.notify(EventCanceled, q.name)
		t.done(ErrCanceled)
		return false
	}
	q.mu.Unlock()
	return false
}

// holds reports whether t is the current holder.
func (q *Queue) holds(t *ticket) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.holder == t && t.state == ticketHeld
}

// Len returns the number of queued waiters.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Held reports whether the queue currently has a holder.
func (q *Queue) Held() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.holder != nil
}
