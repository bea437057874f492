package lock

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mtingers/lockerd/internal/config"
	"github.com/mtingers/lockerd/internal/metrics"
)

var (
	ErrAcquireTimeout = errors.New("timed out waiting for lock")
	ErrMaxLocks       = errors.New("max locks reached")
	ErrMaxWaiters     = errors.New("max waiters reached")
	ErrCanceled       = errors.New("lock request canceled")
	ErrInUse          = errors.New("lock handle already used")
)

// Event kinds passed to a Notifier.
const (
	EventGranted  = "granted"
	EventReleased = "released"
	EventTimeout  = "timeout"
	EventLapsed   = "lapsed"
	EventCanceled = "canceled"
)

// Notifier receives lock state transitions. Notify must not block.
type Notifier interface {
	Notify(kind, name string)
}

// Manager is the process-wide registry of per-name queues.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*Queue

	maxLocks   int
	maxWaiters int
	gcInterval time.Duration
	gcMaxIdle  time.Duration
	log        *slog.Logger
	notifier   Notifier
}

type Option func(*Manager)

// WithNotifier attaches n to receive every lock event.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func NewManager(cfg *config.Config, log *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		queues:     make(map[string]*Queue),
		maxLocks:   cfg.MaxLocks,
		maxWaiters: cfg.MaxWaiters,
		gcInterval: cfg.GCInterval,
		gcMaxIdle:  cfg.GCMaxIdleTime,
		log:        log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) notify(kind, name string) {
	if m.notifier != nil {
		m.notifier.Notify(kind, name)
	}
}

// Queue returns the queue for name, creating and registering an empty one on
// first use. Concurrent first uses of a name share one queue.
func (m *Manager) Queue(name string) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return q, nil
	}
	if m.maxLocks > 0 && len(m.queues) >= m.maxLocks {
		return nil, ErrMaxLocks
	}
	q := newQueue(name, m)
	m.queues[name] = q
	metrics.Queues.Inc()
	return q, nil
}

// FreeIfNeeded drops the queue for name when it has neither a holder nor
// waiters. It reports whether a queue was removed.
func (m *Manager) FreeIfNeeded(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		return false
	}
	return m.retireLocked(q, 0)
}

// retireLocked removes q if it is empty and has been idle for at least
// minIdle. Must be called with m.mu held.
func (m *Manager) retireLocked(q *Queue, minIdle time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.holder != nil || len(q.waiters) > 0 {
		return false
	}
	if minIdle > 0 && time.Since(q.lastActivity) < minIdle {
		return false
	}
	q.dead = true
	delete(m.queues, q.name)
	metrics.Queues.Dec()
	return true
}

// Len returns the number of registered queues.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

// GCLoop periodically prunes queues that have been empty for longer than the
// configured idle time. Releases already free empty queues eagerly; this
// loop only catches what they missed.
func (m *Manager) GCLoop(ctx context.Context) {
	m.log.Debug("queue_gc_loop: [starting]")
	ticker := time.NewTicker(m.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			for name, q := range m.queues {
				if m.retireLocked(q, m.gcMaxIdle) {
					m.log.Debug("GC: pruning unused queue", "name", name)
				}
			}
			m.mu.Unlock()
		}
	}
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

type LockInfo struct {
	Name            string  `json:"name"`
	Held            bool    `json:"held"`
	HeldForS        float64 `json:"held_for_s,omitempty"`
	LeaseExpiresInS float64 `json:"lease_expires_in_s,omitempty"`
	Waiters         int     `json:"waiters"`
}

type IdleInfo struct {
	Name  string  `json:"name"`
	IdleS float64 `json:"idle_s"`
}

type Stats struct {
	Queues    int        `json:"queues"`
	Locks     []LockInfo `json:"locks"`
	IdleLocks []IdleInfo `json:"idle_locks"`
}

// Stats returns a snapshot of every queue, sorted by name.
func (m *Manager) Stats() *Stats {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	sort.Slice(queues, func(i, j int) bool { return queues[i].name < queues[j].name })

	now := time.Now()
	s := &Stats{
		Queues:    len(queues),
		Locks:     []LockInfo{},
		IdleLocks: []IdleInfo{},
	}
	for _, q := range queues {
		q.mu.Lock()
		switch {
		case q.holder != nil:
			info := LockInfo{
				Name:     q.name,
				Held:     true,
				HeldForS: now.Sub(q.holder.grantedAt).Seconds(),
				Waiters:  len(q.waiters),
			}
			if q.holder.hold > 0 {
				expires := q.holder.grantedAt.Add(q.holder.hold).Sub(now).Seconds()
				if expires < 0 {
					expires = 0
				}
				info.LeaseExpiresInS = expires
			}
			s.Locks = append(s.Locks, info)
		case len(q.waiters) > 0:
			s.Locks = append(s.Locks, LockInfo{Name: q.name, Waiters: len(q.waiters)})
		default:
			s.IdleLocks = append(s.IdleLocks, IdleInfo{
				Name:  q.name,
				IdleS: now.Sub(q.lastActivity).Seconds(),
			})
		}
		q.mu.Unlock()
	}
	return s
}
