package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mtingers/lockerd/internal/config"
	"github.com/mtingers/lockerd/internal/lock"
	"github.com/mtingers/lockerd/internal/metrics"
	"github.com/mtingers/lockerd/internal/snapshot"
)

const saveTimeout = 5 * time.Second

type Server struct {
	lm        *lock.Manager
	bridge    *snapshot.Bridge
	cfg       *config.Config
	log       *slog.Logger
	connSeq   atomic.Uint64
	connCount atomic.Int64
	conns     sync.Map // net.Conn → struct{}
	stopping  atomic.Bool

	mu       sync.Mutex
	sessions map[uint64]*session
	orphans  snapshot.Document // entries of gone owners, kept until reclaimed or expired
}

// New creates a server. bridge may be nil or disabled, in which case nothing
// is persisted and CONT replays nothing.
func New(lm *lock.Manager, bridge *snapshot.Bridge, cfg *config.Config, log *slog.Logger) *Server {
	if bridge == nil {
		bridge = snapshot.NewBridge(nil, log)
	}
	return &Server{
		lm:       lm,
		bridge:   bridge,
		cfg:      cfg,
		log:      log,
		sessions: make(map[uint64]*session),
		orphans:  snapshot.Document{},
	}
}

func (s *Server) Run(ctx context.Context) error {
	hasCert := s.cfg.TLSCert != ""
	hasKey := s.cfg.TLSKey != ""
	if hasCert != hasKey {
		return fmt.Errorf("both --tls-cert and --tls-key must be provided together")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if hasCert {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			listener.Close()
			return fmt.Errorf("tls: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		listener = tls.NewListener(listener, tlsCfg)
		s.log.Info("TLS enabled")
	}

	s.log.Info("listening", "addr", addr)
	return s.serve(ctx, listener)
}

// RunOnListener starts the server on a pre-existing listener (for testing).
func (s *Server) RunOnListener(ctx context.Context, listener net.Listener) error {
	s.log.Info("listening", "addr", listener.Addr())
	return s.serve(ctx, listener)
}

func (s *Server) serve(ctx context.Context, listener net.Listener) error {
	s.recover(ctx)

	var wg sync.WaitGroup

	// Background loops
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.lm.GCLoop(ctx)
	}()

	// Close listener on context cancellation
	go func() {
		<-ctx.Done()
		s.stopping.Store(true)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.drain(&wg)
				return nil
			default:
				s.log.Error("accept error", "err", err)
				continue
			}
		}
		if max := s.cfg.MaxConnections; max > 0 && s.connCount.Load() >= int64(max) {
			s.log.Warn("max connections reached, rejecting", "max", max)
			conn.Close()
			continue
		}
		connID := s.connSeq.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn, connID)
		}()
	}
}

// recover loads the document left by a previous run. Its entries are kept in
// every snapshot written until their owners reconnect or their budgets run
// out.
func (s *Server) recover(ctx context.Context) {
	if !s.bridge.Enabled() {
		return
	}
	doc, err := s.bridge.Document(ctx)
	if err != nil {
		s.log.Warn("snapshot unavailable, starting without recovery data", "err", err)
		return
	}
	s.mu.Lock()
	s.orphans = doc
	s.mu.Unlock()
	if len(doc) > 0 {
		s.log.Info("recovered snapshot", "identities", len(doc))
	}
}

// drain waits for all goroutines to finish, force-closing connections if the
// shutdown timeout expires.
func (s *Server) drain(wg *sync.WaitGroup) {
	s.log.Info("shutting down, draining connections")

	// Connections block in Read until their idle timeout; wake them up.
	s.conns.Range(func(key, _ any) bool {
		if c, ok := key.(net.Conn); ok {
			c.SetReadDeadline(time.Now())
		}
		return true
	})

	if s.cfg.ShutdownTimeout <= 0 {
		wg.Wait()
		return
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(s.cfg.ShutdownTimeout):
		s.log.Warn("shutdown timeout reached, force-closing connections")
		s.conns.Range(func(key, _ any) bool {
			if c, ok := key.(net.Conn); ok {
				c.Close()
			}
			return true
		})
		wg.Wait()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, connID uint64) {
	ss := newSession(s, conn, connID)
	ss.log.Debug("client connected")
	s.connCount.Add(1)
	metrics.Connections.Inc()
	s.conns.Store(conn, struct{}{})
	s.register(ss)

	defer func() {
		ss.teardown()
		s.conns.Delete(conn)
		s.connCount.Add(-1)
		metrics.Connections.Dec()
		conn.Close()
		ss.log.Debug("client closed")
	}()

	ss.serve(ctx)
}

func (s *Server) register(ss *session) {
	s.mu.Lock()
	s.sessions[ss.id] = ss
	s.mu.Unlock()
}

// retire removes ss from the registry. When identity is non-empty its
// records are kept as an orphan entry in the same step, so no save sees them
// twice or not at all.
func (s *Server) retire(ss *session, identity string, recs []snapshot.Record) {
	s.mu.Lock()
	delete(s.sessions, ss.id)
	if identity != "" && len(recs) > 0 {
		s.orphans[identity] = append(s.orphans[identity], recs...)
	}
	s.mu.Unlock()
}

// claim drops the orphan entry for identity; its owner is back.
func (s *Server) claim(identity string) {
	s.mu.Lock()
	delete(s.orphans, identity)
	s.mu.Unlock()
}

// liveSessions returns the registered sessions ordered by connection ID.
func (s *Server) liveSessions() []*session {
	s.mu.Lock()
	out := make([]*session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		out = append(out, ss)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// project builds the snapshot document: every live session's outstanding
// requests, grouped by identity, plus unexpired recovered entries.
func (s *Server) project() snapshot.Document {
	now := time.Now()
	doc := snapshot.Document{}

	s.mu.Lock()
	for id, recs := range s.orphans {
		keep := recs[:0:0]
		for _, r := range recs {
			if !r.Expired(now) {
				keep = append(keep, r)
			}
		}
		if len(keep) == 0 {
			delete(s.orphans, id)
			continue
		}
		s.orphans[id] = keep
		doc[id] = append([]snapshot.Record(nil), keep...)
	}
	s.mu.Unlock()

	for _, ss := range s.liveSessions() {
		id, recs := ss.records()
		if len(recs) == 0 {
			continue
		}
		doc[id] = append(doc[id], recs...)
	}
	return doc
}

// save persists the current state. Failures are logged and otherwise ignored.
// Once shutdown begins the last written document is left in place so clients
// can reclaim their locks from the next run.
func (s *Server) save(ctx context.Context) {
	if !s.bridge.Enabled() || s.stopping.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := s.bridge.Save(ctx, s.project); err != nil {
		s.log.Warn("snapshot save failed", "err", err)
	}
}
