package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtingers/lockerd/internal/lock"
	"github.com/mtingers/lockerd/internal/metrics"
	"github.com/mtingers/lockerd/internal/protocol"
	"github.com/mtingers/lockerd/internal/snapshot"
)

const readChunk = 4096

// pending is one LOCK request of a session, from the request until UNLOCK or
// disconnect.
type pending struct {
	lock     *lock.Lock
	seq      uint32
	wait     uint32 // ms, as requested
	timeout  uint32 // ms, as requested
	request  time.Time
	acquired time.Time
	err      error
	silent   bool // replayed grant the client already knows about
}

// session is the per-connection state machine.
type session struct {
	id      uint64
	uuid    string // stable handle for this connection in status and logs
	srv     *Server
	conn    net.Conn
	peer    string // ip:port
	address string // ip only
	log     *slog.Logger

	mu      sync.Mutex
	pid     uint32
	pending map[uint32]*pending
	order   []uint32 // sequence numbers in request order
	closing bool

	wmu sync.Mutex // serializes response writes
}

func newSession(s *Server, conn net.Conn, id uint64) *session {
	peer := conn.RemoteAddr().String()
	address := peer
	if host, _, err := net.SplitHostPort(peer); err == nil {
		address = host
	}
	sid := uuid.NewString()
	return &session{
		id:      id,
		uuid:    sid,
		srv:     s,
		conn:    conn,
		peer:    peer,
		address: address,
		log:     s.log.With("peer", peer, "conn_id", id, "session", sid),
		pending: make(map[uint32]*pending),
	}
}

// serve reads and dispatches frames until the connection ends.
func (ss *session) serve(ctx context.Context) {
	var dec protocol.Decoder
	buf := make([]byte, readChunk)
	for {
		if ctx.Err() != nil {
			return
		}
		ss.conn.SetReadDeadline(time.Now().Add(ss.srv.cfg.ReadTimeout))
		n, err := ss.conn.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			for {
				req, ok, derr := dec.Next()
				if derr != nil {
					ss.log.Warn("protocol error, disconnecting", "err", derr)
					return
				}
				if !ok {
					break
				}
				ss.handle(ctx, req)
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.Is(err, os.ErrDeadlineExceeded):
				if ctx.Err() == nil {
					ss.log.Debug("idle timeout, disconnecting")
				}
			default:
				ss.log.Debug("read error, disconnecting", "err", err)
			}
			return
		}
	}
}

func (ss *session) handle(ctx context.Context, req protocol.Request) {
	if !req.Action.Valid() {
		ss.log.Warn("unknown action, ignoring", "action", byte(req.Action), "seq", req.Sequence)
		return
	}
	metrics.Frames.WithLabelValues(req.Action.String()).Inc()
	ss.log.Debug("request", "action", req.Action, "seq", req.Sequence, "name", req.Name,
		"wait_ms", req.Wait, "timeout_ms", req.Timeout)

	switch req.Action {
	case protocol.ActionLock:
		ss.lock(req, time.Now(), false)
	case protocol.ActionUnlock:
		ss.unlock(req.Sequence)
	case protocol.ActionInit:
		ss.setPID(req.Sequence)
		ss.srv.claim(snapshot.Identity(ss.address, req.Sequence))
	case protocol.ActionCont:
		ss.setPID(req.Sequence)
		ss.replay(ctx)
	}
	ss.srv.save(ctx)
}

func (ss *session) setPID(pid uint32) {
	ss.mu.Lock()
	ss.pid = pid
	ss.mu.Unlock()
	ss.log.Debug("process id set", "pid", pid)
}

// lock registers and starts one acquisition. A sequence number that is still
// outstanding is released first and replaced.
func (ss *session) lock(req protocol.Request, requested time.Time, silent bool) {
	p := &pending{
		lock:    lock.New(ss.srv.lm, req.Name),
		seq:     req.Sequence,
		wait:    req.Wait,
		timeout: req.Timeout,
		request: requested,
		silent:  silent,
	}

	ss.mu.Lock()
	old := ss.pending[p.seq]
	if old != nil {
		ss.removeLocked(p.seq)
	}
	ss.pending[p.seq] = p
	ss.order = append(ss.order, p.seq)
	ss.mu.Unlock()

	if old != nil {
		ss.log.Warn("sequence reused, replacing outstanding request", "seq", p.seq, "name", old.lock.Name())
		old.lock.Release()
	}

	p.lock.Acquire(req.WaitBudget(), req.HoldBudget(), func(err error) {
		ss.complete(p, err)
	})
}

// complete is the acquisition callback. It may run on the session goroutine,
// a timer goroutine, or another session's goroutine.
func (ss *session) complete(p *pending, err error) {
	ss.mu.Lock()
	if err != nil {
		p.err = err
	} else {
		p.acquired = time.Now()
	}
	ss.mu.Unlock()

	if err != nil {
		ss.log.Debug("lock failed", "seq", p.seq, "name", p.lock.Name(), "err", err)
	} else {
		ss.log.Debug("lock granted", "seq", p.seq, "name", p.lock.Name())
	}
	switch {
	case p.silent:
		// Replayed grant the client already knows about; a failure shows up
		// only in status and in the reply to its UNLOCK.
		if err != nil {
			ss.log.Warn("replayed lock not reacquired", "seq", p.seq, "name", p.lock.Name(), "err", err)
		}
	case errors.Is(err, lock.ErrCanceled):
		// Answered by the UNLOCK that withdrew it, if any.
	default:
		ss.respond(protocol.Response{Sequence: p.seq, Action: protocol.ActionLock, OK: err == nil})
	}
	ss.srv.save(context.Background())
}

func (ss *session) unlock(seq uint32) {
	ss.mu.Lock()
	p := ss.pending[seq]
	if p != nil {
		ss.removeLocked(seq)
	}
	ss.mu.Unlock()

	released := p != nil && p.lock.Release()
	ss.respond(protocol.Response{Sequence: seq, Action: protocol.ActionUnlock, OK: released})
}

// removeLocked drops seq from the registry. Must be called with ss.mu held.
func (ss *session) removeLocked(seq uint32) {
	delete(ss.pending, seq)
	for i, s := range ss.order {
		if s == seq {
			ss.order = append(ss.order[:i], ss.order[i+1:]...)
			break
		}
	}
}

// respond writes one response frame. Nothing is written once the session is
// closing; a failed write closes the connection, which ends serve.
func (ss *session) respond(resp protocol.Response) {
	ss.mu.Lock()
	closing := ss.closing
	ss.mu.Unlock()
	if closing {
		return
	}

	ss.wmu.Lock()
	defer ss.wmu.Unlock()
	if wt := ss.srv.cfg.WriteTimeout; wt > 0 {
		ss.conn.SetWriteDeadline(time.Now().Add(wt))
	}
	_, err := ss.conn.Write(protocol.EncodeResponse(resp))
	if err != nil {
		ss.log.Debug("write error, disconnecting", "err", err)
		ss.conn.Close()
	}
}

// teardown releases everything the session holds or waits for and removes it
// from the live registry. A session that announced a pid leaves its requests
// behind as recovered entries so a reconnect can CONT them.
func (ss *session) teardown() {
	ss.mu.Lock()
	ss.closing = true
	pid := ss.pid
	held := make([]*pending, 0, len(ss.order))
	for _, seq := range ss.order {
		held = append(held, ss.pending[seq])
	}
	ss.pending = make(map[uint32]*pending)
	ss.order = nil
	ss.mu.Unlock()

	// Taken before the locks are released; lapsed leases are left out.
	var id string
	var recs []snapshot.Record
	if pid != 0 {
		id, recs = snapshot.Identity(ss.address, pid), ss.toRecords(held)
	}
	ss.srv.retire(ss, id, recs)
	for _, p := range held {
		p.lock.Release()
	}
	if len(held) > 0 {
		ss.log.Debug("released locks on disconnect", "count", len(held))
	}
	ss.srv.save(context.Background())
}

// records returns the session's identity and its outstanding requests as
// snapshot records, in request order.
func (ss *session) records() (string, []snapshot.Record) {
	ss.mu.Lock()
	id := snapshot.Identity(ss.address, ss.pid)
	ps := make([]*pending, 0, len(ss.order))
	for _, seq := range ss.order {
		ps = append(ps, ss.pending[seq])
	}
	ss.mu.Unlock()
	return id, ss.toRecords(ps)
}

// toRecords converts pending requests to snapshot records. Failed requests
// and lapsed leases are left out: there is nothing to reclaim for them.
func (ss *session) toRecords(ps []*pending) []snapshot.Record {
	recs := make([]snapshot.Record, 0, len(ps))
	for _, p := range ps {
		ss.mu.Lock()
		failed, acquired := p.err != nil, p.acquired
		ss.mu.Unlock()
		if failed {
			continue
		}
		if !acquired.IsZero() && !p.lock.Acquired() {
			continue
		}
		recs = append(recs, snapshot.Record{
			Name:     p.lock.Name(),
			Sequence: p.seq,
			Wait:     p.wait,
			Timeout:  p.timeout,
			Request:  snapshot.UnixMilli(p.request),
			Acquired: snapshot.UnixMilli(acquired),
		})
	}
	return recs
}
