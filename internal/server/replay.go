package server

import (
	"context"
	"time"

	"github.com/mtingers/lockerd/internal/metrics"
	"github.com/mtingers/lockerd/internal/protocol"
	"github.com/mtingers/lockerd/internal/snapshot"
)

// replay re-issues the requests saved for this session's identity by an
// earlier connection. Previously-held locks go first and their grants are not
// reported again; then the requests that were still waiting, which get normal
// responses. Budgets are what remained of the originals.
func (ss *session) replay(ctx context.Context) {
	ss.mu.Lock()
	pid := ss.pid
	ss.mu.Unlock()

	recs, err := ss.srv.bridge.Load(ctx, ss.address, pid)
	if err != nil {
		ss.log.Warn("snapshot load failed, nothing to replay", "err", err)
		return
	}
	// From here the records are this session's; the orphan entry would
	// duplicate them in the next save.
	ss.srv.claim(snapshot.Identity(ss.address, pid))
	if len(recs) == 0 {
		return
	}

	held, waiting := snapshot.Partition(recs)
	now := time.Now()
	for _, r := range held {
		if r.Lapsed {
			metrics.Replayed.WithLabelValues("lapsed").Inc()
			ss.log.Info("not replaying lapsed lease", "seq", r.Sequence, "name", r.Name)
			continue
		}
		metrics.Replayed.WithLabelValues("held").Inc()
		ss.lock(replayRequest(r), now, true)
	}
	for _, r := range waiting {
		metrics.Replayed.WithLabelValues("waiting").Inc()
		ss.lock(replayRequest(r), now, false)
	}
	ss.log.Info("replayed locks", "pid", pid, "held", len(held), "waiting", len(waiting))
}

func replayRequest(r snapshot.Record) protocol.Request {
	return protocol.Request{
		Action:   protocol.ActionLock,
		Sequence: r.Sequence,
		Wait:     r.Wait,
		Timeout:  r.Timeout,
		Name:     r.Name,
	}
}
