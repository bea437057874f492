package server

import (
	"time"
)

// LockInfo describes one request of a connection. Request and Acquired are
// milliseconds elapsed since the request was made and since it was granted.
type LockInfo struct {
	Lock     string `json:"lock"`
	Sequence uint32 `json:"sequence"`
	Request  int64  `json:"request"`
	Acquired *int64 `json:"acquired,omitempty"`
	Held     bool   `json:"held"`
	Error    string `json:"error,omitempty"`
}

// ConnStatus is the state of one live connection.
type ConnStatus struct {
	Session   string     `json:"session"`
	ProcessID uint32     `json:"pid"`
	Locks     []LockInfo `json:"locks"`
}

// LockStatus returns every live connection, keyed by "ip:port", with its
// requests in the order they were made.
func (s *Server) LockStatus() map[string]ConnStatus {
	now := time.Now()
	out := make(map[string]ConnStatus)
	for _, ss := range s.liveSessions() {
		out[ss.peer] = ss.status(now)
	}
	return out
}

func (ss *session) status(now time.Time) ConnStatus {
	ss.mu.Lock()
	st := ConnStatus{Session: ss.uuid, ProcessID: ss.pid, Locks: make([]LockInfo, 0, len(ss.order))}
	ps := make([]*pending, 0, len(ss.order))
	for _, seq := range ss.order {
		p := ss.pending[seq]
		ps = append(ps, p)
		info := LockInfo{
			Lock:     p.lock.Name(),
			Sequence: p.seq,
			Request:  now.Sub(p.request).Milliseconds(),
		}
		if !p.acquired.IsZero() {
			ms := now.Sub(p.acquired).Milliseconds()
			info.Acquired = &ms
		}
		if p.err != nil {
			info.Error = p.err.Error()
		}
		st.Locks = append(st.Locks, info)
	}
	ss.mu.Unlock()

	// Queue state is read outside the session lock.
	for i, p := range ps {
		st.Locks[i].Held = p.lock.Acquired()
	}
	return st
}
