package server

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/mtingers/lockerd/internal/config"
	"github.com/mtingers/lockerd/internal/lock"
	"github.com/mtingers/lockerd/internal/protocol"
	"github.com/mtingers/lockerd/internal/snapshot"
	"github.com/mtingers/lockerd/internal/testutil"
)

func testConfig() *config.Config {
	return &config.Config{
		Host:            "127.0.0.1",
		Port:            0,
		GCInterval:      100 * time.Millisecond,
		GCMaxIdleTime:   60 * time.Second,
		MaxLocks:        1024,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 2 * time.Second,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type testServer struct {
	srv    *Server
	addr   string
	bridge *snapshot.Bridge
	stop   func()
}

// startServer runs a server on a random port. store may be nil.
func startServer(t *testing.T, cfg *config.Config, store snapshot.Store) *testServer {
	t.Helper()
	return startServerOn(t, cfg, store, nil)
}

func startServerOn(t *testing.T, cfg *config.Config, store snapshot.Store, wrap func(net.Listener) net.Listener) *testServer {
	t.Helper()
	log := testLogger()
	lm := lock.NewManager(cfg, log)
	bridge := snapshot.NewBridge(store, log)
	srv := New(lm, bridge, cfg, log)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	if wrap != nil {
		ln = wrap(ln)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.RunOnListener(ctx, ln)
	}()

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return &testServer{srv: srv, addr: addr, bridge: bridge, stop: stop}
}

func dialRaw(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func frame(t *testing.T, action protocol.Action, seq, wait, timeout uint32, name string) []byte {
	t.Helper()
	b, err := protocol.AppendRequest(nil, protocol.Request{
		Action: action, Sequence: seq, Wait: wait, Timeout: timeout, Name: name,
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func send(t *testing.T, conn net.Conn, frames ...[]byte) {
	t.Helper()
	var all []byte
	for _, f := range frames {
		all = append(all, f...)
	}
	if _, err := conn.Write(all); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readResp(t *testing.T, conn net.Conn, d time.Duration) protocol.Response {
	t.Helper()
	buf := make([]byte, protocol.ResponseSize)
	conn.SetReadDeadline(time.Now().Add(d))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp, err := protocol.DecodeResponse(buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func expectResp(t *testing.T, conn net.Conn, seq uint32, action protocol.Action, ok bool) {
	t.Helper()
	resp := readResp(t, conn, 3*time.Second)
	if resp.Sequence != seq || resp.Action != action || resp.OK != ok {
		t.Fatalf("expected (%d, %s, %v), got (%d, %s, %v)",
			seq, action, ok, resp.Sequence, resp.Action, resp.OK)
	}
}

func expectSilence(t *testing.T, conn net.Conn, d time.Duration) {
	t.Helper()
	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(d))
	if n, err := conn.Read(buf); err == nil || n > 0 {
		t.Fatalf("unexpected bytes from server")
	}
}

func lockFrame(t *testing.T, seq, wait, timeout uint32, name string) []byte {
	return frame(t, protocol.ActionLock, seq, wait, timeout, name)
}

func unlockFrame(t *testing.T, seq uint32) []byte {
	return frame(t, protocol.ActionUnlock, seq, 0, 0, "")
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// Protocol
// ---------------------------------------------------------------------------

func TestIntegration_LockAndUnlock(t *testing.T) {
	ts := startServer(t, testConfig(), nil)
	conn := dialRaw(t, ts.addr)

	send(t, conn, lockFrame(t, 1, 1000, 0, "r"))
	buf := make([]byte, protocol.ResponseSize)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != 1 || buf[4] != byte(protocol.ActionLock) || buf[5] != 1 {
		t.Fatalf("raw response: %v", buf)
	}

	send(t, conn, unlockFrame(t, 1))
	expectResp(t, conn, 1, protocol.ActionUnlock, true)
}

func TestIntegration_UnlockUnknownSequence(t *testing.T) {
	ts := startServer(t, testConfig(), nil)
	conn := dialRaw(t, ts.addr)
	send(t, conn, unlockFrame(t, 99))
	expectResp(t, conn, 99, protocol.ActionUnlock, false)
}

func TestIntegration_WaiterGrantedOnUnlock(t *testing.T) {
	ts := startServer(t, testConfig(), nil)
	c1 := dialRaw(t, ts.addr)
	c2 := dialRaw(t, ts.addr)

	send(t, c1, lockFrame(t, 1, 1000, 5000, "r"))
	expectResp(t, c1, 1, protocol.ActionLock, true)

	send(t, c2, lockFrame(t, 1, 1000, 0, "r"))
	expectSilence(t, c2, 100*time.Millisecond)

	send(t, c1, unlockFrame(t, 1))
	expectResp(t, c1, 1, protocol.ActionUnlock, true)
	expectResp(t, c2, 1, protocol.ActionLock, true)
}

func TestIntegration_WaiterTimesOut(t *testing.T) {
	ts := startServer(t, testConfig(), nil)
	c1 := dialRaw(t, ts.addr)
	c2 := dialRaw(t, ts.addr)

	send(t, c1, lockFrame(t, 1, 1000, 5000, "r"))
	expectResp(t, c1, 1, protocol.ActionLock, true)

	start := time.Now()
	send(t, c2, lockFrame(t, 1, 100, 0, "r"))
	expectResp(t, c2, 1, protocol.ActionLock, false)
	if el := time.Since(start); el < 80*time.Millisecond {
		t.Fatalf("refused too early: %v", el)
	}
}

func TestIntegration_ZeroWaitFailsImmediately(t *testing.T) {
	ts := startServer(t, testConfig(), nil)
	c1 := dialRaw(t, ts.addr)
	c2 := dialRaw(t, ts.addr)

	send(t, c1, lockFrame(t, 1, 0, 0, "r"))
	expectResp(t, c1, 1, protocol.ActionLock, true)
	send(t, c2, lockFrame(t, 2, 0, 0, "r"))
	expectResp(t, c2, 2, protocol.ActionLock, false)
}

func TestIntegration_HoldTimeoutPromotesWaiter(t *testing.T) {
	ts := startServer(t, testConfig(), nil)
	c1 := dialRaw(t, ts.addr)
	c2 := dialRaw(t, ts.addr)

	send(t, c1, lockFrame(t, 1, 1000, 100, "r"))
	expectResp(t, c1, 1, protocol.ActionLock, true)
	send(t, c2, lockFrame(t, 1, 3000, 0, "r"))
	expectResp(t, c2, 1, protocol.ActionLock, true)

	// The lapsed holder's unlock reports nothing released.
	send(t, c1, unlockFrame(t, 1))
	expectResp(t, c1, 1, protocol.ActionUnlock, false)
}

func TestIntegration_PipelinedFrames(t *testing.T) {
	ts := startServer(t, testConfig(), nil)
	conn := dialRaw(t, ts.addr)

	send(t, conn,
		lockFrame(t, 1, 1000, 0, "a"),
		lockFrame(t, 2, 1000, 0, "b"),
		unlockFrame(t, 1),
	)
	expectResp(t, conn, 1, protocol.ActionLock, true)
	expectResp(t, conn, 2, protocol.ActionLock, true)
	expectResp(t, conn, 1, protocol.ActionUnlock, true)
}

func TestIntegration_SplitFrames(t *testing.T) {
	ts := startServer(t, testConfig(), nil)
	conn := dialRaw(t, ts.addr)

	f := lockFrame(t, 5, 1000, 0, "split-name")
	for _, b := range f {
		send(t, conn, []byte{b})
		time.Sleep(time.Millisecond)
	}
	expectResp(t, conn, 5, protocol.ActionLock, true)
}

func TestIntegration_UnknownActionIgnored(t *testing.T) {
	ts := startServer(t, testConfig(), nil)
	conn := dialRaw(t, ts.addr)

	send(t, conn, frame(t, protocol.Action(9), 1, 0, 0, "x"), lockFrame(t, 2, 1000, 0, "r"))
	expectResp(t, conn, 2, protocol.ActionLock, true)
}

func TestIntegration_SequenceReuseReplaces(t *testing.T) {
	ts := startServer(t, testConfig(), nil)
	c1 := dialRaw(t, ts.addr)
	c2 := dialRaw(t, ts.addr)

	send(t, c1, lockFrame(t, 1, 1000, 0, "a"))
	expectResp(t, c1, 1, protocol.ActionLock, true)
	// Same seq for a different name releases "a".
	send(t, c1, lockFrame(t, 1, 1000, 0, "b"))
	expectResp(t, c1, 1, protocol.ActionLock, true)

	send(t, c2, lockFrame(t, 1, 0, 0, "a"))
	expectResp(t, c2, 1, protocol.ActionLock, true)
}

func TestIntegration_UnlockWithdrawsWaiter(t *testing.T) {
	ts := startServer(t, testConfig(), nil)
	c1 := dialRaw(t, ts.addr)
	c2 := dialRaw(t, ts.addr)

	send(t, c1, lockFrame(t, 1, 1000, 0, "r"))
	expectResp(t, c1, 1, protocol.ActionLock, true)
	send(t, c2, lockFrame(t, 1, 5000, 0, "r"))
	send(t, c2, unlockFrame(t, 1))
	expectResp(t, c2, 1, protocol.ActionUnlock, false)

	send(t, c1, unlockFrame(t, 1))
	expectResp(t, c1, 1, protocol.ActionUnlock, true)
	// The withdrawn waiter is never granted.
	expectSilence(t, c2, 100*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Disconnect
// ---------------------------------------------------------------------------

func TestIntegration_DisconnectReleasesLocks(t *testing.T) {
	ts := startServer(t, testConfig(), nil)
	c1 := dialRaw(t, ts.addr)
	c2 := dialRaw(t, ts.addr)

	send(t, c1, lockFrame(t, 1, 1000, 0, "r"))
	expectResp(t, c1, 1, protocol.ActionLock, true)
	send(t, c2, lockFrame(t, 1, 3000, 0, "r"))

	c1.Close()
	expectResp(t, c2, 1, protocol.ActionLock, true)
}

func TestIntegration_DisconnectDequeuesWaiter(t *testing.T) {
	ts := startServer(t, testConfig(), nil)
	c1 := dialRaw(t, ts.addr)
	c2 := dialRaw(t, ts.addr)
	c3 := dialRaw(t, ts.addr)

	send(t, c1, lockFrame(t, 1, 1000, 0, "r"))
	expectResp(t, c1, 1, protocol.ActionLock, true)
	send(t, c2, lockFrame(t, 1, 5000, 0, "r"))
	time.Sleep(20 * time.Millisecond)
	send(t, c3, lockFrame(t, 1, 5000, 0, "r"))
	time.Sleep(20 * time.Millisecond)

	c2.Close()
	waitFor(t, "session removed", func() bool { return len(ts.srv.LockStatus()) == 2 })
	send(t, c1, unlockFrame(t, 1))
	expectResp(t, c1, 1, protocol.ActionUnlock, true)
	expectResp(t, c3, 1, protocol.ActionLock, true)
}

func TestIntegration_IdleTimeoutDisconnects(t *testing.T) {
	cfg := testConfig()
	cfg.ReadTimeout = 100 * time.Millisecond
	ts := startServer(t, cfg, nil)
	conn := dialRaw(t, ts.addr)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF after idle timeout, got %v", err)
	}
}

func TestIntegration_MaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	ts := startServer(t, cfg, nil)
	c1 := dialRaw(t, ts.addr)
	send(t, c1, lockFrame(t, 1, 0, 0, "r"))
	expectResp(t, c1, 1, protocol.ActionLock, true)

	c2 := dialRaw(t, ts.addr)
	c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c2.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected second connection to be closed")
	}
}

func TestIntegration_TLS(t *testing.T) {
	serverTLS, clientTLS := testutil.SelfSignedTLS(t)
	ts := startServerOn(t, testConfig(), nil, func(ln net.Listener) net.Listener {
		return tls.NewListener(ln, serverTLS)
	})
	conn, err := tls.Dial("tcp", ts.addr, clientTLS)
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	defer conn.Close()
	send(t, conn, lockFrame(t, 1, 1000, 0, "r"))
	expectResp(t, conn, 1, protocol.ActionLock, true)
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

func TestLockStatus(t *testing.T) {
	ts := startServer(t, testConfig(), nil)
	c1 := dialRaw(t, ts.addr)
	c2 := dialRaw(t, ts.addr)

	send(t, c1, frame(t, protocol.ActionInit, 77, 0, 0, ""), lockFrame(t, 1, 1000, 0, "r"))
	expectResp(t, c1, 1, protocol.ActionLock, true)
	send(t, c2, lockFrame(t, 4, 50, 0, "r"))
	expectResp(t, c2, 4, protocol.ActionLock, false)

	st := ts.srv.LockStatus()
	if len(st) != 2 {
		t.Fatalf("connections: %+v", st)
	}
	s1, ok := st[c1.LocalAddr().String()]
	if !ok {
		t.Fatalf("c1 missing from %+v", st)
	}
	if s1.ProcessID != 77 || len(s1.Locks) != 1 {
		t.Fatalf("c1 status: %+v", s1)
	}
	if l := s1.Locks[0]; l.Lock != "r" || l.Acquired == nil || !l.Held || l.Error != "" {
		t.Fatalf("c1 lock: %+v", l)
	}
	s2 := st[c2.LocalAddr().String()]
	if len(s2.Locks) != 1 || s2.Locks[0].Error == "" || s2.Locks[0].Acquired != nil {
		t.Fatalf("c2 status: %+v", s2)
	}
	if s1.Session == "" || s2.Session == "" || s1.Session == s2.Session {
		t.Fatalf("session ids: %q %q", s1.Session, s2.Session)
	}
}

// ---------------------------------------------------------------------------
// Snapshot and recovery
// ---------------------------------------------------------------------------

func readDoc(t *testing.T, ts *testServer) snapshot.Document {
	t.Helper()
	doc, err := ts.bridge.Document(context.Background())
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	return doc
}

func TestSnapshot_WrittenAndDroppedOnDisconnect(t *testing.T) {
	ts := startServer(t, testConfig(), snapshot.NewMemory())
	conn := dialRaw(t, ts.addr)

	// No INIT: pid 0 has nothing to reclaim later.
	send(t, conn, lockFrame(t, 1, 1000, 30000, "r"))
	expectResp(t, conn, 1, protocol.ActionLock, true)

	id := snapshot.Identity("127.0.0.1", 0)
	waitFor(t, "snapshot entry", func() bool {
		recs := readDoc(t, ts)[id]
		return len(recs) == 1 && recs[0].Held()
	})
	rec := readDoc(t, ts)[id][0]
	if rec.Name != "r" || rec.Sequence != 1 || rec.Wait != 1000 || rec.Timeout != 30000 {
		t.Fatalf("record: %+v", rec)
	}

	conn.Close()
	waitFor(t, "snapshot entry dropped", func() bool {
		_, ok := readDoc(t, ts)[id]
		return !ok
	})
}

func TestSnapshot_UnlockRemovesRecord(t *testing.T) {
	ts := startServer(t, testConfig(), snapshot.NewMemory())
	conn := dialRaw(t, ts.addr)

	send(t, conn, frame(t, protocol.ActionInit, 5, 0, 0, ""), lockFrame(t, 1, 1000, 0, "r"))
	expectResp(t, conn, 1, protocol.ActionLock, true)
	send(t, conn, unlockFrame(t, 1))
	expectResp(t, conn, 1, protocol.ActionUnlock, true)

	waitFor(t, "record removed", func() bool {
		return len(readDoc(t, ts)[snapshot.Identity("127.0.0.1", 5)]) == 0
	})
}

// seedStore returns a memory store holding doc, as a previous run would
// have left it.
func seedStore(t *testing.T, doc snapshot.Document) *snapshot.Memory {
	t.Helper()
	mem := snapshot.NewMemory()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	mem.Write(context.Background(), data)
	return mem
}

func TestReplay_HeldSilentWaitingAnswered(t *testing.T) {
	now := time.Now().UnixMilli()
	store := seedStore(t, snapshot.Document{
		snapshot.Identity("127.0.0.1", 7): {
			{Name: "held", Sequence: 1, Wait: 1000, Timeout: 60000, Request: now, Acquired: now},
			{Name: "waiting", Sequence: 2, Wait: 60000, Request: now},
		},
	})
	ts := startServer(t, testConfig(), store)
	conn := dialRaw(t, ts.addr)

	send(t, conn, frame(t, protocol.ActionCont, 7, 0, 0, ""))
	// Only the previously-waiting request is answered.
	expectResp(t, conn, 2, protocol.ActionLock, true)
	expectSilence(t, conn, 100*time.Millisecond)

	// The replayed held lock is really held.
	other := dialRaw(t, ts.addr)
	send(t, other, lockFrame(t, 1, 0, 0, "held"))
	expectResp(t, other, 1, protocol.ActionLock, false)

	send(t, conn, unlockFrame(t, 1))
	expectResp(t, conn, 1, protocol.ActionUnlock, true)
}

func TestReplay_LapsedLeaseSkipped(t *testing.T) {
	past := time.Now().Add(-time.Minute).UnixMilli()
	store := seedStore(t, snapshot.Document{
		snapshot.Identity("127.0.0.1", 7): {
			{Name: "old", Sequence: 1, Wait: 1000, Timeout: 5000, Request: past, Acquired: past},
		},
	})
	ts := startServer(t, testConfig(), store)
	conn := dialRaw(t, ts.addr)

	send(t, conn, frame(t, protocol.ActionCont, 7, 0, 0, ""), unlockFrame(t, 1))
	expectResp(t, conn, 1, protocol.ActionUnlock, false)
}

func TestReplay_UnknownIdentityReplaysNothing(t *testing.T) {
	ts := startServer(t, testConfig(), snapshot.NewMemory())
	conn := dialRaw(t, ts.addr)
	send(t, conn, frame(t, protocol.ActionCont, 3, 0, 0, ""))
	expectSilence(t, conn, 100*time.Millisecond)
}

func TestReplay_OrphansKeptUntilClaimed(t *testing.T) {
	now := time.Now().UnixMilli()
	store := seedStore(t, snapshot.Document{
		"10.9.9.9/1": {
			{Name: "theirs", Sequence: 1, Wait: 1000, Timeout: 0, Request: now, Acquired: now},
		},
		snapshot.Identity("127.0.0.1", 7): {
			{Name: "mine", Sequence: 1, Wait: 1000, Timeout: 0, Request: now, Acquired: now},
		},
	})
	ts := startServer(t, testConfig(), store)
	conn := dialRaw(t, ts.addr)

	// A fresh start from 127.0.0.1/7 supersedes its recovered entry, and an
	// unrelated save keeps the other client's entry.
	send(t, conn, frame(t, protocol.ActionInit, 7, 0, 0, ""), lockFrame(t, 9, 1000, 0, "new"))
	expectResp(t, conn, 9, protocol.ActionLock, true)

	waitFor(t, "snapshot rewritten", func() bool {
		doc := readDoc(t, ts)
		mine := doc[snapshot.Identity("127.0.0.1", 7)]
		return len(mine) == 1 && mine[0].Name == "new"
	})
	if theirs := readDoc(t, ts)["10.9.9.9/1"]; len(theirs) != 1 {
		t.Fatalf("orphan entry lost: %+v", readDoc(t, ts))
	}
}

func TestReplay_ReconnectReclaimsHeldLock(t *testing.T) {
	ts := startServer(t, testConfig(), snapshot.NewMemory())
	first := dialRaw(t, ts.addr)
	send(t, first, frame(t, protocol.ActionInit, 77, 0, 0, ""), lockFrame(t, 1, 1000, 60000, "r"))
	expectResp(t, first, 1, protocol.ActionLock, true)
	first.Close()

	id := snapshot.Identity("127.0.0.1", 77)
	waitFor(t, "entry kept after disconnect", func() bool {
		recs := readDoc(t, ts)[id]
		return len(recs) == 1 && recs[0].Held() && recs[0].Timeout == 60000
	})

	second := dialRaw(t, ts.addr)
	send(t, second, frame(t, protocol.ActionCont, 77, 0, 0, ""))
	expectSilence(t, second, 100*time.Millisecond)

	other := dialRaw(t, ts.addr)
	send(t, other, lockFrame(t, 1, 0, 0, "r"))
	expectResp(t, other, 1, protocol.ActionLock, false)

	// Exactly one entry for the identity: the live session's.
	waitFor(t, "single entry after reclaim", func() bool { return len(readDoc(t, ts)[id]) == 1 })

	send(t, second, unlockFrame(t, 1))
	expectResp(t, second, 1, protocol.ActionUnlock, true)
}

func TestReplay_DisconnectedEntryExpires(t *testing.T) {
	ts := startServer(t, testConfig(), snapshot.NewMemory())
	conn := dialRaw(t, ts.addr)
	send(t, conn, frame(t, protocol.ActionInit, 8, 0, 0, ""), lockFrame(t, 1, 1000, 200, "short"))
	expectResp(t, conn, 1, protocol.ActionLock, true)
	conn.Close()

	id := snapshot.Identity("127.0.0.1", 8)
	waitFor(t, "entry kept after disconnect", func() bool { return len(readDoc(t, ts)[id]) == 1 })

	// Any later save drops the entry once its lease has run out.
	time.Sleep(250 * time.Millisecond)
	other := dialRaw(t, ts.addr)
	send(t, other, lockFrame(t, 1, 1000, 0, "unrelated"))
	expectResp(t, other, 1, protocol.ActionLock, true)
	waitFor(t, "expired entry dropped", func() bool {
		_, ok := readDoc(t, ts)[id]
		return !ok
	})
}

func TestReplay_HeldNotReacquiredStaysSilent(t *testing.T) {
	now := time.Now().UnixMilli()
	store := seedStore(t, snapshot.Document{
		snapshot.Identity("127.0.0.1", 7): {
			{Name: "held", Sequence: 1, Wait: 1, Timeout: 60000, Request: now - 50, Acquired: now - 50},
		},
	})
	ts := startServer(t, testConfig(), store)

	thief := dialRaw(t, ts.addr)
	send(t, thief, lockFrame(t, 1, 1000, 0, "held"))
	expectResp(t, thief, 1, protocol.ActionLock, true)

	conn := dialRaw(t, ts.addr)
	send(t, conn, frame(t, protocol.ActionCont, 7, 0, 0, ""))
	// The client believes it holds the lock; no LOCK reply of either kind.
	expectSilence(t, conn, 150*time.Millisecond)

	waitFor(t, "failure visible in status", func() bool {
		cs := ts.srv.LockStatus()[conn.LocalAddr().String()]
		return len(cs.Locks) == 1 && cs.Locks[0].Sequence == 1 && cs.Locks[0].Error != ""
	})
	send(t, conn, unlockFrame(t, 1))
	expectResp(t, conn, 1, protocol.ActionUnlock, false)
}

func TestShutdown_KeepsSnapshot(t *testing.T) {
	mem := snapshot.NewMemory()
	ts := startServer(t, testConfig(), mem)
	conn := dialRaw(t, ts.addr)

	send(t, conn, frame(t, protocol.ActionInit, 5, 0, 0, ""), lockFrame(t, 1, 1000, 0, "r"))
	expectResp(t, conn, 1, protocol.ActionLock, true)
	id := snapshot.Identity("127.0.0.1", 5)
	waitFor(t, "snapshot entry", func() bool { return len(readDoc(t, ts)[id]) == 1 })

	ts.stop()
	if len(readDoc(t, ts)[id]) != 1 {
		t.Fatal("graceful shutdown must keep the snapshot for the next run")
	}
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRun_RequiresCertAndKey(t *testing.T) {
	cfg := testConfig()
	cfg.TLSCert = "cert.pem"
	srv := New(lock.NewManager(cfg, testLogger()), nil, cfg, testLogger())
	if err := srv.Run(context.Background()); err == nil {
		t.Fatal("expected error with cert but no key")
	}
}

func TestRun_TLSFromFiles(t *testing.T) {
	certFile, keyFile, clientTLS := testutil.SelfSignedFiles(t)
	cfg := testConfig()
	cfg.Port = freePort(t)
	cfg.TLSCert = certFile
	cfg.TLSKey = keyFile
	log := testLogger()
	srv := New(lock.NewManager(cfg, log), nil, cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	addr := net.JoinHostPort("127.0.0.1", fmt.Sprint(cfg.Port))
	var conn *tls.Conn
	waitFor(t, "tls listener", func() bool {
		c, err := tls.Dial("tcp", addr, clientTLS)
		if err != nil {
			return false
		}
		conn = c
		return true
	})
	defer conn.Close()
	send(t, conn, lockFrame(t, 1, 1000, 0, "r"))
	expectResp(t, conn, 1, protocol.ActionLock, true)
}
