// Package client provides a Go client for the lockerd lock server.
//
// Requests are pipelined over one connection: LOCK responses arrive in the
// order locks are granted or refused, not the order they were asked for, so
// a reader goroutine routes each response to the caller waiting on its
// (sequence, action) pair.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mtingers/lockerd/internal/protocol"
)

// Sentinel errors returned by client operations.
var (
	ErrClosed      = errors.New("lockerd: connection closed")
	ErrPending     = errors.New("lockerd: request with this sequence already in flight")
	ErrNameTooLong = errors.New("lockerd: lock name longer than 255 bytes")
)

// Response is one response frame from the server.
type Response = protocol.Response

// Actions carried by responses.
const (
	ActionLock   = protocol.ActionLock
	ActionUnlock = protocol.ActionUnlock
)

// DefaultDialTimeout is the default timeout for establishing a TCP connection.
const DefaultDialTimeout = 10 * time.Second

// defaultKeepAlive is the interval between TCP keepalive probes.
const defaultKeepAlive = 30 * time.Second

// Option configures a connection.
type Option func(*options)

type options struct {
	tlsConfig   *tls.Config
	dialTimeout time.Duration
	unsolicited func(Response)
}

// WithTLS dials with TLS using cfg.
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

// WithDialTimeout overrides DefaultDialTimeout.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithUnsolicited registers fn for responses nobody is waiting for, such as
// the answers to requests the server replays after Cont. fn runs on the
// reader goroutine and must not block.
func WithUnsolicited(fn func(Response)) Option {
	return func(o *options) { o.unsolicited = fn }
}

type key struct {
	seq    uint32
	action protocol.Action
}

// Conn is a connection to a lockerd server. It is safe for concurrent use.
type Conn struct {
	conn        net.Conn
	unsolicited func(Response)

	wmu sync.Mutex // serializes frame writes

	mu      sync.Mutex
	waiters map[key]chan bool
	err     error
	done    chan struct{}
}

// Dial connects to a lockerd server at addr (host:port).
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	o := options{dialTimeout: DefaultDialTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	dialer := &net.Dialer{
		Timeout:   o.dialTimeout,
		KeepAlive: defaultKeepAlive,
	}
	var (
		conn net.Conn
		err  error
	)
	if o.tlsConfig != nil {
		td := &tls.Dialer{NetDialer: dialer, Config: o.tlsConfig}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	c := &Conn{
		conn:        conn,
		unsolicited: o.unsolicited,
		waiters:     make(map[key]chan bool),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close closes the connection. The server releases every lock the
// connection held or waited for.
func (c *Conn) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed once the connection has ended.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) readLoop() {
	buf := make([]byte, protocol.ResponseSize)
	var err error
	for {
		if _, err = io.ReadFull(c.conn, buf); err != nil {
			break
		}
		resp, derr := protocol.DecodeResponse(buf)
		if derr != nil {
			err = derr
			break
		}
		k := key{seq: resp.Sequence, action: resp.Action}
		c.mu.Lock()
		ch, ok := c.waiters[k]
		if ok {
			delete(c.waiters, k)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp.OK
		} else if c.unsolicited != nil {
			c.unsolicited(resp)
		}
	}

	c.mu.Lock()
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		err = ErrClosed
	}
	c.err = err
	c.waiters = make(map[key]chan bool)
	c.mu.Unlock()
	close(c.done)
}

// send writes one request frame.
func (c *Conn) send(req protocol.Request) error {
	frame, err := protocol.AppendRequest(nil, req)
	if err != nil {
		return ErrNameTooLong
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("lockerd: write: %w", err)
	}
	return nil
}

// roundTrip sends req and waits for its (sequence, action) response.
func (c *Conn) roundTrip(ctx context.Context, req protocol.Request) (bool, error) {
	k := key{seq: req.Sequence, action: req.Action}
	ch := make(chan bool, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return false, err
	}
	if _, busy := c.waiters[k]; busy {
		c.mu.Unlock()
		return false, ErrPending
	}
	c.waiters[k] = ch
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		c.forget(k, ch)
		return false, err
	}

	select {
	case ok := <-ch:
		return ok, nil
	case <-c.done:
		select {
		case ok := <-ch:
			return ok, nil
		default:
		}
		return false, c.Err()
	case <-ctx.Done():
		c.forget(k, ch)
		return false, ctx.Err()
	}
}

func (c *Conn) forget(k key, ch chan bool) {
	c.mu.Lock()
	if c.waiters[k] == ch {
		delete(c.waiters, k)
	}
	c.mu.Unlock()
}

// Init announces the client's process ID. The server answers nothing.
func (c *Conn) Init(pid uint32) error {
	return c.send(protocol.Request{Action: protocol.ActionInit, Sequence: pid})
}

// Cont announces the client's process ID and asks the server to re-issue the
// lock requests it saved for this address and pid. Grants of locks that were
// already held are not reported again; answers for requests that were still
// waiting go to the WithUnsolicited hook.
func (c *Conn) Cont(pid uint32) error {
	return c.send(protocol.Request{Action: protocol.ActionCont, Sequence: pid})
}

// Lock asks for name under sequence number seq, waiting at most wait for it
// and holding it for at most hold (0 = until Unlock or disconnect). It
// reports whether the lock was granted. If ctx ends first the request stays
// outstanding on the server; call Unlock(seq) to withdraw it.
func (c *Conn) Lock(ctx context.Context, seq uint32, name string, wait, hold time.Duration) (bool, error) {
	return c.roundTrip(ctx, protocol.Request{
		Action:   protocol.ActionLock,
		Sequence: seq,
		Wait:     protocol.MillisFromDuration(wait),
		Timeout:  protocol.MillisFromDuration(hold),
		Name:     name,
	})
}

// Unlock releases the lock requested under seq. It reports true only if the
// lock was held; a request still waiting is withdrawn and false returned.
func (c *Conn) Unlock(ctx context.Context, seq uint32) (bool, error) {
	return c.roundTrip(ctx, protocol.Request{Action: protocol.ActionUnlock, Sequence: seq})
}
