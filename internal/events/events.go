package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
)

// Event is one lock state transition.
type Event struct {
	Kind string    `json:"kind"`
	Name string    `json:"name"`
	Time time.Time `json:"time"`
}

// Subscriber receives events for lock names matching Pattern.
type Subscriber struct {
	ID      uint64
	Pattern string     // exact name or wildcard pattern (*, >)
	Ch      chan Event // delivery channel; never blocked on
	Cancel  func()     // called when Ch is full (slow consumer)
}

type subEntry struct {
	pattern string
	isWild  bool
}

// SubInfo holds stats about a subscription pattern.
type SubInfo struct {
	Pattern     string `json:"pattern"`
	Subscribers int    `json:"subscribers"`
}

// Sink forwards events out of process.
type Sink interface {
	Publish(ev Event) error
}

// Bus fans lock events out to in-process subscribers and an optional sink.
// It satisfies lock.Notifier.
type Bus struct {
	mu        sync.RWMutex
	exact     map[string]map[uint64]*Subscriber // name → subscriber ID → subscriber
	wildcards []*Subscriber
	bySub     map[uint64][]subEntry // reverse index for cleanup

	sink Sink
	log  *slog.Logger
}

// NewBus creates a bus. sink may be nil.
func NewBus(sink Sink, log *slog.Logger) *Bus {
	return &Bus{
		exact: make(map[string]map[uint64]*Subscriber),
		bySub: make(map[uint64][]subEntry),
		sink:  sink,
		log:   log,
	}
}

// isWildPattern returns true if the pattern contains wildcard tokens.
func isWildPattern(pattern string) bool {
	return strings.Contains(pattern, "*") || strings.Contains(pattern, ">")
}

// validatePattern checks that ">" only appears as the final token and
// that "*" only appears as a whole token (not as a substring like "c*").
func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	tokens := strings.Split(pattern, ".")
	for i, t := range tokens {
		if t == ">" && i != len(tokens)-1 {
			return fmt.Errorf("'>' must be the last token in pattern")
		}
		if strings.Contains(t, "*") && t != "*" {
			return fmt.Errorf("'*' must be an entire dot-separated token, got %q", t)
		}
		if strings.Contains(t, ">") && t != ">" {
			return fmt.Errorf("'>' must be an entire dot-separated token, got %q", t)
		}
	}
	return nil
}

// matchPattern checks if a lock name matches a pattern.
func matchPattern(pattern, name string) bool {
	patTokens := strings.Split(pattern, ".")
	nameTokens := strings.Split(name, ".")
	for i, pt := range patTokens {
		if pt == ">" {
			return i < len(nameTokens) // ">" matches 1+ remaining tokens
		}
		if i >= len(nameTokens) {
			return false
		}
		if pt != "*" && pt != nameTokens[i] {
			return false
		}
	}
	return len(patTokens) == len(nameTokens)
}

// Subscribe registers s. A duplicate (ID, pattern) is ignored.
func (b *Bus) Subscribe(s *Subscriber) error {
	if err := validatePattern(s.Pattern); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.bySub[s.ID] {
		if e.pattern == s.Pattern {
			return nil
		}
	}

	wild := isWildPattern(s.Pattern)
	if wild {
		b.wildcards = append(b.wildcards, s)
	} else {
		subs, ok := b.exact[s.Pattern]
		if !ok {
			subs = make(map[uint64]*Subscriber)
			b.exact[s.Pattern] = subs
		}
		subs[s.ID] = s
	}
	b.bySub[s.ID] = append(b.bySub[s.ID], subEntry{pattern: s.Pattern, isWild: wild})
	return nil
}

// Unsubscribe removes every pattern registered under id.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.bySub[id] {
		if e.isWild {
			for i, s := range b.wildcards {
				if s.ID == id && s.Pattern == e.pattern {
					b.wildcards = append(b.wildcards[:i], b.wildcards[i+1:]...)
					break
				}
			}
			continue
		}
		if subs, ok := b.exact[e.pattern]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.exact, e.pattern)
			}
		}
	}
	delete(b.bySub, id)
}

// Notify delivers a lock event. It never blocks: slow subscribers are
// cancelled and sink failures are logged.
func (b *Bus) Notify(kind, name string) {
	ev := Event{Kind: kind, Name: name, Time: time.Now()}

	b.mu.RLock()
	// A subscriber matching both an exact and a wildcard pattern gets one copy.
	delivered := make(map[uint64]struct{})
	deliver := func(s *Subscriber) {
		if _, already := delivered[s.ID]; already {
			return
		}
		delivered[s.ID] = struct{}{}
		select {
		case s.Ch <- ev:
		default:
			if s.Cancel != nil {
				s.Cancel()
			}
		}
	}
	for _, s := range b.exact[name] {
		deliver(s)
	}
	for _, s := range b.wildcards {
		if matchPattern(s.Pattern, name) {
			deliver(s)
		}
	}
	b.mu.RUnlock()

	if b.sink != nil {
		if err := b.sink.Publish(ev); err != nil {
			b.log.Warn("event sink publish failed", "kind", kind, "name", name, "err", err)
		}
	}
}

// Stats returns subscriber counts per pattern, sorted by pattern.
func (b *Bus) Stats() []SubInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []SubInfo{}
	for name, subs := range b.exact {
		result = append(result, SubInfo{Pattern: name, Subscribers: len(subs)})
	}
	wildCounts := make(map[string]int)
	for _, s := range b.wildcards {
		wildCounts[s.Pattern]++
	}
	for pat, count := range wildCounts {
		result = append(result, SubInfo{Pattern: pat, Subscribers: count})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Pattern < result[j].Pattern })
	return result
}

// NATSSink publishes events as JSON on "<subject>.<kind>".
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink returns a sink publishing on conn under subject.
func NewNATSSink(conn *nats.Conn, subject string) *NATSSink {
	return &NATSSink{conn: conn, subject: subject}
}

// Subject returns the subject an event of kind is published on.
func (s *NATSSink) Subject(kind string) string {
	return s.subject + "." + kind
}

func (s *NATSSink) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.Subject(ev.Kind), data)
}

// ConnectNATS dials url with reconnects enabled for the life of the process.
func ConnectNATS(url string, log *slog.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("lockerd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
}
