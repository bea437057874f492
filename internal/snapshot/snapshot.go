// Package snapshot persists the lock requests of every live connection so a
// restarted client can reclaim them after reconnecting.
package snapshot

import (
	"strconv"
	"time"
)

// Record is one lock request of a connection. Wait and Timeout are budgets
// in milliseconds; Request and Acquired are Unix milliseconds.
type Record struct {
	Name     string `json:"name"`
	Sequence uint32 `json:"sequence"`
	Wait     uint32 `json:"wait"`
	Timeout  uint32 `json:"timeout"`
	Request  int64  `json:"request"`
	Acquired int64  `json:"acquired,omitempty"`

	// Lapsed is set by Load when a held record's lease ran out while the
	// client was away.
	Lapsed bool `json:"-"`
}

// Held reports whether the lock had been granted when the record was saved.
func (r Record) Held() bool { return r.Acquired != 0 }

// Expired reports whether nothing of the record is left to reclaim at now: a
// waiting record whose wait budget ran out, or a held record whose lease
// lapsed.
func (r Record) Expired(now time.Time) bool {
	if r.Held() {
		return r.Timeout > 0 && remaining(r.Request, r.Timeout, now) == 0
	}
	return remaining(r.Request, r.Wait, now) == 0
}

// Document maps a connection identity to its lock requests.
type Document map[string][]Record

// Identity is the document key for a client: remote address (without port)
// and the process ID it announced.
func Identity(address string, pid uint32) string {
	return address + "/" + strconv.FormatUint(uint64(pid), 10)
}

// UnixMilli converts t for storage in a Record.
func UnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Partition splits records into previously-held and still-waiting ones,
// preserving order within each group.
func Partition(records []Record) (held, waiting []Record) {
	for _, r := range records {
		if r.Held() {
			held = append(held, r)
		} else {
			waiting = append(waiting, r)
		}
	}
	return held, waiting
}

// remaining returns what is left of a budget of budgetMS milliseconds that
// started at startMS, as of now. A zero budget stays zero.
func remaining(startMS int64, budgetMS uint32, now time.Time) uint32 {
	if budgetMS == 0 {
		return 0
	}
	left := startMS + int64(budgetMS) - now.UnixMilli()
	if left <= 0 {
		return 0
	}
	if left > int64(budgetMS) {
		return budgetMS
	}
	return uint32(left)
}
