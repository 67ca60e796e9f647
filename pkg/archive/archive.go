// Package archive keeps a bounded window of recently closed sessions for
// connection reports. Durable history lives in the PostgreSQL store.
package archive

import (
	"strings"
	"sync"
	"time"

	"github.com/codelaboratoryltd/acctd/pkg/ledger"
)

// Filter selects closed sessions. Empty fields impose no constraint.
type Filter struct {
	// NASID matches either the NAS-Identifier or the NAS IP.
	NASID string
	// Username matches case-insensitively as a substring.
	Username string
	// From and To bound the session start time, inclusive.
	From time.Time
	To   time.Time
}

// Match reports whether s satisfies every field of f.
func (f Filter) Match(s *ledger.Snapshot) bool {
	if f.NASID != "" && s.NASID != f.NASID && s.NASIP != f.NASID {
		return false
	}
	if f.Username != "" && !strings.Contains(strings.ToLower(s.Username), strings.ToLower(f.Username)) {
		return false
	}
	if !f.From.IsZero() && s.StartTime.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && s.StartTime.After(f.To) {
		return false
	}
	return true
}

// DefaultCapacity is the window size used when none is configured.
const DefaultCapacity = 100000

// Archive is a ring of closed sessions in close order.
type Archive struct {
	mu    sync.RWMutex
	ring  []ledger.Snapshot
	next  int
	full  bool
	total uint64
}

// New creates an archive holding up to capacity sessions.
func New(capacity int) *Archive {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Archive{ring: make([]ledger.Snapshot, capacity)}
}

// Add appends closed sessions, evicting the oldest when full.
func (a *Archive) Add(sessions ...ledger.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range sessions {
		a.ring[a.next] = s
		a.next = (a.next + 1) % len(a.ring)
		if a.next == 0 {
			a.full = true
		}
		a.total++
	}
}

// Len returns the number of sessions in the window.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.full {
		return len(a.ring)
	}
	return a.next
}

// Total returns the number of sessions ever added.
func (a *Archive) Total() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.total
}

// List returns one page of matching sessions, most recently closed first,
// together with the number of matches.
func (a *Archive) List(f Filter, offset, limit int) ([]ledger.Snapshot, int) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	n := a.next
	if a.full {
		n = len(a.ring)
	}

	out := []ledger.Snapshot{}
	total := 0
	for i := 0; i < n; i++ {
		idx := (a.next - 1 - i + len(a.ring)) % len(a.ring)
		s := &a.ring[idx]
		if !f.Match(s) {
			continue
		}
		if total >= offset && (limit <= 0 || len(out) < limit) {
			out = append(out, *s)
		}
		total++
	}
	return out, total
}
