// Package authlog records authentication decisions.
//
// The log is append-only: records are never updated or deduplicated, since
// repeated identical rejects are themselves a signal worth keeping.
package authlog

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codelaboratoryltd/acctd/pkg/acct"
)

// Query selects auth records. Empty fields impose no constraint.
type Query struct {
	// Username matches case-insensitively as a substring.
	Username  string
	Reply     acct.Reply
	StartTime time.Time
	EndTime   time.Time
	Offset    int
	Limit     int
}

// Matches reports whether rec satisfies every field of q.
func (q *Query) Matches(rec *acct.AuthRecord) bool {
	if q.Username != "" && !strings.Contains(strings.ToLower(rec.Username), strings.ToLower(q.Username)) {
		return false
	}
	if q.Reply != "" && rec.Reply != q.Reply {
		return false
	}
	if !q.StartTime.IsZero() && rec.Timestamp.Before(q.StartTime) {
		return false
	}
	if !q.EndTime.IsZero() && rec.Timestamp.After(q.EndTime) {
		return false
	}
	return true
}

// Config configures a Recorder.
type Config struct {
	// MaxRecords bounds the in-memory window. Older records leave the
	// window but are not otherwise affected; durable retention is handled
	// by the storage layer.
	MaxRecords int
}

// DefaultConfig returns the default recorder configuration.
func DefaultConfig() Config {
	return Config{MaxRecords: 100000}
}

// Recorder keeps the most recent auth records ordered by timestamp.
type Recorder struct {
	mu      sync.RWMutex
	max     int
	byTime  []*acct.AuthRecord
	total   uint64
	rejects uint64
}

// New creates a recorder.
func New(cfg Config) *Recorder {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = DefaultConfig().MaxRecords
	}
	return &Recorder{max: cfg.MaxRecords}
}

// Record appends a record and returns the stored copy. A missing id is
// assigned.
func (r *Recorder) Record(rec acct.AuthRecord) *acct.AuthRecord {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	stored := &rec

	r.mu.Lock()
	defer r.mu.Unlock()

	// Records nearly always arrive in order, so this is an append.
	i := sort.Search(len(r.byTime), func(i int) bool {
		return r.byTime[i].Timestamp.After(stored.Timestamp)
	})
	r.byTime = append(r.byTime, nil)
	copy(r.byTime[i+1:], r.byTime[i:])
	r.byTime[i] = stored

	if len(r.byTime) > r.max {
		drop := len(r.byTime) - r.max
		clear(r.byTime[:drop])
		r.byTime = r.byTime[drop:]
	}

	r.total++
	if stored.Reply == acct.ReplyReject {
		r.rejects++
	}

	copied := *stored
	return &copied
}

// Query returns one page of matching records, newest first, together with
// the number of matches.
func (r *Recorder) Query(q *Query) ([]acct.AuthRecord, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []acct.AuthRecord
	for i := len(r.byTime) - 1; i >= 0; i-- {
		if q.Matches(r.byTime[i]) {
			matched = append(matched, *r.byTime[i])
		}
	}

	total := len(matched)
	if q.Offset >= total {
		return []acct.AuthRecord{}, total
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, total
}

// Count returns the number of records in the window.
func (r *Recorder) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTime)
}

// Stats holds recorder counters since start.
type Stats struct {
	Recorded uint64 `json:"recorded"`
	Rejects  uint64 `json:"rejects"`
	Window   int    `json:"window"`
}

// Stats returns recorder counters.
func (r *Recorder) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Recorded: r.total, Rejects: r.rejects, Window: len(r.byTime)}
}
