// Package ledger keeps the authoritative set of live accounting sessions.
//
// Sessions are partitioned by a hash of their session id. Each partition has
// its own lock, so events for unrelated sessions never contend while events
// for one session are applied one at a time.
package ledger

import (
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/codelaboratoryltd/acctd/pkg/acct"
)

var (
	// ErrStaleUpdate is returned for an event that arrived out of order and
	// cannot be applied without moving counters backwards.
	ErrStaleUpdate = errors.New("stale update")

	// ErrInvalidEvent is returned for events the ledger cannot key.
	ErrInvalidEvent = errors.New("invalid accounting event")
)

// Config configures a Ledger.
type Config struct {
	// Partitions is the number of independently locked partitions.
	Partitions int

	// TombstoneTTL is how long a closed session id keeps rejecting late
	// Interim-Update and Stop events.
	TombstoneTTL time.Duration

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the default ledger configuration.
func DefaultConfig() Config {
	return Config{
		Partitions:   64,
		TombstoneTTL: time.Hour,
		Clock:        time.Now,
	}
}

// Ledger is the sharded live-session map.
type Ledger struct {
	shards []*shard
	ttl    time.Duration
	clock  func() time.Time
	live   atomic.Int64
}

type shard struct {
	mu    sync.Mutex
	live  map[string]*Snapshot
	tombs map[string]tombstone
}

type tombstone struct {
	session Snapshot
	expires time.Time
}

// New creates a ledger.
func New(cfg Config) *Ledger {
	defaults := DefaultConfig()
	if cfg.Partitions <= 0 {
		cfg.Partitions = defaults.Partitions
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = defaults.TombstoneTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}

	l := &Ledger{
		shards: make([]*shard, cfg.Partitions),
		ttl:    cfg.TombstoneTTL,
		clock:  cfg.Clock,
	}
	for i := range l.shards {
		l.shards[i] = &shard{
			live:  make(map[string]*Snapshot),
			tombs: make(map[string]tombstone),
		}
	}
	return l
}

func (l *Ledger) shardFor(sessionID string) *shard {
	return l.shards[xxhash.Sum64String(sessionID)%uint64(len(l.shards))]
}

// Apply applies one session event.
//
// Redelivery of an identical event is reported as Result.Duplicate and
// leaves the ledger unchanged. Out-of-order events that would move counters
// backwards return ErrStaleUpdate.
func (l *Ledger) Apply(ev *acct.AccountingEvent) (*Result, error) {
	if ev == nil {
		return nil, ErrInvalidEvent
	}
	if !ev.Type.IsSession() {
		return nil, fmt.Errorf("%w: %s is not a session event", ErrInvalidEvent, ev.Type)
	}
	if ev.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session id", ErrInvalidEvent)
	}

	sh := l.shardFor(ev.SessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur := sh.live[ev.SessionID]

	switch ev.Type {
	case acct.EventStart:
		return l.start(sh, cur, ev)
	case acct.EventInterimUpdate:
		return l.interim(sh, cur, ev)
	case acct.EventStop:
		return l.stop(sh, cur, ev)
	default:
		return nil, fmt.Errorf("%w: unhandled type %s", ErrInvalidEvent, ev.Type)
	}
}

func (l *Ledger) start(sh *shard, cur *Snapshot, ev *acct.AccountingEvent) (*Result, error) {
	if cur == nil {
		if t, ok := l.tombstone(sh, ev.SessionID); ok && !ev.Timestamp.After(*t.session.StopTime) {
			if ev.Timestamp.Equal(t.session.StartTime) {
				return &Result{Session: t.session.clone(), Duplicate: true}, nil
			}
			return nil, fmt.Errorf("%w: start for session closed at %s", ErrStaleUpdate, t.session.StopTime.Format(time.RFC3339))
		}
		return l.open(sh, ev, false), nil
	}

	if ev.Timestamp.Equal(cur.StartTime) {
		return &Result{Session: cur.clone(), Duplicate: true}, nil
	}
	if ev.Timestamp.Before(cur.LastUpdate) {
		if cur.StartReconstructed && ev.Timestamp.Before(cur.StartTime) {
			return l.backfillStart(cur, ev), nil
		}
		return nil, fmt.Errorf("%w: start older than last update", ErrStaleUpdate)
	}

	// A second Start means the NAS reused the id after a restart.
	prior := l.close(sh, cur, cur.LastUpdate, acct.CauseDuplicateStart)
	res := l.open(sh, ev, false)
	res.Superseded = &prior
	return res, nil
}

func (l *Ledger) interim(sh *shard, cur *Snapshot, ev *acct.AccountingEvent) (*Result, error) {
	if cur == nil {
		if _, ok := l.tombstone(sh, ev.SessionID); ok {
			return nil, fmt.Errorf("%w: interim for closed session", ErrStaleUpdate)
		}
		return l.open(sh, ev, true), nil
	}

	if ev.Timestamp.Equal(cur.LastUpdate) && cur.countersEqual(ev) {
		return &Result{Session: cur.clone(), Duplicate: true}, nil
	}

	before := cur.Duration()
	var d Delta

	if ev.Timestamp.After(cur.LastUpdate) {
		d.Input, d.Output = cur.updateCounters(ev)
		cur.LastUpdate = ev.Timestamp
		cur.absorb(ev)
	} else {
		// An older update only counts for its counters.
		if !cur.countersMonotonic(ev) {
			return nil, fmt.Errorf("%w: counters below stored values", ErrStaleUpdate)
		}
		next := *cur
		d.Input, d.Output = next.updateCounters(ev)
		if d.Input == 0 && d.Output == 0 {
			return &Result{Session: cur.clone(), Duplicate: true}, nil
		}
		cur.Input, cur.Output = next.Input, next.Output
	}

	cur.LastSeen = l.clock()
	cur.Seq++
	d.Seconds = secondsBetween(before, cur.Duration())

	return &Result{Session: cur.clone(), Delta: d}, nil
}

func (l *Ledger) stop(sh *shard, cur *Snapshot, ev *acct.AccountingEvent) (*Result, error) {
	if cur == nil {
		if t, ok := l.tombstone(sh, ev.SessionID); ok {
			if ev.Timestamp.Equal(*t.session.StopTime) {
				return &Result{Session: t.session.clone(), Duplicate: true}, nil
			}
			return nil, fmt.Errorf("%w: stop for closed session", ErrStaleUpdate)
		}

		res := l.open(sh, ev, true)
		s := sh.live[ev.SessionID]
		res.Session = l.close(sh, s, ev.Timestamp, ev.TerminateCause)
		res.Closed = true
		return res, nil
	}

	before := cur.Duration()
	var d Delta

	if ev.Timestamp.After(cur.LastUpdate) {
		d.Input, d.Output = cur.updateCounters(ev)
		cur.LastUpdate = ev.Timestamp
		cur.absorb(ev)
	} else if cur.countersMonotonic(ev) {
		d.Input, d.Output = cur.updateCounters(ev)
	}

	cur.LastSeen = l.clock()
	d.Seconds = secondsBetween(before, cur.Duration())

	closed := l.close(sh, cur, cur.LastUpdate, ev.TerminateCause)
	return &Result{Session: closed, Closed: true, Delta: d}, nil
}

// open inserts a new live session. Must be called with sh.mu held.
func (l *Ledger) open(sh *shard, ev *acct.AccountingEvent, reconstructed bool) *Result {
	s := newSession(ev)
	s.StartReconstructed = reconstructed
	s.LastSeen = l.clock()
	s.Seq = 1

	sh.live[ev.SessionID] = s
	delete(sh.tombs, ev.SessionID)
	l.live.Add(1)

	return &Result{
		Session: s.clone(),
		Opened:  true,
		Delta:   Delta{Input: s.Input.Total, Output: s.Output.Total},
	}
}

// backfillStart moves the start of a reconstructed session back to the
// Start that arrived after its first update. Must be called with sh.mu held.
func (l *Ledger) backfillStart(cur *Snapshot, ev *acct.AccountingEvent) *Result {
	before := cur.Duration()
	cur.StartTime = ev.Timestamp
	cur.StartReconstructed = false
	cur.LastSeen = l.clock()
	cur.Seq++

	return &Result{
		Session: cur.clone(),
		Delta:   Delta{Seconds: secondsBetween(before, cur.Duration())},
	}
}

// close moves a live session to the tombstones. Must be called with sh.mu
// held.
func (l *Ledger) close(sh *shard, s *Snapshot, stop time.Time, cause acct.TerminateCause) Snapshot {
	if stop.Before(s.StartTime) {
		stop = s.StartTime
	}
	s.StopTime = &stop
	s.TerminateCause = cause
	s.State = StateClosed
	s.Seq++

	closed := s.clone()
	if sh.live[s.SessionID] == s {
		delete(sh.live, s.SessionID)
		l.live.Add(-1)
	}
	sh.tombs[s.SessionID] = tombstone{session: closed, expires: l.clock().Add(l.ttl)}
	return closed
}

func (l *Ledger) tombstone(sh *shard, sessionID string) (tombstone, bool) {
	t, ok := sh.tombs[sessionID]
	if !ok {
		return tombstone{}, false
	}
	if l.clock().After(t.expires) {
		delete(sh.tombs, sessionID)
		return tombstone{}, false
	}
	return t, true
}

func secondsBetween(before, after time.Duration) int64 {
	d := int64(after/time.Second) - int64(before/time.Second)
	if d < 0 {
		return 0
	}
	return d
}

// CloseStale closes every live session that has received no event for
// longer than idleTimeout before now. The stop time is the last update and the
// cause is Lost-Carrier. Sessions are removed under their partition lock,
// so running the sweep again never closes a session twice.
func (l *Ledger) CloseStale(now time.Time, idleTimeout time.Duration) []Snapshot {
	var closed []Snapshot
	cutoff := now.Add(-idleTimeout)

	for _, sh := range l.shards {
		sh.mu.Lock()
		for _, s := range sh.live {
			if s.LastSeen.Before(cutoff) {
				closed = append(closed, l.close(sh, s, s.LastUpdate, acct.CauseLostCarrier))
			}
		}
		l.pruneTombstones(sh)
		sh.mu.Unlock()
	}

	return closed
}

// CloseNAS closes every live session of a NAS. It handles Accounting-On
// and Accounting-Off, which the NAS sends when it has lost all session
// state. Sessions match on NAS IP, or on NAS-Identifier when nasIP is
// empty.
func (l *Ledger) CloseNAS(nasIP, nasID string, cause acct.TerminateCause) []Snapshot {
	if nasIP == "" && nasID == "" {
		return nil
	}

	var closed []Snapshot
	for _, sh := range l.shards {
		sh.mu.Lock()
		for _, s := range sh.live {
			if (nasIP != "" && s.NASIP == nasIP) || (nasIP == "" && s.NASID == nasID) {
				closed = append(closed, l.close(sh, s, s.LastUpdate, cause))
			}
		}
		sh.mu.Unlock()
	}
	return closed
}

// pruneTombstones drops expired tombstones. Must be called with sh.mu held.
func (l *Ledger) pruneTombstones(sh *shard) {
	now := l.clock()
	for id, t := range sh.tombs {
		if now.After(t.expires) {
			delete(sh.tombs, id)
		}
	}
}

// Restore loads live sessions and recently closed sessions, typically from
// a checkpoint taken before a restart. Existing entries are replaced.
func (l *Ledger) Restore(live, closed []Snapshot) {
	for i := range closed {
		s := closed[i].clone()
		if s.StopTime == nil {
			continue
		}
		sh := l.shardFor(s.SessionID)
		sh.mu.Lock()
		if _, ok := sh.live[s.SessionID]; !ok {
			sh.tombs[s.SessionID] = tombstone{session: s, expires: l.clock().Add(l.ttl)}
		}
		sh.mu.Unlock()
	}

	for i := range live {
		s := live[i].clone()
		s.State = StateLive
		s.StopTime = nil
		if s.LastSeen.IsZero() {
			s.LastSeen = l.clock()
		}
		sh := l.shardFor(s.SessionID)
		sh.mu.Lock()
		if _, ok := sh.live[s.SessionID]; !ok {
			l.live.Add(1)
		}
		sh.live[s.SessionID] = &s
		delete(sh.tombs, s.SessionID)
		sh.mu.Unlock()
	}
}

// Get returns the live session with the given id.
func (l *Ledger) Get(sessionID string) (Snapshot, bool) {
	sh := l.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.live[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return s.clone(), true
}

// Count returns the number of live sessions.
func (l *Ledger) Count() int {
	return int(l.live.Load())
}

// Sessions yields the live sessions matching f, one partition at a time.
// Each partition is copied under its lock and yielded after the lock is
// released, so consumers may call back into the ledger.
func (l *Ledger) Sessions(f Filter) iter.Seq[Snapshot] {
	return func(yield func(Snapshot) bool) {
		var batch []Snapshot
		for _, sh := range l.shards {
			batch = batch[:0]
			sh.mu.Lock()
			for _, s := range sh.live {
				if f.Match(s) {
					batch = append(batch, s.clone())
				}
			}
			sh.mu.Unlock()

			for _, s := range batch {
				if !yield(s) {
					return
				}
			}
		}
	}
}

// LiveSessions returns one page of the live sessions matching f, newest
// start first, together with the total number of matches.
func (l *Ledger) LiveSessions(f Filter, offset, limit int) ([]Snapshot, int) {
	var all []Snapshot
	for s := range l.Sessions(f) {
		all = append(all, s)
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartTime.Equal(all[j].StartTime) {
			return all[i].StartTime.After(all[j].StartTime)
		}
		return all[i].SessionID < all[j].SessionID
	})

	total := len(all)
	if offset >= total {
		return []Snapshot{}, total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total
}
