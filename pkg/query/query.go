// Package query is the read side used by the dashboard report pages. Every
// list is paginated and every filter is conjunctive.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codelaboratoryltd/acctd/pkg/acct"
	"github.com/codelaboratoryltd/acctd/pkg/aggregate"
	"github.com/codelaboratoryltd/acctd/pkg/archive"
	"github.com/codelaboratoryltd/acctd/pkg/authlog"
	"github.com/codelaboratoryltd/acctd/pkg/ledger"
)

const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// ErrInvalidQuery is returned for malformed query parameters.
var ErrInvalidQuery = errors.New("invalid query")

// Page is one page of a list.
type Page[T any] struct {
	Data       []T `json:"data"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	TotalPages int `json:"totalPages"`
}

// Paging is a requested page. Zero values take the defaults.
type Paging struct {
	Page  int
	Limit int
}

// Normalize applies the defaults and caps the limit.
func (p Paging) Normalize() Paging {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

// Offset is the index of the first record on the page.
func (p Paging) Offset() int {
	return (p.Page - 1) * p.Limit
}

func newPage[T any](data []T, total int, p Paging) Page[T] {
	if data == nil {
		data = []T{}
	}
	pages := 0
	if total > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return Page[T]{Data: data, Total: total, Page: p.Page, TotalPages: pages}
}

// ClosedSource lists closed sessions.
type ClosedSource interface {
	ListClosed(ctx context.Context, f archive.Filter, offset, limit int) ([]ledger.Snapshot, int, error)
}

// AuthSource lists auth records.
type AuthSource interface {
	ListAuth(ctx context.Context, q authlog.Query) ([]acct.AuthRecord, int, error)
}

// SubscriberCounts reports subscriber totals owned by the subscriber
// management system.
type SubscriberCounts interface {
	SubscriberCounts(ctx context.Context) (Subscribers, error)
}

// Subscribers are the counts supplied by a SubscriberCounts provider.
type Subscribers struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Expired  int `json:"expired"`
	Disabled int `json:"disabled"`
}

// Counters is the dashboard summary.
type Counters struct {
	Online      int           `json:"online"`
	Subscribers *Subscribers  `json:"subscribers,omitempty"`
	ClosedTotal uint64        `json:"closed_total"`
	AuthStats   authlog.Stats `json:"auth"`
}

// MemoryArchive reads closed sessions from the in-memory window.
type MemoryArchive struct {
	Archive *archive.Archive
}

// ListClosed implements ClosedSource.
func (m MemoryArchive) ListClosed(_ context.Context, f archive.Filter, offset, limit int) ([]ledger.Snapshot, int, error) {
	data, total := m.Archive.List(f, offset, limit)
	return data, total, nil
}

// MemoryAuthLog reads auth records from the in-memory window.
type MemoryAuthLog struct {
	Recorder *authlog.Recorder
}

// ListAuth implements AuthSource.
func (m MemoryAuthLog) ListAuth(_ context.Context, q authlog.Query) ([]acct.AuthRecord, int, error) {
	data, total := m.Recorder.Query(&q)
	return data, total, nil
}

// Config wires a Facade.
type Config struct {
	Ledger     *ledger.Ledger
	Aggregator *aggregate.Aggregator
	Archive    *archive.Archive
	AuthLog    *authlog.Recorder

	// Closed and Auth override the in-memory windows, typically with the
	// PostgreSQL store.
	Closed ClosedSource
	Auth   AuthSource

	Subscribers SubscriberCounts
}

// Facade answers report queries.
type Facade struct {
	ledger      *ledger.Ledger
	agg         *aggregate.Aggregator
	archive     *archive.Archive
	authlog     *authlog.Recorder
	closed      ClosedSource
	auth        AuthSource
	subscribers SubscriberCounts
}

// New creates a facade.
func New(cfg Config) (*Facade, error) {
	if cfg.Ledger == nil || cfg.Aggregator == nil || cfg.Archive == nil || cfg.AuthLog == nil {
		return nil, errors.New("ledger, aggregator, archive and auth log are required")
	}
	f := &Facade{
		ledger:      cfg.Ledger,
		agg:         cfg.Aggregator,
		archive:     cfg.Archive,
		authlog:     cfg.AuthLog,
		closed:      cfg.Closed,
		auth:        cfg.Auth,
		subscribers: cfg.Subscribers,
	}
	if f.closed == nil {
		f.closed = MemoryArchive{Archive: cfg.Archive}
	}
	if f.auth == nil {
		f.auth = MemoryAuthLog{Recorder: cfg.AuthLog}
	}
	return f, nil
}

// LiveSessions lists live sessions, newest start first.
func (f *Facade) LiveSessions(filter ledger.Filter, p Paging) Page[ledger.Snapshot] {
	p = p.Normalize()
	data, total := f.ledger.LiveSessions(filter, p.Offset(), p.Limit)
	return newPage(data, total, p)
}

// CountLive counts the live sessions matching filter.
func (f *Facade) CountLive(filter ledger.Filter) int {
	if filter == (ledger.Filter{}) {
		return f.ledger.Count()
	}
	n := 0
	for range f.ledger.Sessions(filter) {
		n++
	}
	return n
}

// ClosedSessions lists closed sessions, most recently closed first.
func (f *Facade) ClosedSessions(ctx context.Context, filter archive.Filter, p Paging) (Page[ledger.Snapshot], error) {
	if err := checkRange(filter.From, filter.To); err != nil {
		return Page[ledger.Snapshot]{}, err
	}
	p = p.Normalize()
	data, total, err := f.closed.ListClosed(ctx, filter, p.Offset(), p.Limit)
	if err != nil {
		return Page[ledger.Snapshot]{}, err
	}
	return newPage(data, total, p), nil
}

// AuthRecords lists auth records, newest first. The paging fields of q are
// replaced by p.
func (f *Facade) AuthRecords(ctx context.Context, q authlog.Query, p Paging) (Page[acct.AuthRecord], error) {
	if err := checkRange(q.StartTime, q.EndTime); err != nil {
		return Page[acct.AuthRecord]{}, err
	}
	p = p.Normalize()
	q.Offset, q.Limit = p.Offset(), p.Limit
	data, total, err := f.auth.ListAuth(ctx, q)
	if err != nil {
		return Page[acct.AuthRecord]{}, err
	}
	return newPage(data, total, p), nil
}

// DailyTraffic returns the day summaries of a user, or of every user when
// username is empty.
func (f *Facade) DailyTraffic(username string, from, to time.Time) ([]aggregate.TrafficDaySummary, error) {
	if err := checkRange(from, to); err != nil {
		return nil, err
	}
	out := f.agg.Daily(username, from, to)
	if out == nil {
		out = []aggregate.TrafficDaySummary{}
	}
	return out, nil
}

// TopUsers ranks users by total traffic. The limit defaults and is capped
// like a page size.
func (f *Facade) TopUsers(from, to time.Time, limit int) ([]aggregate.UserTraffic, error) {
	if err := checkRange(from, to); err != nil {
		return nil, err
	}
	return f.agg.Top(from, to, Paging{Limit: limit}.Normalize().Limit), nil
}

// SystemCounters returns the dashboard summary. Subscriber counts are
// included only when a provider is configured.
func (f *Facade) SystemCounters(ctx context.Context) (Counters, error) {
	c := Counters{
		Online:      f.ledger.Count(),
		ClosedTotal: f.archive.Total(),
		AuthStats:   f.authlog.Stats(),
	}
	if f.subscribers != nil {
		s, err := f.subscribers.SubscriberCounts(ctx)
		if err != nil {
			return Counters{}, err
		}
		c.Subscribers = &s
	}
	return c, nil
}

// ParseDate parses a date filter. It accepts RFC 3339 timestamps and plain
// dates, which are read in the aggregator's location. An end date covers
// the whole day.
func (f *Facade) ParseDate(s string, end bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := f.agg.ParseDate(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: %v", ErrInvalidQuery, s, err)
	}
	if end {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func checkRange(from, to time.Time) error {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return fmt.Errorf("%w: from is after to", ErrInvalidQuery)
	}
	return nil
}
