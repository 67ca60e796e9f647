// Package aggregate rolls session traffic into per-day, per-user summaries.
//
// A session contributes all of its traffic and connected time to the day it
// started on, even when it runs past midnight.
package aggregate

import (
	"sort"
	"sync"
	"time"

	"github.com/codelaboratoryltd/acctd/pkg/ledger"
)

// DateLayout is the layout of summary dates.
const DateLayout = "2006-01-02"

// TrafficDaySummary is the traffic of one user on one day.
type TrafficDaySummary struct {
	Date             string `json:"date"`
	Username         string `json:"username"`
	Sessions         uint64 `json:"sessions"`
	DownloadBytes    uint64 `json:"download_bytes"`
	UploadBytes      uint64 `json:"upload_bytes"`
	ConnectedSeconds int64  `json:"connected_seconds"`
}

// TotalBytes is download plus upload.
func (s TrafficDaySummary) TotalBytes() uint64 {
	return s.DownloadBytes + s.UploadBytes
}

// UserTraffic is one row of a top-users ranking.
type UserTraffic struct {
	Username      string `json:"username"`
	DownloadBytes uint64 `json:"download_bytes"`
	UploadBytes   uint64 `json:"upload_bytes"`
	TotalBytes    uint64 `json:"total_bytes"`
}

// Contribution is the change one ledger result makes to a summary.
type Contribution struct {
	Date     string
	Username string
	Opened   bool
	Delta    ledger.Delta
}

// Config configures an Aggregator.
type Config struct {
	// Location decides which calendar day a start time falls on.
	Location *time.Location
}

// Aggregator keeps day summaries in memory.
type Aggregator struct {
	loc  *time.Location
	mu   sync.RWMutex
	days map[string]map[string]*TrafficDaySummary
}

// New creates an aggregator. A nil location means UTC.
func New(cfg Config) *Aggregator {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{
		loc:  loc,
		days: make(map[string]map[string]*TrafficDaySummary),
	}
}

// DateOf returns the summary date of t.
func (a *Aggregator) DateOf(t time.Time) string {
	return t.In(a.loc).Format(DateLayout)
}

// ParseDate parses a summary date in the aggregator's location.
func (a *Aggregator) ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, a.loc)
}

// Contribution returns what a ledger result adds to the summaries, or
// false if it adds nothing.
func (a *Aggregator) Contribution(res *ledger.Result) (Contribution, bool) {
	if res == nil || res.Duplicate || (!res.Opened && res.Delta.IsZero()) {
		return Contribution{}, false
	}
	return Contribution{
		Date:     a.DateOf(res.Session.StartTime),
		Username: res.Session.Username,
		Opened:   res.Opened,
		Delta:    res.Delta,
	}, true
}

// Record merges a ledger result and returns the contribution it made.
func (a *Aggregator) Record(res *ledger.Result) (Contribution, bool) {
	c, ok := a.Contribution(res)
	if ok {
		a.Merge(c)
	}
	return c, ok
}

// Merge adds a contribution to its summary.
func (a *Aggregator) Merge(c Contribution) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.entry(c.Date, c.Username)
	if c.Opened {
		s.Sessions++
	}
	s.DownloadBytes += c.Delta.Output
	s.UploadBytes += c.Delta.Input
	s.ConnectedSeconds += c.Delta.Seconds
}

// entry returns the summary for (date, username). Must be called with a.mu
// held for writing.
func (a *Aggregator) entry(date, username string) *TrafficDaySummary {
	users, ok := a.days[date]
	if !ok {
		users = make(map[string]*TrafficDaySummary)
		a.days[date] = users
	}
	s, ok := users[username]
	if !ok {
		s = &TrafficDaySummary{Date: date, Username: username}
		users[username] = s
	}
	return s
}

// Restore replaces the summaries for the given (date, username) pairs,
// typically from durable storage after a restart.
func (a *Aggregator) Restore(summaries []TrafficDaySummary) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, in := range summaries {
		s := a.entry(in.Date, in.Username)
		*s = in
	}
}

// Daily returns the summaries between from and to inclusive, by date and
// then username. An empty username matches every user. Zero times leave
// the range open.
func (a *Aggregator) Daily(username string, from, to time.Time) []TrafficDaySummary {
	lo, hi := a.bounds(from, to)

	a.mu.RLock()
	var out []TrafficDaySummary
	for date, users := range a.days {
		if !inRange(date, lo, hi) {
			continue
		}
		if username != "" {
			if s, ok := users[username]; ok {
				out = append(out, *s)
			}
			continue
		}
		for _, s := range users {
			out = append(out, *s)
		}
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Username < out[j].Username
	})
	return out
}

// Top ranks users by download plus upload between from and to inclusive.
// Ties are broken by username ascending. A limit of zero returns every
// user.
func (a *Aggregator) Top(from, to time.Time, limit int) []UserTraffic {
	lo, hi := a.bounds(from, to)

	totals := make(map[string]*UserTraffic)
	a.mu.RLock()
	for date, users := range a.days {
		if !inRange(date, lo, hi) {
			continue
		}
		for name, s := range users {
			u, ok := totals[name]
			if !ok {
				u = &UserTraffic{Username: name}
				totals[name] = u
			}
			u.DownloadBytes += s.DownloadBytes
			u.UploadBytes += s.UploadBytes
		}
	}
	a.mu.RUnlock()

	ranked := make([]UserTraffic, 0, len(totals))
	for _, u := range totals {
		u.TotalBytes = u.DownloadBytes + u.UploadBytes
		ranked = append(ranked, *u)
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].TotalBytes != ranked[j].TotalBytes {
			return ranked[i].TotalBytes > ranked[j].TotalBytes
		}
		return ranked[i].Username < ranked[j].Username
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

func (a *Aggregator) bounds(from, to time.Time) (string, string) {
	var lo, hi string
	if !from.IsZero() {
		lo = a.DateOf(from)
	}
	if !to.IsZero() {
		hi = a.DateOf(to)
	}
	return lo, hi
}

func inRange(date, lo, hi string) bool {
	if lo != "" && date < lo {
		return false
	}
	if hi != "" && date > hi {
		return false
	}
	return true
}
