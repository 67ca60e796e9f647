// Package persist moves ledger output to durable storage without blocking
// ingestion.
//
// Each sink gets its own bounded Queue. When a sink falls behind, the oldest
// queued records are dropped and the queue reports itself degraded: current
// state is favoured over historical completeness.
package persist

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/codelaboratoryltd/acctd/pkg/acct"
	"github.com/codelaboratoryltd/acctd/pkg/aggregate"
	"github.com/codelaboratoryltd/acctd/pkg/ledger"
)

// ErrPersistenceUnavailable wraps every failure of the durable write path.
var ErrPersistenceUnavailable = errors.New("persistence unavailable")

// Kind identifies what a record carries.
type Kind string

const (
	// KindLiveSession checkpoints a live session.
	KindLiveSession Kind = "live_session"
	// KindClosedSession archives a closed session. Traffic, when set, is
	// the contribution of the closing event and must be stored atomically
	// with the session.
	KindClosedSession Kind = "closed_session"
	// KindTraffic adds a contribution to a daily summary.
	KindTraffic Kind = "traffic"
	// KindAuth appends an auth record.
	KindAuth Kind = "auth"
)

// Record is one queued write.
type Record struct {
	ID       string
	Kind     Kind
	QueuedAt time.Time

	Session *ledger.Snapshot
	Traffic *aggregate.Contribution
	Auth    *acct.AuthRecord

	seq uint64
}

// LiveSession returns a checkpoint record for s.
func LiveSession(s ledger.Snapshot) Record {
	return Record{Kind: KindLiveSession, Session: &s}
}

// ClosedSession returns an archive record for s with the contribution of
// the closing event, if any.
func ClosedSession(s ledger.Snapshot, traffic *aggregate.Contribution) Record {
	return Record{Kind: KindClosedSession, Session: &s, Traffic: traffic}
}

// Traffic returns a summary increment record.
func Traffic(c aggregate.Contribution) Record {
	return Record{Kind: KindTraffic, Traffic: &c}
}

// Auth returns an auth log record.
func Auth(rec acct.AuthRecord) Record {
	return Record{Kind: KindAuth, Auth: &rec}
}

// Sink is a durable store that accepts batches of records. A sink ignores
// kinds it does not keep. Write must apply a batch atomically, since a
// failed batch is retried as a whole.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch []Record) error
}

func (r *Record) stamp(now time.Time) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.QueuedAt.IsZero() {
		r.QueuedAt = now
	}
}
