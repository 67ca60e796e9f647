// Package pgstore keeps the durable history of the engine in PostgreSQL:
// closed sessions, the auth log and daily traffic summaries.
package pgstore

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pkg/errors"

	"github.com/codelaboratoryltd/acctd/pkg/persist"
)

// ErrUnavailable wraps every database failure.
var ErrUnavailable = errors.New("postgres unavailable")

// Config configures the connection pool.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Store is the PostgreSQL persistence sink and history source.
type Store struct {
	db *sqlx.DB
}

// Open connects to PostgreSQL and checks the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres DSN required")
	}
	d := DefaultConfig()
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = d.MaxOpenConns
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = d.MaxIdleConns
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = d.ConnMaxLifetime
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to connect to postgres")
	}
	return New(db), nil
}

// New wraps an open database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Name implements persist.Sink.
func (s *Store) Name() string { return "postgres" }

// Write implements persist.Sink. A batch runs in one transaction. Traffic
// of a record with an id is counted at most once per id, so a batch retried
// after an unacknowledged commit does not count twice. Live checkpoints are
// not kept here.
func (s *Store) Write(ctx context.Context, batch []persist.Record) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable(err, "failed to begin transaction")
	}

	for i := range batch {
		if err := s.apply(ctx, tx, &batch[i]); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable(err, "failed to commit batch")
	}
	return nil
}

func (s *Store) apply(ctx context.Context, tx *sqlx.Tx, rec *persist.Record) error {
	switch rec.Kind {
	case persist.KindClosedSession:
		inserted, err := insertClosedSession(ctx, tx, rec.Session)
		if err != nil {
			return err
		}
		// A session already archived has already been counted.
		if inserted && rec.Traffic != nil {
			return upsertTraffic(ctx, tx, rec.Traffic)
		}
	case persist.KindTraffic:
		first, err := markApplied(ctx, tx, rec.ID)
		if err != nil || !first {
			return err
		}
		return upsertTraffic(ctx, tx, rec.Traffic)
	case persist.KindAuth:
		return insertAuthRecord(ctx, tx, rec.Auth)
	}
	return nil
}

func unavailable(err error, msg string) error {
	return errors.Wrapf(ErrUnavailable, "%s: %v", msg, err)
}
