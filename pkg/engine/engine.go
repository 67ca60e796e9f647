// Package engine wires decoded datagrams through the ledger into the
// aggregates, the closed-session archive, the auth log and persistence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/acctd/pkg/acct"
	"github.com/codelaboratoryltd/acctd/pkg/aggregate"
	"github.com/codelaboratoryltd/acctd/pkg/archive"
	"github.com/codelaboratoryltd/acctd/pkg/authlog"
	"github.com/codelaboratoryltd/acctd/pkg/ledger"
	"github.com/codelaboratoryltd/acctd/pkg/persist"
)

// Config configures the engine.
type Config struct {
	// IdleTimeout is how long a live session may go without an update
	// before the sweep closes it with Lost-Carrier.
	IdleTimeout time.Duration

	// SweepInterval is how often the sweep runs.
	SweepInterval time.Duration

	// CheckpointLive enqueues a live-session checkpoint on every accepted
	// Start and Interim-Update.
	CheckpointLive bool
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:    15 * time.Minute,
		SweepInterval:  time.Minute,
		CheckpointLive: true,
	}
}

// Observer receives ledger outcomes, typically for metrics.
type Observer interface {
	ObserveEvent(eventType, outcome string)
	ObserveClosed(cause string, n int)
}

type nopObserver struct{}

func (nopObserver) ObserveEvent(string, string) {}
func (nopObserver) ObserveClosed(string, int)   {}

// Outcomes reported to the Observer.
const (
	OutcomeApplied    = "applied"
	OutcomeDuplicate  = "duplicate"
	OutcomeStale      = "stale"
	OutcomeSuperseded = "superseded"
	OutcomeInvalid    = "invalid"
)

// Recovery loads the state checkpointed before a restart.
type Recovery interface {
	LoadLive(ctx context.Context) ([]ledger.Snapshot, error)
	LoadClosed(ctx context.Context) ([]ledger.Snapshot, error)
	LoadTraffic(ctx context.Context) ([]aggregate.TrafficDaySummary, error)
}

// Deps are the components the engine drives.
type Deps struct {
	Ledger     *ledger.Ledger
	Aggregator *aggregate.Aggregator
	Archive    *archive.Archive
	AuthLog    *authlog.Recorder
	Persist    persist.Group
	Observer   Observer
	Clock      func() time.Time
}

// Stats are the engine counters.
type Stats struct {
	Events        uint64    `json:"events"`
	Duplicates    uint64    `json:"duplicates"`
	Stale         uint64    `json:"stale"`
	Superseded    uint64    `json:"superseded"`
	NASReboots    uint64    `json:"nas_reboots"`
	StaleClosures uint64    `json:"stale_closures"`
	AuthRecords   uint64    `json:"auth_records"`
	LastSweep     time.Time `json:"last_sweep,omitempty"`
}

// Engine applies accounting events and auth records.
type Engine struct {
	cfg      Config
	ledger   *ledger.Ledger
	agg      *aggregate.Aggregator
	archive  *archive.Archive
	authlog  *authlog.Recorder
	persist  persist.Group
	observer Observer
	clock    func() time.Time
	logger   *zap.Logger

	events        atomic.Uint64
	duplicates    atomic.Uint64
	stale         atomic.Uint64
	superseded    atomic.Uint64
	nasReboots    atomic.Uint64
	staleClosures atomic.Uint64
	authRecords   atomic.Uint64

	mu        sync.Mutex
	lastSweep time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if deps.Ledger == nil || deps.Aggregator == nil || deps.Archive == nil || deps.AuthLog == nil {
		return nil, fmt.Errorf("ledger, aggregator, archive and auth log are required")
	}
	d := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	return &Engine{
		cfg:      cfg,
		ledger:   deps.Ledger,
		agg:      deps.Aggregator,
		archive:  deps.Archive,
		authlog:  deps.AuthLog,
		persist:  deps.Persist,
		observer: deps.Observer,
		clock:    deps.Clock,
		logger:   logger.Named("engine"),
	}, nil
}

// HandleAccounting applies one accounting event. Stale and duplicate events
// are absorbed and return nil so the NAS stops retransmitting. Only events
// the ledger cannot key return an error.
func (e *Engine) HandleAccounting(_ context.Context, ev *acct.AccountingEvent) error {
	e.events.Add(1)

	switch ev.Type {
	case acct.EventAccountingOn, acct.EventAccountingOff:
		e.nasReboot(ev)
		return nil
	}

	res, err := e.ledger.Apply(ev)
	if err != nil {
		if errors.Is(err, ledger.ErrStaleUpdate) {
			e.stale.Add(1)
			e.observer.ObserveEvent(ev.Type.String(), OutcomeStale)
			e.logger.Debug("Discarded stale accounting event",
				zap.String("session_id", ev.SessionID),
				zap.String("type", ev.Type.String()),
				zap.Time("timestamp", ev.Timestamp),
				zap.Error(err),
			)
			return nil
		}
		e.observer.ObserveEvent(ev.Type.String(), OutcomeInvalid)
		return err
	}

	if res.Duplicate {
		e.duplicates.Add(1)
		e.observer.ObserveEvent(ev.Type.String(), OutcomeDuplicate)
		return nil
	}

	if res.Superseded != nil {
		e.superseded.Add(1)
		e.observer.ObserveEvent(ev.Type.String(), OutcomeSuperseded)
		e.logger.Info("Duplicate Start closed the previous session",
			zap.String("session_id", ev.SessionID),
			zap.String("username", res.Superseded.Username),
			zap.Time("previous_start", res.Superseded.StartTime),
			zap.Time("start", res.Session.StartTime),
		)
		e.closed(*res.Superseded, nil)
		e.observer.ObserveClosed(string(acct.CauseDuplicateStart), 1)
	}

	c, counted := e.agg.Record(res)
	var traffic *aggregate.Contribution
	if counted {
		traffic = &c
	}

	if res.Closed {
		e.closed(res.Session, traffic)
		e.observer.ObserveClosed(string(res.Session.TerminateCause), 1)
	} else {
		var recs []persist.Record
		if e.cfg.CheckpointLive {
			recs = append(recs, persist.LiveSession(res.Session))
		}
		if traffic != nil {
			recs = append(recs, persist.Traffic(*traffic))
		}
		e.persist.Enqueue(recs...)
	}

	e.observer.ObserveEvent(ev.Type.String(), OutcomeApplied)
	if res.Session.StartReconstructed && res.Opened {
		e.logger.Debug("Session start reconstructed from a mid-session event",
			zap.String("session_id", ev.SessionID),
			zap.String("type", ev.Type.String()),
		)
	}
	return nil
}

// HandleAuth appends a mirrored authentication decision.
func (e *Engine) HandleAuth(_ context.Context, rec *acct.AuthRecord) {
	stored := e.authlog.Record(*rec)
	e.authRecords.Add(1)
	e.persist.Enqueue(persist.Auth(*stored))
}

// closed archives and persists a session that left the ledger.
func (e *Engine) closed(s ledger.Snapshot, traffic *aggregate.Contribution) {
	e.archive.Add(s)
	e.persist.Enqueue(persist.ClosedSession(s, traffic))
}

func (e *Engine) nasReboot(ev *acct.AccountingEvent) {
	var nasIP string
	if ev.NASIP != nil {
		nasIP = ev.NASIP.String()
	}
	closed := e.ledger.CloseNAS(nasIP, ev.NASID, acct.CauseNASReboot)
	for _, s := range closed {
		e.closed(s, nil)
	}
	e.nasReboots.Add(1)
	e.observer.ObserveEvent(ev.Type.String(), OutcomeApplied)
	if len(closed) > 0 {
		e.observer.ObserveClosed(string(acct.CauseNASReboot), len(closed))
	}

	e.logger.Info("NAS accounting restart, closed its sessions",
		zap.String("type", ev.Type.String()),
		zap.String("nas_ip", nasIP),
		zap.String("nas_id", ev.NASID),
		zap.Int("closed", len(closed)),
	)
}

// Sweep closes sessions idle for longer than the idle timeout. Running it
// again closes nothing twice.
func (e *Engine) Sweep() []ledger.Snapshot {
	now := e.clock()
	closed := e.ledger.CloseStale(now, e.cfg.IdleTimeout)
	for _, s := range closed {
		e.closed(s, nil)
	}

	e.mu.Lock()
	e.lastSweep = now
	e.mu.Unlock()

	if len(closed) > 0 {
		e.staleClosures.Add(uint64(len(closed)))
		e.observer.ObserveClosed(string(acct.CauseLostCarrier), len(closed))
		e.logger.Info("Closed idle sessions",
			zap.Int("closed", len(closed)),
			zap.Duration("idle_timeout", e.cfg.IdleTimeout),
		)
	}
	return closed
}

// Start runs the sweep on a ticker until Stop or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Sweep()
			}
		}
	}()

	e.logger.Info("Session sweep started",
		zap.Duration("interval", e.cfg.SweepInterval),
		zap.Duration("idle_timeout", e.cfg.IdleTimeout),
	)
}

// Stop stops the sweep.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Restore loads checkpointed state into the ledger, the archive and the
// aggregator. It must run before the listener starts.
func (e *Engine) Restore(ctx context.Context, src Recovery) error {
	live, err := src.LoadLive(ctx)
	if err != nil {
		return fmt.Errorf("load live sessions: %w", err)
	}
	closed, err := src.LoadClosed(ctx)
	if err != nil {
		return fmt.Errorf("load closed sessions: %w", err)
	}
	days, err := src.LoadTraffic(ctx)
	if err != nil {
		return fmt.Errorf("load traffic: %w", err)
	}

	e.ledger.Restore(live, closed)
	e.agg.Restore(days)

	e.logger.Info("Restored checkpointed state",
		zap.Int("live_sessions", len(live)),
		zap.Int("tombstones", len(closed)),
		zap.Int("traffic_days", len(days)),
	)
	return nil
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	last := e.lastSweep
	e.mu.Unlock()

	return Stats{
		Events:        e.events.Load(),
		Duplicates:    e.duplicates.Load(),
		Stale:         e.stale.Load(),
		Superseded:    e.superseded.Load(),
		NASReboots:    e.nasReboots.Load(),
		StaleClosures: e.staleClosures.Load(),
		AuthRecords:   e.authRecords.Load(),
		LastSweep:     last,
	}
}
