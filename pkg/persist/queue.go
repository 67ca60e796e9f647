package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config configures a Queue.
type Config struct {
	// Capacity bounds the backlog. When full, the oldest record is dropped.
	Capacity int

	// BatchSize is the maximum number of records per Write.
	BatchSize int

	// Retry backoff: RetryBaseDelay * 2^attempt, capped at RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// WriteTimeout bounds a single Write.
	WriteTimeout time.Duration

	// The breaker opens after BreakerFailures consecutive failures and
	// allows a trial write after BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	// DrainTimeout bounds the final flush on Stop.
	DrainTimeout time.Duration
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:        10000,
		BatchSize:       100,
		RetryBaseDelay:  time.Second,
		RetryMaxDelay:   time.Minute,
		WriteTimeout:    5 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
		DrainTimeout:    10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
}

// Health is the state of one sink's write path.
type Health struct {
	Sink      string    `json:"sink"`
	Available bool      `json:"available"`
	Degraded  bool      `json:"degraded"`
	Backlog   int       `json:"backlog"`
	Dropped   uint64    `json:"dropped"`
	Written   uint64    `json:"written"`
	Failures  uint64    `json:"failures"`
	Breaker   string    `json:"breaker"`
	LastError string    `json:"last_error,omitempty"`
	LastWrite time.Time `json:"last_write,omitempty"`
}

// Queue is a bounded, drop-oldest write-behind queue in front of a Sink.
type Queue struct {
	sink    Sink
	cfg     Config
	logger  *zap.Logger
	breaker *gobreaker.CircuitBreaker

	mu       sync.Mutex
	items    []Record
	nextSeq  uint64
	lastErr  string
	lastOK   time.Time
	notifyCh chan struct{}

	dropped   atomic.Uint64
	written   atomic.Uint64
	failures  atomic.Uint64
	degraded  atomic.Bool
	available atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running int32
}

// NewQueue creates a queue in front of sink.
func NewQueue(sink Sink, cfg Config, logger *zap.Logger) *Queue {
	cfg.applyDefaults()
	logger = logger.Named("persist").With(zap.String("sink", sink.Name()))

	q := &Queue{
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
		notifyCh: make(chan struct{}, 1),
	}
	q.available.Store(true)

	q.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        sink.Name(),
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Persistence circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return q
}

// Name returns the sink name.
func (q *Queue) Name() string {
	return q.sink.Name()
}

// Enqueue adds records to the backlog. It never blocks: when the backlog is
// full the oldest records are dropped and the queue becomes degraded.
func (q *Queue) Enqueue(recs ...Record) {
	if len(recs) == 0 {
		return
	}
	now := time.Now()

	q.mu.Lock()
	for i := range recs {
		rec := recs[i]
		rec.stamp(now)
		q.nextSeq++
		rec.seq = q.nextSeq
		q.items = append(q.items, rec)
	}
	var dropped int
	if over := len(q.items) - q.cfg.Capacity; over > 0 {
		dropped = over
		clear(q.items[:over])
		q.items = q.items[over:]
	}
	q.mu.Unlock()

	if dropped > 0 {
		q.dropped.Add(uint64(dropped))
		if !q.degraded.Swap(true) {
			q.logger.Error("Persistence backlog full, dropping oldest records",
				zap.Int("capacity", q.cfg.Capacity),
				zap.Int("dropped", dropped),
			)
		}
	}

	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// Start starts the writer.
func (q *Queue) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&q.running, 0, 1) {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)

	q.wg.Add(1)
	go q.writer()

	q.logger.Info("Persistence queue started",
		zap.Int("capacity", q.cfg.Capacity),
		zap.Int("batch_size", q.cfg.BatchSize),
	)
}

// Stop stops the writer and makes one bounded attempt to flush what is
// left.
func (q *Queue) Stop() {
	if !atomic.CompareAndSwapInt32(&q.running, 1, 0) {
		return
	}
	q.cancel()
	q.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.DrainTimeout)
	defer cancel()
	for {
		batch := q.peek()
		if len(batch) == 0 {
			break
		}
		if err := q.write(ctx, batch); err != nil {
			q.logger.Warn("Persistence queue not drained on shutdown",
				zap.Int("backlog", q.Backlog()),
				zap.Error(err),
			)
			break
		}
		q.commit(batch)
	}

	q.logger.Info("Persistence queue stopped", zap.Int("backlog", q.Backlog()))
}

func (q *Queue) writer() {
	defer q.wg.Done()

	attempt := 0
	for {
		batch := q.peek()
		if len(batch) == 0 {
			attempt = 0
			select {
			case <-q.ctx.Done():
				return
			case <-q.notifyCh:
				continue
			}
		}

		if err := q.write(q.ctx, batch); err != nil {
			if q.ctx.Err() != nil {
				return
			}
			delay := q.backoff(attempt)
			attempt++
			q.logger.Warn("Persistence write failed, will retry",
				zap.Int("batch", len(batch)),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
			select {
			case <-q.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		q.commit(batch)
	}
}

func (q *Queue) backoff(attempt int) time.Duration {
	if attempt > 30 {
		return q.cfg.RetryMaxDelay
	}
	delay := q.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt))
	if delay > q.cfg.RetryMaxDelay || delay <= 0 {
		delay = q.cfg.RetryMaxDelay
	}
	return delay
}

// peek copies the oldest batch without removing it.
func (q *Queue) peek() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if n > q.cfg.BatchSize {
		n = q.cfg.BatchSize
	}
	if n == 0 {
		return nil
	}
	batch := make([]Record, n)
	copy(batch, q.items[:n])
	return batch
}

// commit removes a written batch. Records of the batch that were dropped
// while it was in flight are already gone.
func (q *Queue) commit(batch []Record) {
	last := batch[len(batch)-1].seq

	q.mu.Lock()
	i := 0
	for i < len(q.items) && q.items[i].seq <= last {
		i++
	}
	clear(q.items[:i])
	q.items = q.items[i:]
	empty := len(q.items) == 0
	q.lastOK = time.Now()
	q.lastErr = ""
	q.mu.Unlock()

	q.written.Add(uint64(len(batch)))
	if !q.available.Swap(true) {
		q.logger.Info("Persistence write path recovered")
	}
	if empty && q.degraded.Swap(false) {
		q.logger.Info("Persistence backlog drained, leaving degraded mode",
			zap.Uint64("dropped_total", q.dropped.Load()),
		)
	}
}

func (q *Queue) write(ctx context.Context, batch []Record) error {
	_, err := q.breaker.Execute(func() (interface{}, error) {
		wctx, cancel := context.WithTimeout(ctx, q.cfg.WriteTimeout)
		defer cancel()
		return nil, q.sink.Write(wctx, batch)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %s circuit open", ErrPersistenceUnavailable, q.sink.Name())
	} else {
		err = fmt.Errorf("%w: %s: %v", ErrPersistenceUnavailable, q.sink.Name(), err)
	}

	q.failures.Add(1)
	q.available.Store(false)
	q.mu.Lock()
	q.lastErr = err.Error()
	q.mu.Unlock()
	return err
}

// Backlog returns the number of queued records.
func (q *Queue) Backlog() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Health returns the state of the write path.
func (q *Queue) Health() Health {
	q.mu.Lock()
	backlog := len(q.items)
	lastErr := q.lastErr
	lastOK := q.lastOK
	q.mu.Unlock()

	return Health{
		Sink:      q.sink.Name(),
		Available: q.available.Load() && q.breaker.State() != gobreaker.StateOpen,
		Degraded:  q.degraded.Load(),
		Backlog:   backlog,
		Dropped:   q.dropped.Load(),
		Written:   q.written.Load(),
		Failures:  q.failures.Load(),
		Breaker:   q.breaker.State().String(),
		LastError: lastErr,
		LastWrite: lastOK,
	}
}

// Group fans records out to several queues.
type Group []*Queue

// Enqueue adds records to every queue.
func (g Group) Enqueue(recs ...Record) {
	for _, q := range g {
		q.Enqueue(recs...)
	}
}

// Start starts every queue.
func (g Group) Start(ctx context.Context) {
	for _, q := range g {
		q.Start(ctx)
	}
}

// Stop stops every queue.
func (g Group) Stop() {
	for _, q := range g {
		q.Stop()
	}
}

// Health returns the health of every queue.
func (g Group) Health() []Health {
	out := make([]Health, 0, len(g))
	for _, q := range g {
		out = append(out, q.Health())
	}
	return out
}
