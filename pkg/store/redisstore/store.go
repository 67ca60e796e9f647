// Package redisstore keeps the warm state of the engine in Redis: live
// session checkpoints, tombstones of recently closed sessions, daily
// traffic counters and an optional NAS registry.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codelaboratoryltd/acctd/pkg/aggregate"
	"github.com/codelaboratoryltd/acctd/pkg/persist"
)

// ErrUnavailable wraps every Redis command failure.
var ErrUnavailable = errors.New("redis unavailable")

// Config configures the Redis store.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces every key (default "acctd").
	KeyPrefix string

	// TombstoneTTL is how long a closed session is kept for restart
	// recovery. It should match the ledger tombstone TTL.
	TombstoneTTL time.Duration

	// AppliedTTL is how long the id of a counted traffic record is kept,
	// so a batch retried within it does not count twice.
	AppliedTTL time.Duration

	DialTimeout    time.Duration
	CommandTimeout time.Duration
	PoolSize       int
	MaxRetries     int
}

// DefaultConfig returns the default Redis configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           "localhost:6379",
		KeyPrefix:      "acctd",
		TombstoneTTL:   time.Hour,
		AppliedTTL:     24 * time.Hour,
		DialTimeout:    5 * time.Second,
		CommandTimeout: 3 * time.Second,
		PoolSize:       10,
		MaxRetries:     3,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = d.TombstoneTTL
	}
	if c.AppliedTTL <= 0 {
		c.AppliedTTL = d.AppliedTTL
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
}

// incrOnce increments the traffic fields in KEYS[2] unless the record
// marker KEYS[1] exists. ARGV[1] is the marker TTL in seconds, followed by
// field and increment pairs.
var incrOnce = redis.NewScript(`
if not redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[1]) then
  return 0
end
for i = 2, #ARGV, 2 do
  redis.call('HINCRBY', KEYS[2], ARGV[i], ARGV[i + 1])
end
return 1
`)

// Store is the Redis persistence sink and recovery source.
type Store struct {
	client *redis.Client
	keys    keys
	ttl     time.Duration
	applied time.Duration
}

// New connects to Redis and checks the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.applyDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.CommandTimeout,
		WriteTimeout: cfg.CommandTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   cfg.MaxRetries,
	})

	pctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, cfg Config) *Store {
	cfg.applyDefaults()
	return &Store{
		client: client,
		keys:    keys{prefix: cfg.KeyPrefix},
		ttl:     cfg.TombstoneTTL,
		applied: cfg.AppliedTTL,
	}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks that Redis answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Name implements persist.Sink.
func (s *Store) Name() string { return "redis" }

// Write implements persist.Sink. A batch is applied in one MULTI/EXEC
// transaction, so closing a session removes its checkpoint, writes its
// tombstone and counts its traffic together. Traffic of a record with an
// id is counted at most once per id. Auth records are not kept.
func (s *Store) Write(ctx context.Context, batch []persist.Record) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := range batch {
			if err := s.queue(ctx, pipe, &batch[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Store) queue(ctx context.Context, pipe redis.Pipeliner, rec *persist.Record) error {
	switch rec.Kind {
	case persist.KindLiveSession:
		data, err := json.Marshal(rec.Session)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", rec.Session.SessionID, err)
		}
		pipe.HSet(ctx, s.keys.live(), rec.Session.SessionID, data)

	case persist.KindClosedSession:
		data, err := json.Marshal(rec.Session)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", rec.Session.SessionID, err)
		}
		pipe.HDel(ctx, s.keys.live(), rec.Session.SessionID)
		pipe.Set(ctx, s.keys.closed(rec.Session.SessionID), data, s.ttl)
		if rec.Traffic != nil {
			s.incrTraffic(ctx, pipe, rec.ID, rec.Traffic)
		}

	case persist.KindTraffic:
		s.incrTraffic(ctx, pipe, rec.ID, rec.Traffic)
	}
	return nil
}

func (s *Store) incrTraffic(ctx context.Context, pipe redis.Pipeliner, id string, c *aggregate.Contribution) {
	key := s.keys.traffic(c.Date)
	var incr []interface{}
	add := func(field string, n int64) {
		incr = append(incr, trafficField(c.Username, field), n)
	}
	if c.Opened {
		add(fieldSessions, 1)
	}
	if c.Delta.Output > 0 {
		add(fieldDownload, int64(c.Delta.Output))
	}
	if c.Delta.Input > 0 {
		add(fieldUpload, int64(c.Delta.Input))
	}
	if c.Delta.Seconds != 0 {
		add(fieldSeconds, c.Delta.Seconds)
	}
	if len(incr) == 0 {
		return
	}

	if id == "" {
		for i := 0; i < len(incr); i += 2 {
			pipe.HIncrBy(ctx, key, incr[i].(string), incr[i+1].(int64))
		}
		return
	}
	args := append([]interface{}{int64(s.applied / time.Second)}, incr...)
	incrOnce.Eval(ctx, pipe, []string{s.keys.applied(id), key}, args...)
}
