package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/codelaboratoryltd/acctd/pkg/aggregate"
	"github.com/codelaboratoryltd/acctd/pkg/ledger"
)

const scanCount = 500

// LoadLive returns every checkpointed live session.
func (s *Store) LoadLive(ctx context.Context) ([]ledger.Snapshot, error) {
	m, err := s.client.HGetAll(ctx, s.keys.live()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := make([]ledger.Snapshot, 0, len(m))
	for id, v := range m {
		var snap ledger.Snapshot
		if err := json.Unmarshal([]byte(v), &snap); err != nil {
			return nil, fmt.Errorf("decode live session %s: %w", id, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// LoadClosed returns the sessions closed within the tombstone TTL.
func (s *Store) LoadClosed(ctx context.Context) ([]ledger.Snapshot, error) {
	var out []ledger.Snapshot
	err := s.scan(ctx, s.keys.closedPattern(), func(batch []string) error {
		vals, err := s.client.MGet(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				// Expired between SCAN and MGET.
				continue
			}
			var snap ledger.Snapshot
			if err := json.Unmarshal([]byte(str), &snap); err != nil {
				return fmt.Errorf("decode closed session %s: %w", batch[i], err)
			}
			out = append(out, snap)
		}
		return nil
	})
	return out, err
}

// LoadTraffic returns every stored daily summary.
func (s *Store) LoadTraffic(ctx context.Context) ([]aggregate.TrafficDaySummary, error) {
	var out []aggregate.TrafficDaySummary
	err := s.scan(ctx, s.keys.trafficPattern(), func(batch []string) error {
		for _, key := range batch {
			m, err := s.client.HGetAll(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			days, err := parseTraffic(s.keys.dateOf(key), m)
			if err != nil {
				return err
			}
			out = append(out, days...)
		}
		return nil
	})
	return out, err
}

func (s *Store) scan(ctx context.Context, pattern string, fn func([]string) error) error {
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if len(batch) > 0 {
			if err := fn(batch); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func parseTraffic(date string, fields map[string]string) ([]aggregate.TrafficDaySummary, error) {
	byUser := make(map[string]*aggregate.TrafficDaySummary)
	for f, v := range fields {
		username, field, ok := splitTrafficField(f)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("traffic %s field %q: %w", date, f, err)
		}

		sum, ok := byUser[username]
		if !ok {
			sum = &aggregate.TrafficDaySummary{Date: date, Username: username}
			byUser[username] = sum
		}
		switch field {
		case fieldSessions:
			sum.Sessions = uint64(n)
		case fieldDownload:
			sum.DownloadBytes = uint64(n)
		case fieldUpload:
			sum.UploadBytes = uint64(n)
		case fieldSeconds:
			sum.ConnectedSeconds = n
		}
	}

	out := make([]aggregate.TrafficDaySummary, 0, len(byUser))
	for _, sum := range byUser {
		out = append(out, *sum)
	}
	return out, nil
}

// Traffic returns the summary of one user on one date.
func (s *Store) Traffic(ctx context.Context, date, username string) (*aggregate.TrafficDaySummary, error) {
	vals, err := s.client.HMGet(ctx, s.keys.traffic(date),
		trafficField(username, fieldSessions),
		trafficField(username, fieldDownload),
		trafficField(username, fieldUpload),
		trafficField(username, fieldSeconds),
	).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	nums := make([]int64, len(vals))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			nums[i], _ = strconv.ParseInt(str, 10, 64)
		}
	}
	return &aggregate.TrafficDaySummary{
		Date:             date,
		Username:         username,
		Sessions:         uint64(nums[0]),
		DownloadBytes:    uint64(nums[1]),
		UploadBytes:      uint64(nums[2]),
		ConnectedSeconds: nums[3],
	}, nil
}
