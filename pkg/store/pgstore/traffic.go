package pgstore

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/codelaboratoryltd/acctd/pkg/aggregate"
)

type sqlDataTraffic struct {
	Day              string `db:"day"`
	Username         string `db:"username"`
	Sessions         int64  `db:"sessions"`
	DownloadBytes    int64  `db:"download_bytes"`
	UploadBytes      int64  `db:"upload_bytes"`
	ConnectedSeconds int64  `db:"connected_seconds"`
}

func (d *sqlDataTraffic) Scan(c *aggregate.Contribution) {
	d.Day = c.Date
	d.Username = c.Username
	if c.Opened {
		d.Sessions = 1
	}
	d.DownloadBytes = int64(c.Delta.Output)
	d.UploadBytes = int64(c.Delta.Input)
	d.ConnectedSeconds = c.Delta.Seconds
}

func (d *sqlDataTraffic) Model() aggregate.TrafficDaySummary {
	return aggregate.TrafficDaySummary{
		Date:             d.Day,
		Username:         d.Username,
		Sessions:         uint64(d.Sessions),
		DownloadBytes:    uint64(d.DownloadBytes),
		UploadBytes:      uint64(d.UploadBytes),
		ConnectedSeconds: d.ConnectedSeconds,
	}
}

const upsertTrafficQuery = `INSERT INTO traffic_daily (day, username, sessions, download_bytes, upload_bytes, connected_seconds)
VALUES (:day, :username, :sessions, :download_bytes, :upload_bytes, :connected_seconds)
ON CONFLICT (day, username) DO UPDATE SET
	sessions = traffic_daily.sessions + EXCLUDED.sessions,
	download_bytes = traffic_daily.download_bytes + EXCLUDED.download_bytes,
	upload_bytes = traffic_daily.upload_bytes + EXCLUDED.upload_bytes,
	connected_seconds = traffic_daily.connected_seconds + EXCLUDED.connected_seconds`

func upsertTraffic(ctx context.Context, tx *sqlx.Tx, c *aggregate.Contribution) error {
	d := sqlDataTraffic{}
	d.Scan(c)
	if _, err := tx.NamedExecContext(ctx, upsertTrafficQuery, &d); err != nil {
		return unavailable(err, "failed to update daily traffic")
	}
	return nil
}

// markApplied records the id of a traffic record and reports whether it was
// seen for the first time. Records without an id are always applied.
func markApplied(ctx context.Context, tx *sqlx.Tx, recordID string) (bool, error) {
	if recordID == "" {
		return true, nil
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO applied_records (record_id) VALUES ($1) ON CONFLICT (record_id) DO NOTHING`, recordID)
	if err != nil {
		return false, unavailable(err, "failed to mark traffic record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err, "failed to mark traffic record")
	}
	return n == 1, nil
}

// PruneApplied forgets the ids of traffic records applied before the given
// time and returns how many were removed.
func (s *Store) PruneApplied(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM applied_records WHERE applied_at < $1`, before)
	if err != nil {
		return 0, unavailable(err, "failed to prune applied records")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err, "failed to prune applied records")
	}
	return n, nil
}

// LoadTraffic returns the daily summaries from the given date onwards.
func (s *Store) LoadTraffic(ctx context.Context, fromDate string) ([]aggregate.TrafficDaySummary, error) {
	rows := make([]sqlDataTraffic, 0)
	query := `SELECT to_char(day, 'YYYY-MM-DD') AS day, username, sessions, download_bytes, upload_bytes, connected_seconds
FROM traffic_daily WHERE day >= $1 ORDER BY day, username`
	if err := s.db.SelectContext(ctx, &rows, query, fromDate); err != nil {
		return nil, unavailable(err, "failed to load daily traffic")
	}

	out := make([]aggregate.TrafficDaySummary, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].Model())
	}
	return out, nil
}
