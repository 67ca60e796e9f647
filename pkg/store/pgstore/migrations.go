package pgstore

import (
	"database/sql"

	"github.com/pkg/errors"
	migrate "github.com/rubenv/sql-migrate"
)

// Migrations is the schema of the history store.
var Migrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "0001_history",
			Up: []string{
				`CREATE TABLE closed_sessions (
	session_id TEXT NOT NULL,
	username TEXT NOT NULL,
	nas_id TEXT NOT NULL DEFAULT '',
	nas_ip TEXT NOT NULL DEFAULT '',
	nas_name TEXT NOT NULL DEFAULT '',
	framed_ip TEXT NOT NULL DEFAULT '',
	calling_station TEXT NOT NULL DEFAULT '',
	ap_name TEXT NOT NULL DEFAULT '',
	group_id TEXT NOT NULL DEFAULT '',
	start_time TIMESTAMPTZ NOT NULL,
	stop_time TIMESTAMPTZ NOT NULL,
	input_bytes BIGINT NOT NULL DEFAULT 0,
	output_bytes BIGINT NOT NULL DEFAULT 0,
	session_time BIGINT NOT NULL DEFAULT 0,
	terminate_cause TEXT NOT NULL DEFAULT '',
	counter_reset BOOLEAN NOT NULL DEFAULT FALSE,
	start_reconstructed BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (session_id, start_time)
)`,
				`CREATE INDEX closed_sessions_stop_time_idx ON closed_sessions (stop_time DESC)`,
				`CREATE INDEX closed_sessions_username_idx ON closed_sessions (username)`,
				`CREATE TABLE auth_records (
	id UUID PRIMARY KEY,
	username TEXT NOT NULL,
	reply TEXT NOT NULL,
	nas_ip TEXT NOT NULL DEFAULT '',
	calling_station TEXT NOT NULL DEFAULT '',
	ts TIMESTAMPTZ NOT NULL
)`,
				`CREATE INDEX auth_records_ts_idx ON auth_records (ts DESC)`,
				`CREATE TABLE traffic_daily (
	day DATE NOT NULL,
	username TEXT NOT NULL,
	sessions BIGINT NOT NULL DEFAULT 0,
	download_bytes BIGINT NOT NULL DEFAULT 0,
	upload_bytes BIGINT NOT NULL DEFAULT 0,
	connected_seconds BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (day, username)
)`,
			},
			Down: []string{
				`DROP TABLE traffic_daily`,
				`DROP TABLE auth_records`,
				`DROP TABLE closed_sessions`,
			},
		},
		{
			Id: "0002_applied_records",
			Up: []string{
				`CREATE TABLE applied_records (
	record_id TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
				`CREATE INDEX applied_records_applied_at_idx ON applied_records (applied_at)`,
			},
			Down: []string{
				`DROP TABLE applied_records`,
			},
		},
	},
}

// Migrate applies the schema in the given direction and returns the number
// of migrations applied.
func Migrate(db *sql.DB, dir migrate.MigrationDirection) (int, error) {
	n, err := migrate.Exec(db, "postgres", Migrations, dir)
	if err != nil {
		return n, errors.Wrap(err, "failed to run migrations")
	}
	return n, nil
}
