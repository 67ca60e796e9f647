package pgstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/codelaboratoryltd/acctd/pkg/acct"
	"github.com/codelaboratoryltd/acctd/pkg/authlog"
)

type sqlDataAuth struct {
	ID             string    `db:"id"`
	Username       string    `db:"username"`
	Reply          string    `db:"reply"`
	NASIP          string    `db:"nas_ip"`
	CallingStation string    `db:"calling_station"`
	Timestamp      time.Time `db:"ts"`
}

var sqlParamsAuth = []string{
	"id",
	"username",
	"reply",
	"nas_ip",
	"calling_station",
	"ts",
}

func (d *sqlDataAuth) Scan(rec *acct.AuthRecord) {
	d.ID = rec.ID
	d.Username = rec.Username
	d.Reply = string(rec.Reply)
	d.NASIP = rec.NASIP
	d.CallingStation = rec.CallingStation
	d.Timestamp = rec.Timestamp.UTC()
}

func (d *sqlDataAuth) Model() acct.AuthRecord {
	return acct.AuthRecord{
		ID:             d.ID,
		Username:       d.Username,
		Reply:          acct.Reply(d.Reply),
		NASIP:          d.NASIP,
		CallingStation: d.CallingStation,
		Timestamp:      d.Timestamp,
	}
}

// insertAuthRecord appends one record. Records carry a unique id, so a
// retried batch does not duplicate them.
func insertAuthRecord(ctx context.Context, tx *sqlx.Tx, rec *acct.AuthRecord) error {
	d := sqlDataAuth{}
	d.Scan(rec)

	query := fmt.Sprintf("INSERT INTO auth_records (%s) VALUES (:%s) ON CONFLICT (id) DO NOTHING",
		strings.Join(sqlParamsAuth, ", "),
		strings.Join(sqlParamsAuth, ", :"))

	if _, err := tx.NamedExecContext(ctx, query, &d); err != nil {
		return unavailable(err, "failed to insert auth record")
	}
	return nil
}

// ListAuth returns auth records matching q, newest first, and the number of
// matches.
func (s *Store) ListAuth(ctx context.Context, q authlog.Query) ([]acct.AuthRecord, int, error) {
	var w where
	if q.Username != "" {
		w.add(fmt.Sprintf("username ILIKE %s", w.arg(likePattern(q.Username))))
	}
	if q.Reply != "" {
		w.add(fmt.Sprintf("reply = %s", w.arg(string(q.Reply))))
	}
	if !q.StartTime.IsZero() {
		w.add(fmt.Sprintf("ts >= %s", w.arg(q.StartTime.UTC())))
	}
	if !q.EndTime.IsZero() {
		w.add(fmt.Sprintf("ts <= %s", w.arg(q.EndTime.UTC())))
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM auth_records"+w.String(), w.args...); err != nil {
		return nil, 0, unavailable(err, "failed to count auth records")
	}
	if total == 0 || q.Offset >= total {
		return nil, total, nil
	}

	query := fmt.Sprintf("SELECT %s FROM auth_records%s ORDER BY ts DESC, id ASC LIMIT %s OFFSET %s",
		strings.Join(sqlParamsAuth, ", "), w.String(), w.arg(q.Limit), w.arg(q.Offset))

	rows := make([]sqlDataAuth, 0)
	if err := s.db.SelectContext(ctx, &rows, query, w.args...); err != nil {
		return nil, 0, unavailable(err, "failed to list auth records")
	}

	out := make([]acct.AuthRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].Model())
	}
	return out, total, nil
}
