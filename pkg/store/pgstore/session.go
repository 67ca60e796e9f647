package pgstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/codelaboratoryltd/acctd/pkg/acct"
	"github.com/codelaboratoryltd/acctd/pkg/archive"
	"github.com/codelaboratoryltd/acctd/pkg/counter"
	"github.com/codelaboratoryltd/acctd/pkg/ledger"
)

type sqlDataSession struct {
	SessionID          string    `db:"session_id"`
	Username           string    `db:"username"`
	NASID              string    `db:"nas_id"`
	NASIP              string    `db:"nas_ip"`
	NASName            string    `db:"nas_name"`
	FramedIP           string    `db:"framed_ip"`
	CallingStation     string    `db:"calling_station"`
	APName             string    `db:"ap_name"`
	GroupID            string    `db:"group_id"`
	StartTime          time.Time `db:"start_time"`
	StopTime           time.Time `db:"stop_time"`
	InputBytes         int64     `db:"input_bytes"`
	OutputBytes        int64     `db:"output_bytes"`
	SessionTime        int64     `db:"session_time"`
	TerminateCause     string    `db:"terminate_cause"`
	CounterReset       bool      `db:"counter_reset"`
	StartReconstructed bool      `db:"start_reconstructed"`
}

var sqlParamsSession = []string{
	"session_id",
	"username",
	"nas_id",
	"nas_ip",
	"nas_name",
	"framed_ip",
	"calling_station",
	"ap_name",
	"group_id",
	"start_time",
	"stop_time",
	"input_bytes",
	"output_bytes",
	"session_time",
	"terminate_cause",
	"counter_reset",
	"start_reconstructed",
}

func (d *sqlDataSession) Scan(s *ledger.Snapshot) error {
	if s.StopTime == nil {
		return fmt.Errorf("session %s is not closed", s.SessionID)
	}
	d.SessionID = s.SessionID
	d.Username = s.Username
	d.NASID = s.NASID
	d.NASIP = s.NASIP
	d.NASName = s.NASName
	d.FramedIP = s.FramedIP
	d.CallingStation = s.CallingStation
	d.APName = s.APName
	d.GroupID = s.GroupID
	d.StartTime = s.StartTime.UTC()
	d.StopTime = s.StopTime.UTC()
	d.InputBytes = int64(s.UploadBytes())
	d.OutputBytes = int64(s.DownloadBytes())
	d.SessionTime = int64(s.SessionTime)
	d.TerminateCause = string(s.TerminateCause)
	d.CounterReset = s.CounterReset
	d.StartReconstructed = s.StartReconstructed
	return nil
}

// Model converts a row back to a snapshot. Raw NAS counters are not
// stored, so the reconciled byte counts come back as totals.
func (d *sqlDataSession) Model() ledger.Snapshot {
	stop := d.StopTime
	return ledger.Snapshot{
		SessionID:          d.SessionID,
		Username:           d.Username,
		NASID:              d.NASID,
		NASIP:              d.NASIP,
		NASName:            d.NASName,
		FramedIP:           d.FramedIP,
		CallingStation:     d.CallingStation,
		APName:             d.APName,
		GroupID:            d.GroupID,
		StartTime:          d.StartTime,
		LastUpdate:         d.StopTime,
		StopTime:           &stop,
		Input:              counter.Counter{Total: uint64(d.InputBytes)},
		Output:             counter.Counter{Total: uint64(d.OutputBytes)},
		SessionTime:        uint32(d.SessionTime),
		TerminateCause:     acct.TerminateCause(d.TerminateCause),
		State:              ledger.StateClosed,
		CounterReset:       d.CounterReset,
		StartReconstructed: d.StartReconstructed,
	}
}

// insertClosedSession archives a session and reports whether it was new.
func insertClosedSession(ctx context.Context, tx *sqlx.Tx, s *ledger.Snapshot) (bool, error) {
	d := sqlDataSession{}
	if err := d.Scan(s); err != nil {
		return false, errors.Wrap(err, "failed to convert session to SQL data")
	}

	query := fmt.Sprintf("INSERT INTO closed_sessions (%s) VALUES (:%s) ON CONFLICT (session_id, start_time) DO NOTHING",
		strings.Join(sqlParamsSession, ", "),
		strings.Join(sqlParamsSession, ", :"))

	res, err := tx.NamedExecContext(ctx, query, &d)
	if err != nil {
		return false, unavailable(err, "failed to insert closed session")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err, "failed to insert closed session")
	}
	return n > 0, nil
}

// ListClosed returns closed sessions matching f, most recently stopped
// first, and the number of matches.
func (s *Store) ListClosed(ctx context.Context, f archive.Filter, offset, limit int) ([]ledger.Snapshot, int, error) {
	var w where
	if f.NASID != "" {
		n := w.arg(f.NASID)
		w.add(fmt.Sprintf("(nas_id = %s OR nas_ip = %s)", n, n))
	}
	if f.Username != "" {
		w.add(fmt.Sprintf("username ILIKE %s", w.arg(likePattern(f.Username))))
	}
	if !f.From.IsZero() {
		w.add(fmt.Sprintf("start_time >= %s", w.arg(f.From.UTC())))
	}
	if !f.To.IsZero() {
		w.add(fmt.Sprintf("start_time <= %s", w.arg(f.To.UTC())))
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM closed_sessions"+w.String(), w.args...); err != nil {
		return nil, 0, unavailable(err, "failed to count closed sessions")
	}
	if total == 0 || offset >= total {
		return nil, total, nil
	}

	query := fmt.Sprintf("SELECT %s FROM closed_sessions%s ORDER BY stop_time DESC, session_id ASC LIMIT %s OFFSET %s",
		strings.Join(sqlParamsSession, ", "), w.String(), w.arg(limit), w.arg(offset))

	rows := make([]sqlDataSession, 0)
	if err := s.db.SelectContext(ctx, &rows, query, w.args...); err != nil {
		return nil, 0, unavailable(err, "failed to list closed sessions")
	}

	out := make([]ledger.Snapshot, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].Model())
	}
	return out, total, nil
}

// where builds a conjunctive WHERE clause with positional arguments.
type where struct {
	conds []string
	args  []interface{}
}

func (w *where) arg(v interface{}) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *where) add(cond string) {
	w.conds = append(w.conds, cond)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// likePattern escapes s for a substring ILIKE match.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}
