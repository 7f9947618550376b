// Package outcomes keeps the per-property ledger of quote outcomes. The
// ledger is append-only with dedupe on (property, timestamp, quoted price);
// replays of the same outcome overwrite in place (latest write wins) and are
// reported as duplicates. Deletion happens only through the retention sweep.
package outcomes

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Outcome is one booking result for a quoted price.
type Outcome struct {
	PropertyID  string             `json:"property_id" db:"property_id"`
	Timestamp   time.Time          `json:"timestamp" db:"ts"`
	QuotedPrice float64            `json:"quoted_price" db:"quoted_price"`
	Accepted    bool               `json:"accepted" db:"accepted"`
	FinalPrice  *float64           `json:"final_price,omitempty" db:"final_price"`
	ActionID    string             `json:"action_id,omitempty" db:"action_id"`
	Context     map[string]float64 `json:"context,omitempty"`
}

// AppendResult reports what happened to a submitted batch.
type AppendResult struct {
	Stored     int `json:"stored"`
	Invalid    int `json:"invalid"`
	Duplicates int `json:"duplicates"`
}

// Stats summarizes a property's ledger.
type Stats struct {
	Total          int        `json:"total"`
	FirstTimestamp *time.Time `json:"first_timestamp,omitempty"`
	LastTimestamp  *time.Time `json:"last_timestamp,omitempty"`
	AcceptanceRate float64    `json:"acceptance_rate"`
	AvgQuoted      float64    `json:"avg_quoted"`
	Last7Days      int        `json:"last_7_days"`
}

const schema = `
CREATE TABLE IF NOT EXISTS outcomes (
	property_id  TEXT    NOT NULL,
	ts           INTEGER NOT NULL,
	quoted_price REAL    NOT NULL,
	accepted     INTEGER NOT NULL,
	final_price  REAL,
	action_id    TEXT NOT NULL DEFAULT '',
	context      TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (property_id, ts, quoted_price)
);
CREATE INDEX IF NOT EXISTS idx_outcomes_property_ts ON outcomes (property_id, ts);
`

// Store is a single-writer-per-property outcome ledger over an embedded
// sqlite file. Readers run concurrently; writes for one property serialize
// behind a per-key mutex.
type Store struct {
	db *sqlx.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// Open creates or opens the ledger at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create outcomes dir: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open outcomes db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate outcomes db: %w", err)
	}
	return &Store{db: db, locks: make(map[string]*sync.Mutex), now: time.Now}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) lockFor(propertyID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[propertyID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[propertyID] = l
	}
	return l
}

// Append validates and stores a batch for one property. Invalid records are
// skipped without failing the batch; replays count as duplicates and their
// latest write wins.
func (s *Store) Append(ctx context.Context, propertyID string, batch []Outcome) (AppendResult, error) {
	var res AppendResult

	l := s.lockFor(propertyID)
	l.Lock()
	defer l.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin outcomes tx: %w", err)
	}
	defer tx.Rollback()

	for _, o := range batch {
		if err := validate(propertyID, o); err != nil {
			log.Debug().Err(err).Str("property", propertyID).Msg("outcome rejected")
			res.Invalid++
			continue
		}

		ts := o.Timestamp.UTC().UnixMilli()
		var exists int
		if err := tx.GetContext(ctx, &exists,
			`SELECT COUNT(1) FROM outcomes WHERE property_id = ? AND ts = ? AND quoted_price = ?`,
			propertyID, ts, o.QuotedPrice); err != nil {
			return res, fmt.Errorf("dedupe check: %w", err)
		}

		ctxJSON, err := json.Marshal(o.Context)
		if err != nil {
			res.Invalid++
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outcomes (property_id, ts, quoted_price, accepted, final_price, action_id, context)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(property_id, ts, quoted_price) DO UPDATE SET
				accepted = excluded.accepted,
				final_price = excluded.final_price,
				action_id = excluded.action_id,
				context = excluded.context`,
			propertyID, ts, o.QuotedPrice, o.Accepted, o.FinalPrice, o.ActionID, string(ctxJSON))
		if err != nil {
			return res, fmt.Errorf("insert outcome: %w", err)
		}
		if exists > 0 {
			res.Duplicates++
		} else {
			res.Stored++
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit outcomes: %w", err)
	}
	return res, nil
}

func validate(propertyID string, o Outcome) error {
	if o.PropertyID != "" && o.PropertyID != propertyID {
		return fmt.Errorf("outcome property %q does not match batch property %q", o.PropertyID, propertyID)
	}
	if o.Timestamp.IsZero() {
		return fmt.Errorf("outcome missing timestamp")
	}
	if o.QuotedPrice <= 0 {
		return fmt.Errorf("outcome quoted price must be positive, got %v", o.QuotedPrice)
	}
	if o.FinalPrice != nil && *o.FinalPrice <= 0 {
		return fmt.Errorf("outcome final price must be positive, got %v", *o.FinalPrice)
	}
	return nil
}

type outcomeRow struct {
	PropertyID  string   `db:"property_id"`
	TS          int64    `db:"ts"`
	QuotedPrice float64  `db:"quoted_price"`
	Accepted    bool     `db:"accepted"`
	FinalPrice  *float64 `db:"final_price"`
	ActionID    string   `db:"action_id"`
	Context     string   `db:"context"`
}

func (r outcomeRow) toOutcome() Outcome {
	o := Outcome{
		PropertyID:  r.PropertyID,
		Timestamp:   time.UnixMilli(r.TS).UTC(),
		QuotedPrice: r.QuotedPrice,
		Accepted:    r.Accepted,
		FinalPrice:  r.FinalPrice,
		ActionID:    r.ActionID,
	}
	if r.Context != "" {
		_ = json.Unmarshal([]byte(r.Context), &o.Context)
	}
	return o
}

// Query returns outcomes in ascending time order, optionally bounded by
// [start, end] and capped at limit (0 means no cap).
func (s *Store) Query(ctx context.Context, propertyID string, start, end *time.Time, limit int) ([]Outcome, error) {
	q := `SELECT property_id, ts, quoted_price, accepted, final_price, action_id, context
		FROM outcomes WHERE property_id = ?`
	args := []interface{}{propertyID}
	if start != nil {
		q += ` AND ts >= ?`
		args = append(args, start.UTC().UnixMilli())
	}
	if end != nil {
		q += ` AND ts <= ?`
		args = append(args, end.UTC().UnixMilli())
	}
	q += ` ORDER BY ts ASC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []outcomeRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	out := make([]Outcome, len(rows))
	for i, r := range rows {
		out[i] = r.toOutcome()
	}
	return out, nil
}

// GetStats summarizes the property's ledger.
func (s *Store) GetStats(ctx context.Context, propertyID string) (Stats, error) {
	var row struct {
		Total    int             `db:"total"`
		MinTS    sql.NullInt64   `db:"min_ts"`
		MaxTS    sql.NullInt64   `db:"max_ts"`
		Accepted sql.NullFloat64 `db:"acceptance_rate"`
		Avg      sql.NullFloat64 `db:"avg_quoted"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT COUNT(1) AS total,
			MIN(ts) AS min_ts, MAX(ts) AS max_ts,
			AVG(CASE WHEN accepted THEN 1.0 ELSE 0.0 END) AS acceptance_rate,
			AVG(quoted_price) AS avg_quoted
		FROM outcomes WHERE property_id = ?`, propertyID)
	if err != nil {
		return Stats{}, fmt.Errorf("outcome stats: %w", err)
	}

	st := Stats{Total: row.Total}
	if row.MinTS.Valid {
		t := time.UnixMilli(row.MinTS.Int64).UTC()
		st.FirstTimestamp = &t
	}
	if row.MaxTS.Valid {
		t := time.UnixMilli(row.MaxTS.Int64).UTC()
		st.LastTimestamp = &t
	}
	if row.Accepted.Valid {
		st.AcceptanceRate = row.Accepted.Float64
	}
	if row.Avg.Valid {
		st.AvgQuoted = row.Avg.Float64
	}

	cutoff := s.now().Add(-7 * 24 * time.Hour).UnixMilli()
	if err := s.db.GetContext(ctx, &st.Last7Days,
		`SELECT COUNT(1) FROM outcomes WHERE property_id = ? AND ts >= ?`,
		propertyID, cutoff); err != nil {
		return Stats{}, fmt.Errorf("outcome stats window: %w", err)
	}
	return st, nil
}

// CountSince counts outcomes at or after the cutoff.
func (s *Store) CountSince(ctx context.Context, propertyID string, cutoff time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(1) FROM outcomes WHERE property_id = ? AND ts >= ?`,
		propertyID, cutoff.UTC().UnixMilli())
	return n, err
}

// Properties lists every property with at least one outcome.
func (s *Store) Properties(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, `SELECT DISTINCT property_id FROM outcomes ORDER BY property_id`)
	return out, err
}

// Export writes the property's outcomes (optionally range-bounded) to a CSV
// dataset under dir and returns its path.
func (s *Store) Export(ctx context.Context, propertyID string, start, end *time.Time, dir string) (string, error) {
	rows, err := s.Query(ctx, propertyID, start, end, 0)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("outcomes_%s_%d.csv", propertyID, s.now().Unix()))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"property_id", "timestamp", "quoted_price", "accepted", "final_price", "action_id"}); err != nil {
		return "", err
	}
	for _, o := range rows {
		final := ""
		if o.FinalPrice != nil {
			final = strconv.FormatFloat(*o.FinalPrice, 'f', -1, 64)
		}
		rec := []string{
			propertyID,
			o.Timestamp.Format(time.RFC3339),
			strconv.FormatFloat(o.QuotedPrice, 'f', -1, 64),
			strconv.FormatBool(o.Accepted),
			final,
			o.ActionID,
		}
		if err := w.Write(rec); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush export: %w", err)
	}
	return path, nil
}

// Delete removes a property's outcomes, optionally only those before the
// cutoff. This is the retention sweep; nothing else deletes ledger rows.
func (s *Store) Delete(ctx context.Context, propertyID string, before *time.Time) (int64, error) {
	l := s.lockFor(propertyID)
	l.Lock()
	defer l.Unlock()

	q := `DELETE FROM outcomes WHERE property_id = ?`
	args := []interface{}{propertyID}
	if before != nil {
		q += ` AND ts < ?`
		args = append(args, before.UTC().UnixMilli())
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("delete outcomes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
