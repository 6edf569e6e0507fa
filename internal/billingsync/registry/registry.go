package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/schedmate/schedmate/pkg/billing"
	_ "modernc.org/sqlite"
)

// BillingRegistry stores billing records and history in SQLite.
type BillingRegistry struct {
	db *sql.DB
}

// NewBillingRegistry opens (or creates) the billing database in dir.
func NewBillingRegistry(dir string) (*BillingRegistry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "billing.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open billing registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &BillingRegistry{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *BillingRegistry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS billing_records (
		account_id      TEXT PRIMARY KEY,
		status          TEXT NOT NULL,
		plan            TEXT NOT NULL DEFAULT 'starter',
		trial_ends_at   INTEGER,
		grace_until     INTEGER,
		subscription_id TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL,
		last_event_at   INTEGER,
		version         INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_billing_records_status ON billing_records(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_records_subscription
		ON billing_records(subscription_id) WHERE subscription_id != '';

	CREATE TABLE IF NOT EXISTS billing_history (
		id          TEXT PRIMARY KEY,
		account_id  TEXT NOT NULL,
		transition  TEXT NOT NULL,
		source      TEXT NOT NULL DEFAULT '',
		event_id    TEXT NOT NULL DEFAULT '',
		event_type  TEXT NOT NULL DEFAULT '',
		from_status TEXT NOT NULL DEFAULT '',
		to_status   TEXT NOT NULL,
		plan        TEXT NOT NULL,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_billing_history_account ON billing_history(account_id, recorded_at);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init billing registry schema: %w", err)
	}
	return r.addColumnIfMissing("billing_records", "last_event_at", "INTEGER")
}

// addColumnIfMissing upgrades databases created before column was added.
func (r *BillingRegistry) addColumnIfMissing(table, column, decl string) error {
	rows, err := r.db.Query(`PRAGMA table_info(` + table + `)`)
	if err != nil {
		return fmt.Errorf("inspect %s schema: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return fmt.Errorf("inspect %s schema: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s schema: %w", table, err)
	}
	if _, err := r.db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + decl); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness checks).
func (r *BillingRegistry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (r *BillingRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const recordColumns = `account_id, status, plan, trial_ends_at, grace_until,
		subscription_id, created_at, updated_at, last_event_at, version`

// Get returns the record addressed by key, or nil when none exists.
func (r *BillingRegistry) Get(ctx context.Context, key billing.Key) (*billing.Record, error) {
	col, err := keyColumn(key)
	if err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM billing_records WHERE `+col+` = ?`, key.Value)
	return scanRecord(row)
}

// Upsert writes rec if the stored version equals expectedVersion. Zero
// inserts a new record and fails with billing.ErrConflict if one exists.
func (r *BillingRegistry) Upsert(ctx context.Context, rec *billing.Record, expectedVersion int64) error {
	if err := prepareWrite(rec, expectedVersion); err != nil {
		return err
	}

	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = r.db.ExecContext(ctx, `
			INSERT INTO billing_records (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(account_id) DO NOTHING`,
			rec.AccountID, string(rec.Status), string(rec.Plan),
			nullableMillis(rec.TrialEndsAt), nullableMillis(rec.GraceUntil),
			rec.SubscriptionID, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
			nullableMillis(rec.LastEventAt),
		)
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE billing_records SET
				status = ?, plan = ?, trial_ends_at = ?, grace_until = ?,
				subscription_id = ?, updated_at = ?, last_event_at = ?, version = version + 1
			WHERE account_id = ? AND version = ?`,
			string(rec.Status), string(rec.Plan),
			nullableMillis(rec.TrialEndsAt), nullableMillis(rec.GraceUntil),
			rec.SubscriptionID, rec.UpdatedAt.UnixMilli(), nullableMillis(rec.LastEventAt),
			rec.AccountID, expectedVersion,
		)
	}
	if err != nil {
		if isSQLiteUniqueViolation(err) && strings.Contains(err.Error(), "subscription_id") {
			return billing.ErrSubscriptionInUse
		}
		return fmt.Errorf("upsert billing record: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return billing.ErrConflict
	}
	rec.Version = expectedVersion + 1
	return nil
}

// Query returns records matching filter, oldest first.
func (r *BillingRegistry) Query(ctx context.Context, filter billing.Filter) ([]*billing.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM billing_records`
	var args []any
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC, account_id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query billing records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// CountByStatus returns a map of status -> count.
func (r *BillingRegistry) CountByStatus(ctx context.Context) (map[billing.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM billing_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count billing records by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[billing.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[billing.Status(status)] = count
	}
	return counts, rows.Err()
}

// AppendHistory inserts a history entry. Re-appending the same id is a no-op.
func (r *BillingRegistry) AppendHistory(ctx context.Context, e billing.HistoryEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO billing_history (
			id, account_id, transition, source, event_id, event_type,
			from_status, to_status, plan, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		e.ID, e.AccountID, e.Transition, e.Source, e.EventID, e.EventType,
		string(e.FromStatus), string(e.ToStatus), string(e.Plan), e.RecordedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append billing history: %w", err)
	}
	return nil
}

// ListHistory returns the newest entries for accountID first.
func (r *BillingRegistry) ListHistory(ctx context.Context, accountID string, limit int) ([]billing.HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT
		id, account_id, transition, source, event_id, event_type,
		from_status, to_status, plan, recorded_at
		FROM billing_history WHERE account_id = ?
		ORDER BY recorded_at DESC, id DESC LIMIT ?`, accountID, historyLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list billing history: %w", err)
	}
	defer rows.Close()

	var entries []billing.HistoryEntry
	for rows.Next() {
		var e billing.HistoryEntry
		var from, to, plan string
		var recordedAt int64
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Transition, &e.Source, &e.EventID, &e.EventType,
			&from, &to, &plan, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan billing history: %w", err)
		}
		e.FromStatus = billing.Status(from)
		e.ToStatus = billing.Status(to)
		e.Plan = billing.Plan(plan)
		e.RecordedAt = fromMillis(recordedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanRecord(s scanner) (*billing.Record, error) {
	var rec billing.Record
	var status, plan string
	var trialEndsAt, graceUntil, lastEventAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&rec.AccountID, &status, &plan, &trialEndsAt, &graceUntil,
		&rec.SubscriptionID, &createdAt, &updatedAt, &lastEventAt, &rec.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan billing record: %w", err)
	}

	rec.Status = billing.Status(status)
	rec.Plan = billing.Plan(plan)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	if trialEndsAt.Valid {
		ts := fromMillis(trialEndsAt.Int64)
		rec.TrialEndsAt = &ts
	}
	if graceUntil.Valid {
		ts := fromMillis(graceUntil.Int64)
		rec.GraceUntil = &ts
	}
	if lastEventAt.Valid {
		ts := fromMillis(lastEventAt.Int64)
		rec.LastEventAt = &ts
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*billing.Record, error) {
	var records []*billing.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
