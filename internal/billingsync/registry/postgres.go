package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/schedmate/schedmate/pkg/billing"
)

// PGRegistry stores billing records and history in PostgreSQL.
type PGRegistry struct {
	pool *pgxpool.Pool
}

// NewPGRegistry connects to databaseURL and ensures the schema exists.
func NewPGRegistry(ctx context.Context, databaseURL string) (*PGRegistry, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}

	r := NewPGRegistryFromPool(pool)
	if err := r.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// NewPGRegistryFromPool wraps an existing pool. The caller owns the schema.
func NewPGRegistryFromPool(pool *pgxpool.Pool) *PGRegistry {
	return &PGRegistry{pool: pool}
}

// EnsureSchema creates the billing tables if they do not exist.
func (r *PGRegistry) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS billing_records (
    account_id      TEXT PRIMARY KEY,
    status          TEXT NOT NULL,
    plan            TEXT NOT NULL DEFAULT 'starter',
    trial_ends_at   TIMESTAMPTZ,
    grace_until     TIMESTAMPTZ,
    subscription_id TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL,
    last_event_at   TIMESTAMPTZ,
    version         BIGINT NOT NULL DEFAULT 1
);
ALTER TABLE billing_records ADD COLUMN IF NOT EXISTS last_event_at TIMESTAMPTZ;
CREATE INDEX IF NOT EXISTS idx_billing_records_status ON billing_records (status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_records_subscription
    ON billing_records (subscription_id) WHERE subscription_id <> '';

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
    recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_billing_history_account ON billing_history (account_id, recorded_at DESC);
`)
	if err != nil {
		return fmt.Errorf("init billing pg schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (r *PGRegistry) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the pool.
func (r *PGRegistry) Close() error {
	if r == nil || r.pool == nil {
		return nil
	}
	r.pool.Close()
	return nil
}

// Get returns the record addressed by key, or nil when none exists.
func (r *PGRegistry) Get(ctx context.Context, key billing.Key) (*billing.Record, error) {
	col, err := keyColumn(key)
	if err != nil {
		return nil, err
	}
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM billing_records WHERE `+col+` = $1`, key.Value)
	return scanPGRecord(row)
}

// Upsert writes rec if the stored version equals expectedVersion.
func (r *PGRegistry) Upsert(ctx context.Context, rec *billing.Record, expectedVersion int64) error {
	if err := prepareWrite(rec, expectedVersion); err != nil {
		return err
	}

	var (
		tag pgconn.CommandTag
		err error
	)
	if expectedVersion == 0 {
		tag, err = r.pool.Exec(ctx, `
			INSERT INTO billing_records (`+recordColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
			ON CONFLICT (account_id) DO NOTHING`,
			rec.AccountID, string(rec.Status), string(rec.Plan),
			rec.TrialEndsAt, rec.GraceUntil, rec.SubscriptionID,
			rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), rec.LastEventAt,
		)
	} else {
		tag, err = r.pool.Exec(ctx, `
			UPDATE billing_records SET
				status = $2, plan = $3, trial_ends_at = $4, grace_until = $5,
				subscription_id = $6, updated_at = $7, last_event_at = $8, version = version + 1
			WHERE account_id = $1 AND version = $9`,
			rec.AccountID, string(rec.Status), string(rec.Plan),
			rec.TrialEndsAt, rec.GraceUntil, rec.SubscriptionID,
			rec.UpdatedAt.UTC(), rec.LastEventAt, expectedVersion,
		)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "idx_billing_records_subscription" {
			return billing.ErrSubscriptionInUse
		}
		return fmt.Errorf("upsert billing record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrConflict
	}
	rec.Version = expectedVersion + 1
	return nil
}

// Query returns records matching filter, oldest first.
func (r *PGRegistry) Query(ctx context.Context, filter billing.Filter) ([]*billing.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM billing_records`
	var args []any
	if len(filter.Statuses) > 0 {
		query += ` WHERE status = ANY($1)`
		args = append(args, statusStrings(filter.Statuses))
	}
	query += ` ORDER BY created_at ASC, account_id ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query billing records: %w", err)
	}
	defer rows.Close()

	var records []*billing.Record
	for rows.Next() {
		rec, err := scanPGRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByStatus returns a map of status -> count.
func (r *PGRegistry) CountByStatus(ctx context.Context) (map[billing.Status]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM billing_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count billing records by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[billing.Status]int)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[billing.Status(status)] = int(count)
	}
	return counts, rows.Err()
}

// AppendHistory inserts a history entry. Re-appending the same id is a no-op.
func (r *PGRegistry) AppendHistory(ctx context.Context, e billing.HistoryEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO billing_history (
			id, account_id, transition, source, event_id, event_type,
			from_status, to_status, plan, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.AccountID, e.Transition, e.Source, e.EventID, e.EventType,
		string(e.FromStatus), string(e.ToStatus), string(e.Plan), e.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append billing history: %w", err)
	}
	return nil
}

// ListHistory returns the newest entries for accountID first.
func (r *PGRegistry) ListHistory(ctx context.Context, accountID string, limit int) ([]billing.HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT
		id, account_id, transition, source, event_id, event_type,
		from_status, to_status, plan, recorded_at
		FROM billing_history WHERE account_id = $1
		ORDER BY recorded_at DESC, id DESC LIMIT $2`, accountID, historyLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list billing history: %w", err)
	}
	defer rows.Close()

	var entries []billing.HistoryEntry
	for rows.Next() {
		var e billing.HistoryEntry
		var from, to, plan string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Transition, &e.Source, &e.EventID, &e.EventType,
			&from, &to, &plan, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan billing history: %w", err)
		}
		e.FromStatus = billing.Status(from)
		e.ToStatus = billing.Status(to)
		e.Plan = billing.Plan(plan)
		e.RecordedAt = e.RecordedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanPGRecord(s scanner) (*billing.Record, error) {
	var rec billing.Record
	var status, plan string
	var trialEndsAt, graceUntil, lastEventAt *time.Time

	err := s.Scan(
		&rec.AccountID, &status, &plan, &trialEndsAt, &graceUntil,
		&rec.SubscriptionID, &rec.CreatedAt, &rec.UpdatedAt, &lastEventAt, &rec.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan billing record: %w", err)
	}

	rec.Status = billing.Status(status)
	rec.Plan = billing.Plan(plan)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if trialEndsAt != nil {
		ts := trialEndsAt.UTC()
		rec.TrialEndsAt = &ts
	}
	if graceUntil != nil {
		ts := graceUntil.UTC()
		rec.GraceUntil = &ts
	}
	if lastEventAt != nil {
		ts := lastEventAt.UTC()
		rec.LastEventAt = &ts
	}
	return &rec, nil
}
