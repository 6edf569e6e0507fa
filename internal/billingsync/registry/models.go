package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/schedmate/schedmate/pkg/billing"
)

// Store is the full persistence surface of the billing service: the record
// store the reconciler writes through, the history log, and the aggregate
// and health queries used by metrics and readiness checks.
type Store interface {
	billing.Store
	billing.HistoryStore

	CountByStatus(ctx context.Context) (map[billing.Status]int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Driver names a Store backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverMemory   Driver = "memory"
)

// OpenConfig selects and configures a Store backend.
type OpenConfig struct {
	Driver      Driver
	DataDir     string // sqlite
	DatabaseURL string // postgres
}

// Open returns the Store selected by cfg.Driver.
func Open(ctx context.Context, cfg OpenConfig) (Store, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return NewBillingRegistry(cfg.DataDir)
	case DriverPostgres:
		return NewPGRegistry(ctx, cfg.DatabaseURL)
	case DriverMemory:
		return NewMemoryRegistry(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func historyLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

// scanner is an interface satisfied by *sql.Row, *sql.Rows and pgx.Row.
type scanner interface {
	Scan(dest ...any) error
}

// prepareWrite validates rec and fills bookkeeping timestamps before a write.
func prepareWrite(rec *billing.Record, expectedVersion int64) error {
	if rec == nil {
		return fmt.Errorf("billing record is nil")
	}
	if strings.TrimSpace(rec.AccountID) == "" {
		return fmt.Errorf("billing record has no account id")
	}
	if expectedVersion < 0 {
		return fmt.Errorf("invalid expected version %d", expectedVersion)
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	return nil
}

func keyColumn(key billing.Key) (string, error) {
	if strings.TrimSpace(key.Value) == "" {
		return "", fmt.Errorf("empty %s key", key.Type)
	}
	switch key.Type {
	case billing.KeyAccountID:
		return "account_id", nil
	case billing.KeySubscriptionID:
		return "subscription_id", nil
	default:
		return "", fmt.Errorf("unknown key type %q", key.Type)
	}
}

func statusStrings(statuses []billing.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
