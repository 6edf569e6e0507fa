package billingsync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/schedmate/schedmate/internal/billingsync/registry"
	"github.com/schedmate/schedmate/internal/billingsync/sweep"
	"github.com/schedmate/schedmate/internal/reconcile"
)

// Services are the long-lived components shared by every command.
type Services struct {
	Store      registry.Store
	Reconciler *reconcile.Reconciler
	Sweeper    *sweep.Sweeper

	redisLock *sweep.RedisLock
}

// OpenServices opens the store and builds the reconciler and sweeper.
func OpenServices(ctx context.Context, cfg *Config) (*Services, error) {
	store, err := registry.Open(ctx, cfg.OpenConfig())
	if err != nil {
		return nil, fmt.Errorf("open billing store: %w", err)
	}

	svc := &Services{
		Store:      store,
		Reconciler: reconcile.New(store, reconcile.WithHistory(store)),
	}

	var lock sweep.Lock = sweep.NoopLock{}
	if cfg.RedisURL != "" {
		redisLock, err := sweep.DialRedisLock(ctx, cfg.RedisURL)
		if err != nil {
			// Sweeps are idempotent; run them unlocked rather than not at all.
			log.Warn().Err(err).Msg("Redis unavailable, sweep lock disabled")
		} else {
			svc.redisLock = redisLock
			lock = redisLock
		}
	}

	svc.Sweeper = sweep.New(store, svc.Reconciler, sweep.Config{
		Interval:    cfg.SweepInterval,
		ExpireGrace: cfg.SweepExpireGrace,
		Lock:        lock,
	})
	return svc, nil
}

// Close releases the store and the Redis connection.
func (s *Services) Close() error {
	if s.redisLock != nil {
		_ = s.redisLock.Close()
	}
	return s.Store.Close()
}
