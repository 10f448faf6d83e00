// Package app opens the storage and messaging backends selected by configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"campusattend/internal/config"
	"campusattend/internal/queue"
	"campusattend/internal/store"
)

// Backends are the shared infrastructure of the api and worker processes.
type Backends struct {
	Store store.Store
	// DB and Redis are nil when the memory backends are selected.
	DB     *store.DB
	Redis  *store.Redis
	Jobs   queue.Queue
	Events queue.Queue
}

// Open connects to the configured backends. With MigrateOnBoot the schema is brought
// up to date before anything else touches the database.
func Open(ctx context.Context, cfg config.App, log *zap.Logger) (*Backends, error) {
	b := &Backends{}

	switch cfg.StoreBackend {
	case "memory":
		log.Warn("using in-memory store, data is lost on restart")
		b.Store = store.NewMemory()
	default:
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.DB = db
		if cfg.MigrateOnBoot {
			if err := db.Migrate(); err != nil {
				_ = db.Close()
				return nil, err
			}
			log.Info("database migrations applied")
		}
		b.Store = store.NewPostgres(db.Client)
	}

	switch cfg.QueueBackend {
	case "memory":
		b.Jobs = queue.NewInMemory(64)
		b.Events = queue.NewInMemory(64)
	default:
		b.Redis = store.NewRedis(cfg.RedisAddr)
		if !b.Redis.Healthy(ctx) {
			log.Warn("redis not reachable yet", zap.String("addr", cfg.RedisAddr))
		}
		b.Jobs = queue.NewRedisQueue(b.Redis.Client, cfg.JobsKey)
		b.Events = queue.NewRedisQueue(b.Redis.Client, cfg.EventsKey)
	}
	return b, nil
}

// Shared reports whether the queues are visible to other processes.
func (b *Backends) Shared() bool {
	return b.Redis != nil
}

// LocalStore reports whether the store lives inside this process only.
func (b *Backends) LocalStore() bool {
	_, ok := b.Store.(*store.Memory)
	return ok
}

// Duties is the reconciliation work the api process runs itself because no
// worker can reach its data or its run requests.
type Duties struct {
	Schedule      bool
	ServeRequests bool
}

// APIDuties derives the api process's duties from the selected backends.
func (b *Backends) APIDuties() Duties {
	return Duties{
		Schedule:      b.LocalStore(),
		ServeRequests: b.LocalStore() || !b.Shared(),
	}
}

// ErrWorkerNeedsSharedStore is returned when the worker would reconcile a store nobody else writes to.
var ErrWorkerNeedsSharedStore = errors.New("worker requires store_backend=postgres; with the memory store the api process reconciles its own sessions")

// CheckWorker rejects backends the worker cannot usefully run against.
func (b *Backends) CheckWorker() error {
	if b.LocalStore() {
		return ErrWorkerNeedsSharedStore
	}
	return nil
}

// HealthChecks returns a probe per external dependency.
func (b *Backends) HealthChecks() map[string]func(context.Context) bool {
	checks := map[string]func(context.Context) bool{}
	if b.DB != nil {
		checks["db"] = func(ctx context.Context) bool { return b.DB.Client.PingContext(ctx) == nil }
	}
	if b.Redis != nil {
		checks["redis"] = b.Redis.Healthy
	}
	return checks
}

// Close releases every connection.
func (b *Backends) Close() error {
	var errs []error
	if b.Redis != nil {
		if err := b.Redis.Client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := b.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close postgres: %w", err))
	}
	return errors.Join(errs...)
}
