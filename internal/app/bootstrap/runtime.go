package bootstrap

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-queue/internal/audit"
	"github.com/wolfman30/clinic-queue/internal/clinic"
	appconfig "github.com/wolfman30/clinic-queue/internal/config"
	"github.com/wolfman30/clinic-queue/internal/queue"
	"github.com/wolfman30/clinic-queue/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// ConnectPostgres opens a pgx pool. An empty URL returns nil, nil.
func ConnectPostgres(ctx context.Context, databaseURL string, logger *logging.Logger) (*pgxpool.Pool, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return nil, nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	logger.Info("connected to postgres")
	return pool, nil
}

// BuildQueueStore picks the queue store. A nil pool falls back to memory.
func BuildQueueStore(cfg *appconfig.Config, pool *pgxpool.Pool, logger *logging.Logger) queue.Store {
	if logger == nil {
		logger = logging.Default()
	}
	if pool == nil || (cfg != nil && cfg.UseMemoryStore) {
		logger.Warn("using in-memory queue store; state is lost on restart")
		return queue.NewMemoryStore()
	}
	return queue.NewPostgresStore(pool)
}

// AuditLog is the store behind both the service's override trail and the
// audit list endpoint.
type AuditLog interface {
	queue.AuditLog
	audit.Lister
}

// BuildAuditLog returns the SQL audit log, or an in-memory one when no
// database URL is configured. The returned close func is never nil.
func BuildAuditLog(cfg *appconfig.Config) (AuditLog, func() error, error) {
	noop := func() error { return nil }
	if cfg == nil || cfg.UseMemoryStore || strings.TrimSpace(cfg.DatabaseURL) == "" {
		return audit.NewInMemoryLog(), noop, nil
	}
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, noop, fmt.Errorf("bootstrap: open audit db: %w", err)
	}
	return audit.NewSQLLog(db), db.Close, nil
}

// BuildClinicStore returns the clinic config store when Redis is available.
func BuildClinicStore(redisClient *redis.Client) *clinic.Store {
	if redisClient == nil {
		return nil
	}
	return clinic.NewStore(redisClient)
}

// BuildPolicyProvider prefers per-clinic Redis policies and falls back to a
// static default using the configured timezone.
func BuildPolicyProvider(cfg *appconfig.Config, store *clinic.Store) queue.PolicyProvider {
	if store != nil {
		return store
	}
	fallback := queue.DefaultPolicy()
	if cfg != nil && strings.TrimSpace(cfg.DefaultTimezone) != "" {
		fallback.Timezone = cfg.DefaultTimezone
	}
	return queue.NewStaticPolicies(fallback.Normalize())
}
