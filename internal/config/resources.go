package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Resources bundles the external connections used by the server so that their
// lifecycle can be managed in a single place. Postgres is required; Redis and
// object storage are optional and left nil when unreachable.
type Resources struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	Object   *minio.Client
	cfg      Config
}

// NewResources builds all external dependencies using the provided
// configuration.
func NewResources(ctx context.Context, cfg Config, logger zerolog.Logger) (*Resources, error) {
	pgCfg, err := pgxpool.ParseConfig(cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	pgPool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = pgPool.Ping(pingCtx)
	cancel()
	if err != nil {
		pgPool.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}

	res := &Resources{Postgres: pgPool, cfg: cfg}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable; roster cache disabled")
		_ = redisClient.Close()
	} else {
		res.Redis = redisClient
	}

	objectClient, err := minio.New(cfg.ObjectEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ObjectAccessKey, cfg.ObjectSecretKey, ""),
		Secure: cfg.ObjectUseSSL,
		Region: cfg.ObjectRegion,
	})
	if err != nil {
		logger.Warn().Err(err).Str("endpoint", cfg.ObjectEndpoint).Msg("object storage misconfigured; archival disabled")
	} else {
		pingCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
		_, err = objectClient.BucketExists(pingCtx, cfg.ObjectBucket)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Str("endpoint", cfg.ObjectEndpoint).Msg("object storage unreachable; archival disabled")
		} else {
			res.Object = objectClient
		}
	}

	return res, nil
}

// HealthCheck verifies that the dependency pools are healthy. Postgres is
// always probed; Redis and object storage are probed when they were connected
// at startup. The first failing probe is returned as the error.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.Postgres.Ping(ctx); err != nil {
		return fmt.Errorf("postgres healthcheck failed: %w", err)
	}

	if r.Redis != nil {
		if err := r.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis healthcheck failed: %w", err)
		}
	}

	if r.Object != nil {
		// MinIO/S3 doesn't expose a ping, so we stat the configured bucket.
		if _, err := r.Object.BucketExists(ctx, r.cfg.ObjectBucket); err != nil {
			return fmt.Errorf("object storage healthcheck failed: %w", err)
		}
	}

	return nil
}

// Close disposes all active connections.
func (r *Resources) Close() {
	if r.Postgres != nil {
		r.Postgres.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
}
