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

	"github.com/example/hermes-sync/internal/ledger"
	"github.com/example/hermes-sync/internal/remote"
	"github.com/example/hermes-sync/internal/snapshot"
)

// Resources bundles the external connections used by the server so that their
// lifecycle can be managed in a single place. Only the clients the selected
// backends need are created.
type Resources struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	Object   *minio.Client

	Ledger    ledger.Ledger
	Remote    remote.Store
	Snapshots snapshot.Objects

	badger *ledger.Badger
	ws     *remote.WSClient
	cfg    Config
}

// NewResources builds all external dependencies using the provided
// configuration.
func NewResources(ctx context.Context, cfg Config, logger zerolog.Logger) (*Resources, error) {
	res := &Resources{cfg: cfg}
	if err := res.open(ctx, logger); err != nil {
		res.Close()
		return nil, err
	}
	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

func (r *Resources) open(ctx context.Context, logger zerolog.Logger) error {
	cfg := r.cfg

	if cfg.LedgerBackend == LedgerPostgres {
		pgCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("parse postgres url: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
		if err != nil {
			return fmt.Errorf("create postgres pool: %w", err)
		}
		r.Postgres = pool
	}

	if cfg.UsesRedis() {
		r.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	if cfg.SnapshotsEnabled() {
		client, err := minio.New(cfg.ObjectEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.ObjectAccessKey, cfg.ObjectSecretKey, ""),
			Secure: cfg.ObjectUseSSL,
			Region: cfg.ObjectRegion,
		})
		if err != nil {
			return fmt.Errorf("create object client: %w", err)
		}
		r.Object = client
		objects := snapshot.NewMinioObjects(client, cfg.ObjectBucket)
		if err := objects.EnsureBucket(ctx); err != nil {
			return err
		}
		r.Snapshots = objects
	}

	switch cfg.LedgerBackend {
	case LedgerBadger:
		db, err := ledger.OpenBadger(ledger.BadgerConfig{Path: cfg.LedgerPath, SyncWrites: true}, logger)
		if err != nil {
			return err
		}
		r.badger = db
		r.Ledger = db
	case LedgerPostgres:
		pg := ledger.NewPostgres(r.Postgres)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
		r.Ledger = pg
	case LedgerRedis:
		r.Ledger = ledger.NewRedis(r.Redis, cfg.LedgerTTL)
	default:
		r.Ledger = ledger.NewMemory()
	}

	switch cfg.RemoteBackend {
	case RemoteRedis:
		r.Remote = remote.NewRedisStore(r.Redis, logger)
	case RemoteWS:
		r.ws = remote.NewWSClient(remote.WSClientConfig{URL: cfg.RemoteURL}, logger)
		r.ws.Start(ctx)
		r.Remote = r.ws
	default:
		r.Remote = remote.NewMemory()
	}
	return nil
}

// HealthCheck verifies that all dependency pools are healthy.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if r.Postgres != nil {
		if err := r.Postgres.Ping(ctx); err != nil {
			return fmt.Errorf("postgres healthcheck failed: %w", err)
		}
	}

	if r.Redis != nil {
		if err := r.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis healthcheck failed: %w", err)
		}
	}

	// MinIO/S3 doesn't expose a ping, so we attempt to stat the configured bucket.
	if r.Object != nil {
		if _, err := r.Object.BucketExists(ctx, r.cfg.ObjectBucket); err != nil {
			return fmt.Errorf("object storage healthcheck failed: %w", err)
		}
	}

	return nil
}

// Close disposes all active connections.
func (r *Resources) Close() {
	if r.ws != nil {
		_ = r.ws.Close()
	}
	if r.badger != nil {
		_ = r.badger.Close()
	}
	if r.Postgres != nil {
		r.Postgres.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
}
