package main

import (
	"context"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"gridoc/internal/config"
	"gridoc/internal/content"
	"gridoc/internal/content/gridfs"
	"gridoc/internal/content/s3"
	"gridoc/internal/repository"
	"gridoc/internal/service"
)

// backends holds the storage the revision service runs on.
type backends struct {
	repo   repository.RevisionRepository
	blobs  content.Store
	locker service.KeyLocker

	db    *sqlx.DB
	redis *redis.Client
}

func postgresOptions(cfg *config.Config) repository.PostgresOptions {
	return repository.PostgresOptions{
		DSN:             cfg.Database.GetDSN(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
		ConnectDelay:    cfg.Database.ConnectDelay,
	}
}

// openBackends connects every backend the configuration selects. Whatever
// was opened before a failure is closed again.
func openBackends(ctx context.Context, cfg *config.Config, log *zap.Logger) (b *backends, err error) {
	b = &backends{}
	defer func() {
		if err != nil {
			if cerr := b.Close(context.Background()); cerr != nil {
				log.Warn("close backends after failed start", zap.Error(cerr))
			}
			b = nil
		}
	}()

	switch cfg.Metadata.Backend {
	case "postgres":
		if b.db, err = repository.Connect(ctx, postgresOptions(cfg), log); err != nil {
			return b, err
		}
		if err = repository.Migrate(b.db, log); err != nil {
			return b, err
		}
		b.repo = repository.NewPostgresRevisionRepository(b.db)
	case "badger":
		repo, err := repository.NewBadgerRevisionRepository(repository.BadgerOptions{
			Dir:      cfg.Badger.Dir,
			InMemory: cfg.Badger.InMemory,
		}, log)
		if err != nil {
			return b, err
		}
		b.repo = repo
	case "memory":
		b.repo = repository.NewMemoryRevisionRepository()
	default:
		return b, errors.Errorf("unknown metadata backend %q", cfg.Metadata.Backend)
	}
	log.Info("metadata backend ready", zap.String("backend", cfg.Metadata.Backend))

	switch cfg.Content.Backend {
	case "s3":
		s3Conf := cfg.S3
		cli, err := s3.NewClient(ctx, &s3Conf)
		if err != nil {
			return b, err
		}
		b.blobs = cli
	case "gridfs":
		store, err := gridfs.New(ctx, cfg.Mongo, log.Named("gridfs"))
		if err != nil {
			return b, err
		}
		b.blobs = store
	case "memory":
		b.blobs = content.NewMemoryStore()
	default:
		return b, errors.Errorf("unknown content backend %q", cfg.Content.Backend)
	}
	log.Info("content backend ready", zap.String("backend", cfg.Content.Backend))

	switch cfg.Lock.Backend {
	case "local":
		b.locker = service.NewLocalLocker()
	case "redis":
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err = b.redis.Ping(ctx).Err(); err != nil {
			return b, errors.Wrapf(err, "ping redis %s", cfg.Redis.Addr)
		}
		b.locker = service.NewRedisLocker(b.redis, cfg.Lock.TTL, cfg.Lock.WaitTimeout)
	case "postgres":
		if b.db == nil {
			return b, errors.New("postgres lock needs the postgres metadata backend")
		}
		b.locker = service.NewPostgresLocker(b.db, cfg.Lock.WaitTimeout, log)
	default:
		return b, errors.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
	log.Info("lock backend ready", zap.String("backend", cfg.Lock.Backend))

	return b, nil
}

// Close releases every opened backend and reports all failures.
func (b *backends) Close(ctx context.Context) error {
	var result *multierror.Error
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close redis"))
		}
	}
	if b.blobs != nil {
		if err := b.blobs.Close(ctx); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close content store"))
		}
	}
	if b.repo != nil {
		if err := b.repo.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close metadata repository"))
		}
	} else if b.db != nil {
		if err := b.db.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close database"))
		}
	}
	return result.ErrorOrNil()
}
