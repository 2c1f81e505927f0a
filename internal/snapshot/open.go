package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/k1networth/outputfeed/internal/output"
	"github.com/k1networth/outputfeed/internal/shared/config"
	"github.com/k1networth/outputfeed/internal/shared/db"
)

// Backend is a Persister that owns external resources.
type Backend interface {
	output.Persister
	Close() error
	Name() string
}

// ErrUnknownBackend reports a PERSIST_BACKEND value no backend answers to.
var ErrUnknownBackend = errors.New("unknown PERSIST_BACKEND")

// Open builds the backend selected by cfg.Backend. "none" (or empty) returns
// a nil Backend and no error: the window then lives in memory only.
func Open(ctx context.Context, cfg config.PersistConfig, log *slog.Logger) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "none", "memory":
		return nil, nil
	case "file":
		b, err = NewFileStore(cfg.Path)
	case "sqlite":
		b, err = openSQL(ctx, DialectSQLite, cfg)
	case "postgres":
		b, err = openSQL(ctx, DialectPostgres, cfg)
	case "redis":
		b, err = NewRedisStore(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.Key,
		})
	case "s3":
		b, err = NewS3Store(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
			Key:      cfg.Key,
		})
	case "gcs":
		b, err = NewGCSStore(ctx, GCSConfig{
			Bucket:   cfg.GCSBucket,
			Prefix:   cfg.GCSPrefix,
			Endpoint: cfg.GCSEndpoint,
			Key:      cfg.Key,
		})
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s snapshot backend: %w", cfg.Backend, err)
	}

	log.Info("snapshot_backend_opened", slog.String("backend", b.Name()), slog.String("key", cfg.Key))
	return b, nil
}

// OpenOrMemory is Open for process startup. A backend that is configured but
// unreachable is logged and replaced by a nil Backend, so the service runs
// memory-only. Only an unknown backend name is returned as an error.
func OpenOrMemory(ctx context.Context, cfg config.PersistConfig, log *slog.Logger) (Backend, error) {
	b, err := Open(ctx, cfg, log)
	if err == nil {
		return b, nil
	}
	if errors.Is(err, ErrUnknownBackend) {
		return nil, err
	}

	serr := &output.StorageError{Op: "open", Err: err}
	log.Error("snapshot_open_failed",
		slog.String("backend", cfg.Backend),
		slog.String("err", serr.Error()),
	)
	log.Warn("persistence_disabled", slog.String("backend", cfg.Backend))
	return nil, nil
}

func openSQL(ctx context.Context, dialect Dialect, cfg config.PersistConfig) (*SQLStore, error) {
	var store *SQLStore
	switch dialect {
	case DialectPostgres:
		pg, err := db.OpenPostgres(ctx, db.PostgresConfig{DatabaseURL: cfg.DatabaseURL})
		if err != nil {
			return nil, err
		}
		store = NewSQLStore(pg, dialect, cfg.Key)
	default:
		lite, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		store = NewSQLStore(lite, dialect, cfg.Key)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
