package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/vibrationmon/internal/errors"
	"codeberg.org/mutker/vibrationmon/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db     *sql.DB
	logger logger.Logger
	cfg    Config
	mu     sync.Mutex
	closed bool
}

func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}
	// Schema changes and VACUUM INTO share one connection
	db.SetMaxOpenConns(1)

	if err := ValidateAndUpdateSchema(db, cfg.DBPath, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Msg("Journal repository initialized")

	return &repository{
		db:     db,
		logger: log,
		cfg:    cfg,
	}, nil
}

func (r *repository) Insert(ctx context.Context, entry *Entry) error {
	errFactory := errors.New()

	if entry == nil || entry.Key == "" {
		return errFactory.New(ErrInvalidEntry)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errFactory.WithMessage(ErrStorageAccess, "repository closed")
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	if _, err := r.db.ExecContext(ctx, insertChangeSQL,
		ts.UnixMilli(),
		entry.Key,
		entry.Value,
		boolToInt(entry.Applied),
		entry.Reason,
	); err != nil {
		if ctx.Err() != nil {
			return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
		}
		return errFactory.WithData(ErrStorageAccess, struct {
			Phase string
			Key   string
			Error string
		}{
			Phase: "insert_change",
			Key:   entry.Key,
			Error: err.Error(),
		})
	}

	r.logger.Debug().
		Str("key", entry.Key).
		Str("value", entry.Value).
		Bool("applied", entry.Applied).
		Msg("Journal entry recorded")

	return nil
}

func (r *repository) Latest(ctx context.Context, key string) (*Entry, error) {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errFactory.WithMessage(ErrStorageAccess, "repository closed")
	}

	var (
		ms      int64
		applied int
		entry   Entry
	)
	err := r.db.QueryRowContext(ctx, latestAppliedSQL, key).
		Scan(&ms, &entry.Key, &entry.Value, &applied, &entry.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errFactory.WithMessage(ErrNotFound, key)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, errFactory.Wrap(ErrOperationTimeout, ctx.Err())
		}
		return nil, errFactory.WithData(ErrStorageAccess, struct {
			Phase string
			Key   string
			Error string
		}{
			Phase: "latest_change",
			Key:   key,
			Error: err.Error(),
		})
	}

	entry.Timestamp = time.UnixMilli(ms)
	entry.Applied = applied == 1

	return &entry, nil
}

func (r *repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	// Checkpoint WAL and cleanup on close
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		r.db.Close()
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("Journal repository closed gracefully")

	return nil
}
