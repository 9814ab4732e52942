package beanbot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	// dbOperationTimeout bounds store operations whose context has no
	// deadline of its own
	dbOperationTimeout = 30 * time.Second

	sqlitePragmas = []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
)

// ModelUintID is embedded by models with an auto-incrementing ID
type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// ModelUnixTime adds created/updated timestamps in unix milliseconds
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// schema lists every model kept in the database
var schema = []any{
	&RoleMenu{},
	&RuntimeConfig{},
	&InteractionLog{},
}

// CreateDB opens the database described by cfg and migrates the schema.
// sqlite databases get a single connection, and their parent directory
// is created if needed.
func CreateDB(ctx context.Context, cfg DatabaseConfig) (*gorm.DB, error) {
	var level slog.Leveler = slog.LevelWarn
	if cfg.LogLevel != nil {
		level = cfg.LogLevel
	}
	logger := newLogger(level, "gorm")

	var dialector gorm.Dialector
	switch cfg.Type {
	case dbTypeSQLite:
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("error creating database directory: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.DSN)
	case dbTypePostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf(
			"unsupported database type %q (expected %q or %q)",
			cfg.Type, dbTypeSQLite, dbTypePostgres,
		)
	}

	db, err := gorm.Open(
		dialector, &gorm.Config{
			Logger:         gormLogger{log: logger, slow: cfg.SlowThreshold},
			TranslateError: true,
			NowFunc:        func() time.Time { return time.Now().UTC() },
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if cfg.Type == dbTypeSQLite {
		sqlDB, e := db.DB()
		if e != nil {
			return nil, e
		}
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		for _, pragma := range sqlitePragmas {
			if e = db.WithContext(ctx).Exec(pragma).Error; e != nil {
				return nil, fmt.Errorf("error setting %q: %w", pragma, e)
			}
		}
	}

	if err = migrate(ctx, db); err != nil {
		return nil, err
	}
	return db, nil
}

// migrate brings the schema up to date
func migrate(ctx context.Context, db *gorm.DB) error {
	err := db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.AutoMigrate(schema...)
		},
	)
	if err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}
	return nil
}

// dbWriter funnels every write through one place. Writes to sqlite are
// serialized, since it only allows a single writer at a time.
type dbWriter struct {
	db *gorm.DB
	mu *sync.Mutex
}

func newDBWriter(db *gorm.DB) *dbWriter {
	w := &dbWriter{db: db}
	if db.Dialector.Name() == dbTypeSQLite {
		w.mu = &sync.Mutex{}
	}
	return w
}

// exec runs op against the database, returning the rows it affected
func (w *dbWriter) exec(ctx context.Context, op func(tx *gorm.DB) *gorm.DB) (int64, error) {
	if w.mu != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	rv := op(w.db.WithContext(ctx))
	return rv.RowsAffected, rv.Error
}

// transaction runs fn in a transaction
func (w *dbWriter) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if w.mu != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()
	return w.db.WithContext(ctx).Transaction(fn)
}

// read returns a session for queries, bounded by dbOperationTimeout
// unless ctx already has a deadline
func (w *dbWriter) read(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := withOperationTimeout(ctx)
	return w.db.WithContext(ctx), cancel
}

func withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
