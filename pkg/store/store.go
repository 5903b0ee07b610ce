// Package store is the SQLite persistence layer. All multi-row logical
// operations run in a single transaction; natural-key upserts use
// ON CONFLICT DO UPDATE; the partial unique index on task_executions
// enforces the single-active-execution invariant at the schema level.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fabulist/fabula/pkg/config"
	"github.com/fabulist/fabula/pkg/logger"
	"github.com/fabulist/fabula/pkg/registry"
)

type Store struct {
	db  *sql.DB
	log *slog.Logger

	// writeMu serializes multi-statement writes the schema cannot express
	// atomically (score recomputation, numerator allocation).
	writeMu sync.Mutex

	// Read-mostly catalog caches, invalidated by the upserts that touch them.
	// Cached rows are shared; callers must not mutate them.
	agentCache    *registry.Cache[*Agent]
	taskTypeCache *registry.Cache[*TaskType]
	templateCache *registry.Cache[*StepTemplate]
}

// Open opens (or creates) the database at cfg.Path and initializes the
// schema. Foreign keys are enforced at connection level.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	busyMillis := cfg.BusyTimeout.Milliseconds()
	if busyMillis <= 0 {
		busyMillis = 5000
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d",
		cfg.Path, busyMillis)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a larger pool only buys lock contention.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:            db,
		log:           logger.WithComponent("store"),
		agentCache:    registry.NewCache[*Agent](),
		taskTypeCache: registry.NewCache[*TaskType](),
		templateCache: registry.NewCache[*StepTemplate](),
	}

	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// OpenMemory opens a private in-memory database, used by tests.
func OpenMemory() (*Store, error) {
	return Open(config.DatabaseConfig{Path: ":memory:", BusyTimeout: 5 * time.Second})
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for narrow escape hatches (PRAGMA,
// maintenance). Business logic goes through the typed methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// withWriteTx serializes the transaction behind the process-wide write lane.
func (s *Store) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.withTx(ctx, fn)
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
