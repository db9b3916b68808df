// Package store persists the device registry in SQLite. It is the single
// source of truth for which devices exist and what profile each is assigned;
// live mode always comes from the detector, never from here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/config"
)

const defaultBusyTimeout = 5 * time.Second

// Options describes parameters for opening a registry store.
type Options struct {
	DBPath   string // Optional override for registry.db path (primarily for tests)
	ReadOnly bool   // Open database in read-only mode
}

// Store provides access to the device registry database.
type Store struct {
	db       *sql.DB
	dbPath   string
	readOnly bool
}

// NotFoundError indicates a requested record does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

// IsNotFound returns true when err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

// Open initialises the registry store, creating the schema if needed.
func Open(opts Options) (*Store, error) {
	dbPath := opts.DBPath
	if dbPath == "" {
		paths, err := config.EnsureInstanceDirs()
		if err != nil {
			return nil, fmt.Errorf("registry: ensure instance directories: %w", err)
		}
		dbPath = paths.RegistryDB
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		url.PathEscape(dbPath), defaultBusyTimeout.Milliseconds())
	if opts.ReadOnly {
		dsn += "&mode=ro"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open database: %w", err)
	}

	// Registry writes are serialized through a single connection so that
	// two workers observing the same device cannot interleave updates.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, dbPath: dbPath, readOnly: opts.ReadOnly}

	if !opts.ReadOnly {
		if err := store.ensureSchema(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
	}

	return store, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the backing database path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("registry: apply schema: %w", err)
		}
	}
	return nil
}

// withWriteTx runs fn inside a transaction, rolling back on error.
func (s *Store) withWriteTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	if s.readOnly {
		return fmt.Errorf("registry: %s: store opened read-only", op)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: %s: begin: %w", op, err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("registry: %s: rollback after %v: %w", op, err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("registry: %s: commit: %w", op, err)
	}
	return nil
}
