// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/capture/lib/clock"
)

// SQLiteConfig holds the parameters for opening the durable store.
type SQLiteConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist; the file is created if it does not.
	Path string

	// PoolSize is the number of pooled connections. Defaults to 2:
	// the pipeline does one small write at a time.
	PoolSize int

	// Clock stamps updated_at. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives open/close messages. Nil discards.
	Logger *slog.Logger
}

// SQLite is the durable store. Values are partitioned by Medium; use
// [SQLite.Medium] to obtain a Store.
type SQLite struct {
	pool   *sqlitex.Pool
	clock  clock.Clock
	logger *slog.Logger
	path   string
}

const kvSchema = `
CREATE TABLE IF NOT EXISTS kv (
	medium     TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	value      BLOB    NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (medium, key)
) WITHOUT ROWID;
`

// OpenSQLite opens (creating if needed) the state database at
// config.Path.
func OpenSQLite(config SQLiteConfig) (*SQLite, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("storage: Path is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	poolSize := config.PoolSize
	if poolSize <= 0 {
		poolSize = 2
	}

	pool, err := sqlitex.NewPool(config.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", config.Path, err)
	}

	store := &SQLite{
		pool:   pool,
		clock:  clk,
		logger: logger,
		path:   config.Path,
	}

	// Touch one connection now so an unusable path fails here rather
	// than on the first capture.
	conn, err := store.take()
	if err != nil {
		pool.Close()
		return nil, err
	}
	pool.Put(conn)

	logger.Info("capture state store opened", "path", config.Path, "pool_size", poolSize)
	return store, nil
}

// Medium returns the Store view for one storage medium.
func (s *SQLite) Medium(medium Medium) Store {
	return &sqliteMedium{store: s, medium: medium}
}

// Close closes every pooled connection.
func (s *SQLite) Close() error {
	if err := s.pool.Close(); err != nil {
		s.logger.Error("capture state store close error", "path", s.path, "error", err)
		return fmt.Errorf("storage: closing %s: %w", s.path, err)
	}
	s.logger.Info("capture state store closed", "path", s.path)
	return nil
}

func (s *SQLite) take() (*sqlite.Conn, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return nil, fmt.Errorf("storage: take connection: %w", err)
	}
	return conn, nil
}

// prepareConnection applies the standard pragmas and creates the kv
// table. Runs once per pooled connection.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, kvSchema, nil); err != nil {
		return fmt.Errorf("storage: creating schema: %w", err)
	}
	return nil
}

// sqliteMedium is the Store for one medium of a SQLite database.
type sqliteMedium struct {
	store  *SQLite
	medium Medium
}

func (m *sqliteMedium) Get(key string) ([]byte, bool, error) {
	conn, err := m.store.take()
	if err != nil {
		return nil, false, err
	}
	defer m.store.pool.Put(conn)

	var value []byte
	found := false
	err = sqlitex.Execute(conn,
		"SELECT value FROM kv WHERE medium = ? AND key = ?",
		&sqlitex.ExecOptions{
			Args: []any{string(m.medium), key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, value)
				found = true
				return nil
			},
		})
	if err != nil {
		return nil, false, fmt.Errorf("storage: get %s/%s: %w", m.medium, key, err)
	}
	return value, found, nil
}

func (m *sqliteMedium) Set(key string, value []byte) error {
	conn, err := m.store.take()
	if err != nil {
		return err
	}
	defer m.store.pool.Put(conn)

	if value == nil {
		value = []byte{}
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO kv (medium, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (medium, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{string(m.medium), key, value, m.store.clock.Now().UnixMilli()},
		})
	if err != nil {
		return fmt.Errorf("storage: set %s/%s: %w", m.medium, key, err)
	}
	return nil
}

func (m *sqliteMedium) Delete(key string) error {
	conn, err := m.store.take()
	if err != nil {
		return err
	}
	defer m.store.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM kv WHERE medium = ? AND key = ?",
		&sqlitex.ExecOptions{Args: []any{string(m.medium), key}})
	if err != nil {
		return fmt.Errorf("storage: delete %s/%s: %w", m.medium, key, err)
	}
	return nil
}
