// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package restricted stores restricted metric events in SQLite and
// serves the query-sql action. Restricted metrics never travel through
// ordinary report payloads; a delegate process registered for the
// owning config reads them with read-only SQL instead.
//
// The package also owns the changed-operation registry: one receiver
// socket per (config key, delegate UID) pair, dialed when restricted
// rows for that config change.
package restricted

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/telemetryd/telemetryd/lib/clock"
	"github.com/telemetryd/telemetryd/lib/codec"
	"github.com/telemetryd/telemetryd/lib/ipc"
	"github.com/telemetryd/telemetryd/lib/schema"
	"github.com/telemetryd/telemetryd/lib/sqlitepool"
)

const schemaScript = `
	CREATE TABLE IF NOT EXISTS metric_events (
		config_uid     INTEGER NOT NULL,
		config_id      INTEGER NOT NULL,
		atom_tag       INTEGER NOT NULL,
		elapsed_nanos  INTEGER NOT NULL,
		recorded_nanos INTEGER NOT NULL,
		source_uid     INTEGER NOT NULL,
		values_cbor    BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_metric_events_config
		ON metric_events(config_uid, config_id);
	CREATE INDEX IF NOT EXISTS idx_metric_events_recorded
		ON metric_events(recorded_nanos);
`

type changedKey struct {
	Key         schema.ConfigKey
	DelegateUid int32
}

// Store is the restricted metrics database plus the delegate registry.
// Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	clk    clock.Clock
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	delegates map[changedKey]string
}

// Config holds the parameters for opening the restricted store.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	// TTL bounds the age of stored rows; EnforceTtl deletes older
	// ones. Non-positive disables expiry.
	TTL time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Open creates or opens the restricted metrics database.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("restricted: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("restricted: Logger is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schemaScript, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("restricted: %w", err)
	}

	return &Store{
		pool:      pool,
		clk:       cfg.Clock,
		ttl:       cfg.TTL,
		logger:    cfg.Logger,
		delegates: make(map[changedKey]string),
	}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Record inserts one event row for a restricted config.
func (s *Store) Record(ctx context.Context, key schema.ConfigKey, event schema.Event) error {
	valuesBlob, err := codec.Marshal(event.Values)
	if err != nil {
		return fmt.Errorf("restricted: encoding event values: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("restricted: record: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO metric_events
			(config_uid, config_id, atom_tag, elapsed_nanos, recorded_nanos, source_uid, values_cbor)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{key.Uid, key.Id, event.Atom, event.ElapsedNanos, s.clk.Now().UnixNano(), event.Uid, valuesBlob},
		})
	if err != nil {
		return fmt.Errorf("restricted: inserting event row: %w", err)
	}
	return nil
}

// Query runs read-only SQL on behalf of a delegate. The caller's
// transport UID must be a registered delegate for the named config
// key; anything else is a security error. Only SELECT (and WITH)
// statements are accepted.
func (s *Store) Query(ctx context.Context, key schema.ConfigKey, delegateUid int32, query string) (ipc.QueryResult, error) {
	var result ipc.QueryResult

	if !s.IsDelegate(key, delegateUid) {
		return result, ipc.Securityf("UID %d is not a restricted metrics delegate for config %s", delegateUid, key)
	}

	trimmed := strings.ToUpper(strings.TrimSpace(query))
	if !strings.HasPrefix(trimmed, "SELECT") && !strings.HasPrefix(trimmed, "WITH") {
		return result, ipc.IllegalArgumentf("query-sql accepts read-only SELECT statements")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return result, fmt.Errorf("restricted: query: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.ExecuteTransient(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if result.Columns == nil {
				for i := range stmt.ColumnCount() {
					result.Columns = append(result.Columns, stmt.ColumnName(i))
				}
			}
			row := make([]any, stmt.ColumnCount())
			for i := range row {
				switch stmt.ColumnType(i) {
				case sqlite.TypeInteger:
					row[i] = stmt.ColumnInt64(i)
				case sqlite.TypeFloat:
					row[i] = stmt.ColumnFloat(i)
				case sqlite.TypeText:
					row[i] = stmt.ColumnText(i)
				case sqlite.TypeBlob:
					blob := make([]byte, stmt.ColumnLen(i))
					stmt.ColumnBytes(i, blob)
					row[i] = blob
				case sqlite.TypeNull:
					row[i] = nil
				}
			}
			result.Rows = append(result.Rows, row)
			return nil
		},
	})
	if err != nil {
		return ipc.QueryResult{}, ipc.IllegalArgumentf("query failed: %v", err)
	}
	return result, nil
}

// EnforceTtl deletes rows recorded longer than the store's TTL ago and
// returns the number removed. A store without a TTL never expires rows.
func (s *Store) EnforceTtl(ctx context.Context) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("restricted: ttl sweep: %w", err)
	}
	defer s.pool.Put(conn)

	cutoff := s.clk.Now().Add(-s.ttl).UnixNano()
	err = sqlitex.Execute(conn,
		"DELETE FROM metric_events WHERE recorded_nanos < ?",
		&sqlitex.ExecOptions{Args: []any{cutoff}})
	if err != nil {
		return 0, fmt.Errorf("restricted: deleting expired rows: %w", err)
	}

	removed := conn.Changes()
	if removed > 0 {
		s.logger.Info("restricted rows expired", "removed", removed)
	}
	return removed, nil
}

// RowCount returns the number of stored event rows.
func (s *Store) RowCount(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("restricted: row count: %w", err)
	}
	defer s.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM metric_events", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("restricted: counting rows: %w", err)
	}
	return count, nil
}

// SetChangedOperation registers the receiver for one (config key,
// delegate UID) pair. Registration is what makes the UID a delegate.
func (s *Store) SetChangedOperation(key schema.ConfigKey, delegateUid int32, socketPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delegates[changedKey{Key: key, DelegateUid: delegateUid}] = socketPath
}

// RemoveChangedOperation drops the receiver for one (config key,
// delegate UID) pair, revoking the delegate.
func (s *Store) RemoveChangedOperation(key schema.ConfigKey, delegateUid int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.delegates, changedKey{Key: key, DelegateUid: delegateUid})
}

// IsDelegate reports whether the UID holds a changed-operation
// registration for the config key.
func (s *Store) IsDelegate(key schema.ConfigKey, uid int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.delegates[changedKey{Key: key, DelegateUid: uid}]
	return ok
}

// ChangedReceivers returns the receiver socket paths registered for
// one config key, in no particular order.
func (s *Store) ChangedReceivers(key schema.ConfigKey) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var paths []string
	for registered, path := range s.delegates {
		if registered.Key == key {
			paths = append(paths, path)
		}
	}
	return paths
}
