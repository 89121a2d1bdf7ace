// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the daemon's standard SQLite connection
// pool.
//
// The restricted metrics store keeps queryable event rows in SQLite,
// and this package wraps zombiezen.com/go/sqlite with the pragmas that
// workload needs: WAL journal mode, NORMAL synchronous for
// process-crash durability without fsync-per-commit overhead,
// memory-mapped I/O for read performance, and a busy timeout to absorb
// write contention from the ingest path.
//
// The pool is built on zombiezen's sqlitex.Pool, which manages a
// fixed-size set of connections. Callers [Pool.Take] a connection,
// perform work, and [Pool.Put] it back. Connections are NOT safe for
// concurrent use — each goroutine must hold its own connection for the
// duration of its work.
//
// # Pragmas
//
// Every connection in the pool is initialized with these pragmas:
//
//   - journal_mode=WAL: write-ahead logging so delegate queries never
//     block the ingest writer and vice versa.
//   - synchronous=NORMAL: transactions survive process crashes. Not
//     durable across OS crashes or power failure — acceptable here
//     because restricted rows expire on a TTL anyway and the durable
//     record is the on-disk report store.
//   - busy_timeout=5000: wait up to 5 seconds for a write lock instead
//     of returning SQLITE_BUSY immediately.
//   - foreign_keys=OFF: the store manages row lifetime explicitly; the
//     per-metric tables have no relationships to cascade.
//   - cache_size=-8192: 8 MB page cache per connection.
//   - mmap_size=268435456: 256 MB memory-mapped I/O for reads.
//   - temp_store=MEMORY: temporary tables and indexes in memory.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:     "/var/lib/telemetryd/restricted.db",
//	    PoolSize: 4,
//	    Logger:   logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
//
// This package is intentionally thin: it applies standard pragmas and
// exposes the underlying zombiezen types directly. Callers write SQL,
// use sqlitex.Execute for cached statements, and manage transactions
// with sqlitex.ImmediateTransaction.
package sqlitepool
