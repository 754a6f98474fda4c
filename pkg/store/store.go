// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store implements the SQLite-backed Handle shared by the
// container reconciler's persistence layer. Concurrency is a single
// writer serialized by a mutex and many readers pulled from their own
// pool, mirroring the original implementation's Arc<Mutex<Connection>>
// writer plus per-task reader.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/edgehog-device-runtime/device-runtime-go/pkg/log"
)

// Handle owns the read and write connection pools to one SQLite file.
//
// Writes are serialized by writeMu in addition to limiting the write pool
// to a single connection: the mutex makes the critical section explicit at
// the call site (ForWrite/ForWriteTx), the pool limit is a second line of
// defense against any code path that bypasses it.
type Handle struct {
	dbFile  string
	writeMu sync.Mutex
	writeDB *sql.DB
	readDB  *sql.DB
}

// Open connects to dbFile, applying pending migrations under the writer
// lock before returning the Handle to callers.
func Open(ctx context.Context, dbFile string) (*Handle, error) {
	writeDB, err := sql.Open("sqlite", withForeignKeys(dbFile))
	if err != nil {
		return nil, fmt.Errorf("%w: open writer %s: %v", ErrConnection, dbFile, err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite", withForeignKeys(dbFile))
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("%w: open reader %s: %v", ErrConnection, dbFile, err)
	}

	h := &Handle{
		dbFile:  dbFile,
		writeDB: writeDB,
		readDB:  readDB,
	}

	if err := h.migrate(ctx); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, err
	}

	return h, nil
}

// Close releases both connection pools.
func (h *Handle) Close() error {
	werr := h.writeDB.Close()
	rerr := h.readDB.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// ForRead runs fn against a reader connection. If the reader pool was lost
// (e.g. the process recovered from a panic in a previous caller), a fresh
// connection is transparently re-established rather than propagating the
// poisoned state to this call.
func (h *Handle) ForRead(ctx context.Context, fn func(*sql.Conn) error) (err error) {
	conn, err := h.readDB.Conn(ctx)
	if err != nil {
		log.WithComponent("store").Warn().Err(err).Msg("reader connection lost, re-establishing")
		conn, err = h.reconnectReader(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}
	}
	defer conn.Close()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: reader task panicked: %v", ErrConnection, r)
		}
	}()

	if err := fn(conn); err != nil {
		return fmt.Errorf("%w: %w", ErrQuery, err)
	}
	return nil
}

func (h *Handle) reconnectReader(ctx context.Context) (*sql.Conn, error) {
	db, err := sql.Open("sqlite", withForeignKeys(h.dbFile))
	if err != nil {
		return nil, err
	}
	h.readDB = db
	return h.readDB.Conn(ctx)
}

// withForeignKeys appends modernc.org/sqlite's pragma DSN query so every
// connection enforces FK constraints and ON DELETE CASCADE, which SQLite
// otherwise leaves off per-connection.
func withForeignKeys(dbFile string) string {
	sep := "?"
	if strings.Contains(dbFile, "?") {
		sep = "&"
	}
	return dbFile + sep + "_pragma=foreign_keys(1)"
}

// ForWrite runs fn against the single writer connection, holding writeMu
// for the duration of the call.
func (h *Handle) ForWrite(ctx context.Context, fn func(*sql.Conn) error) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	conn, err := h.writeDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer conn.Close()

	if err := fn(conn); err != nil {
		return fmt.Errorf("%w: %w", ErrQuery, err)
	}
	return nil
}

// ForWriteTx runs fn inside a transaction on the writer connection,
// committing on success and rolling back on error or panic.
func (h *Handle) ForWriteTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	tx, err := h.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrConnection, err)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			err = fmt.Errorf("%w: panic in transaction: %v", ErrQuery, r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: %w", ErrQuery, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrConnection, err)
	}
	return nil
}
