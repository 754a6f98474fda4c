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

package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestHandle(t *testing.T) *Handle {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "store.db")
	h, err := Open(context.Background(), dbFile)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestOpenAppliesMigrations(t *testing.T) {
	h := openTestHandle(t)

	err := h.ForRead(context.Background(), func(conn *sql.Conn) error {
		row := conn.QueryRowContext(context.Background(), "SELECT count(*) FROM images")
		var n int
		return row.Scan(&n)
	})
	assert.NoError(t, err)
}

func TestForWriteThenForReadSeesCommittedRow(t *testing.T) {
	h := openTestHandle(t)
	ctx := context.Background()

	err := h.ForWrite(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			"INSERT INTO images (id, local_id, reference, status) VALUES (?, ?, ?, ?)",
			"11111111-1111-1111-1111-111111111111", "local-1", "docker.io/library/busybox", 0)
		return err
	})
	require.NoError(t, err)

	var reference string
	err = h.ForRead(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, "SELECT reference FROM images WHERE local_id = ?", "local-1")
		return row.Scan(&reference)
	})
	require.NoError(t, err)
	assert.Equal(t, "docker.io/library/busybox", reference)
}

func TestForWriteTxRollsBackOnError(t *testing.T) {
	h := openTestHandle(t)
	ctx := context.Background()

	err := h.ForWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO images (id, local_id, reference, status) VALUES (?, ?, ?, ?)",
			"22222222-2222-2222-2222-222222222222", "local-2", "docker.io/library/alpine", 0); err != nil {
			return err
		}
		return sql.ErrTxDone
	})
	assert.Error(t, err)

	err = h.ForRead(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, "SELECT count(*) FROM images WHERE local_id = ?", "local-2")
		var n int
		if scanErr := row.Scan(&n); scanErr != nil {
			return scanErr
		}
		assert.Equal(t, 0, n)
		return nil
	})
	assert.NoError(t, err)
}

func TestForWriteTxCommitsOnSuccess(t *testing.T) {
	h := openTestHandle(t)
	ctx := context.Background()

	err := h.ForWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO networks (id, local_id, name, status) VALUES (?, ?, ?, ?)",
			"33333333-3333-3333-3333-333333333333", "local-3", "edgehog-bridge", 0)
		return err
	})
	require.NoError(t, err)

	err = h.ForRead(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, "SELECT count(*) FROM networks WHERE local_id = ?", "local-3")
		var n int
		if scanErr := row.Scan(&n); scanErr != nil {
			return scanErr
		}
		assert.Equal(t, 1, n)
		return nil
	})
	assert.NoError(t, err)
}
