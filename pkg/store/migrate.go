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
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/edgehog-device-runtime/device-runtime-go/pkg/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrate applies any pending schema migrations using the writer
// connection, holding writeMu for the duration so no query can observe a
// half-migrated schema.
func (h *Handle) migrate(ctx context.Context) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("%w: load migration source: %v", ErrMigration, err)
	}

	driver, err := sqlite.WithInstance(h.writeDB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("%w: migration driver: %v", ErrMigration, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("%w: migrate instance: %v", ErrMigration, err)
	}

	logger := log.WithComponent("store")

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug().Msg("schema already up to date")
			return nil
		}
		return fmt.Errorf("%w: apply migrations: %v", ErrMigration, err)
	}

	logger.Info().Msg("schema migrations applied")
	return nil
}
