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

import "errors"

// Sentinel error kinds. Callers should wrap these with fmt.Errorf("%w: ...")
// so errors.Is keeps working across package boundaries.
var (
	// ErrConnection covers connection establishment and connection-loss
	// re-establishment failures.
	ErrConnection = errors.New("store: connection error")
	// ErrQuery covers a failed statement or transaction.
	ErrQuery = errors.New("store: query error")
	// ErrMigration covers a failed schema migration.
	ErrMigration = errors.New("store: migration error")
	// ErrIllegalTransition is the kind for a status change that does not
	// follow the monotone path in the data model. Nothing in this package
	// returns it; containers.SetContainerStatus reports that case with its
	// own containers.ErrIllegalTransition type.
	ErrIllegalTransition = errors.New("store: illegal status transition")
)
