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

package containers

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups for a uuid the store has never seen.
var ErrNotFound = errors.New("containers: not found")

// ErrIllegalTransition is returned by SetContainerStatus when next does not follow
// a legal path from the resource's current status.
type ErrIllegalTransition struct {
	Kind string
	ID   uuid.UUID
	From fmt.Stringer
	To   fmt.Stringer
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("containers: illegal %s status transition %s -> %s for %s", e.Kind, e.From, e.To, e.ID)
}

// ErrImageInUse is returned by DeleteImage when one or more containers
// still reference the image.
type ErrImageInUse struct {
	ID   uuid.UUID
	Refs int
}

func (e *ErrImageInUse) Error() string {
	return fmt.Sprintf("containers: image %s still referenced by %d container(s)", e.ID, e.Refs)
}
