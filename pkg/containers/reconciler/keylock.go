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

package reconciler

import (
	"sync"

	"github.com/google/uuid"
)

// keyedMutex hands out one lock per uuid, allocated lazily and reclaimed
// once its last holder releases it. It serializes concurrent engine calls
// against the same resource (e.g. two reconciliation cycles racing on the
// same container) without a single global lock serializing unrelated
// resources.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*refMutex)}
}

// Lock blocks until the lock for id is held, returning an unlock function
// the caller must invoke exactly once.
func (k *keyedMutex) Lock(id uuid.UUID) func() {
	k.mu.Lock()
	rm, ok := k.locks[id]
	if !ok {
		rm = &refMutex{}
		k.locks[id] = rm
	}
	rm.refs++
	k.mu.Unlock()

	rm.Lock()

	return func() {
		rm.Unlock()

		k.mu.Lock()
		rm.refs--
		if rm.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
