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

package forwarder

import (
	"context"
	"sync"
)

// requestEntry tracks one in-flight inner request's cancellation and
// completion.
type requestEntry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// requestCollection is the active-request map for a single connection,
// keyed by the relay's request id. It is swept lazily: completed entries
// are removed the next time start or sweep runs, mirroring a
// retain(!is_finished) pass over the set.
type requestCollection struct {
	mu      sync.Mutex
	entries map[uint64]*requestEntry
}

func newRequestCollection() *requestCollection {
	return &requestCollection{entries: make(map[uint64]*requestEntry)}
}

// start launches run in its own goroutine under a fresh id-scoped context
// derived from parent, returning ErrIDAlreadyUsed if the id has a live
// entry.
func (c *requestCollection) start(parent context.Context, id uint64, run func(ctx context.Context)) error {
	c.mu.Lock()
	c.sweepLocked()
	if _, ok := c.entries[id]; ok {
		c.mu.Unlock()
		return &ErrIDAlreadyUsed{RequestID: id}
	}
	ctx, cancel := context.WithCancel(parent)
	entry := &requestEntry{cancel: cancel, done: make(chan struct{})}
	c.entries[id] = entry
	c.mu.Unlock()

	go func() {
		defer close(entry.done)
		run(ctx)
	}()
	return nil
}

func (c *requestCollection) sweepLocked() {
	for id, entry := range c.entries {
		select {
		case <-entry.done:
			delete(c.entries, id)
		default:
		}
	}
}

// closeAll cancels every in-flight request, used when the owning
// connection tears down.
func (c *requestCollection) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		entry.cancel()
	}
}
