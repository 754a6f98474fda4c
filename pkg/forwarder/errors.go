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
	"errors"
	"fmt"
)

// ErrIDAlreadyUsed is returned when a relay reuses a request id that
// still has an in-flight inner request.
type ErrIDAlreadyUsed struct {
	RequestID uint64
}

func (e *ErrIDAlreadyUsed) Error() string {
	return fmt.Sprintf("forwarder: request id %d already in use", e.RequestID)
}

// ErrConnectionNotFound is returned when a frame references a request id
// with no corresponding in-flight request.
type ErrConnectionNotFound struct {
	RequestID uint64
}

func (e *ErrConnectionNotFound) Error() string {
	return fmt.Sprintf("forwarder: no connection for request id %d", e.RequestID)
}

// ErrTokenAlreadyUsed marks a session as permanently rejected: the relay
// answered the WebSocket handshake with a 4xx status, so no further
// reconnect attempts are made.
type ErrTokenAlreadyUsed struct {
	Token string
}

func (e *ErrTokenAlreadyUsed) Error() string {
	return fmt.Sprintf("forwarder: session token %q already used", e.Token)
}

// ErrSessionTokenInUse is returned when a new session request arrives for
// a token that already has a live session.
type ErrSessionTokenInUse struct {
	Token string
}

func (e *ErrSessionTokenInUse) Error() string {
	return fmt.Sprintf("forwarder: session token %q already has an active session", e.Token)
}

// errGracefulClose marks a session ending because the relay sent a Close
// frame, distinct from a transport failure that should trigger a retry.
var errGracefulClose = errors.New("forwarder: connection closed by relay")
