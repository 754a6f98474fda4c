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
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/edgehog-device-runtime/device-runtime-go/pkg/log"
)

// sessionState is the value published on the forwarder session-state
// property while a session is live. Disconnected is never published as a
// value: it is represented by unsetting the property instead.
type sessionState string

const (
	sessionConnecting sessionState = "Connecting"
	sessionConnected  sessionState = "Connected"
)

func sessionStatusPath(token string) string {
	return "/" + token + "/status"
}

// ExtractToken pulls the session token out of a relay URL's "session"
// query parameter.
func ExtractToken(rawURL string) (string, error) {
	if idx := strings.Index(rawURL, "session="); idx >= 0 {
		rest := rawURL[idx+len("session="):]
		if amp := strings.IndexByte(rest, '&'); amp >= 0 {
			rest = rest[:amp]
		}
		if rest != "" {
			return rest, nil
		}
	}
	return "", fmt.Errorf("forwarder: url carries no session token")
}

// SessionRequest is the Event Router's decoded
// io.edgehog.devicemanager.ForwarderSessionRequest payload.
type SessionRequest struct {
	Token  string
	Host   string
	Port   int
	Secure bool
}

func (r SessionRequest) targetURL() string {
	scheme := "http"
	if r.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, r.Host, r.Port)
}

type sessionHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor is the forwarder's active-sessions map: one Manager per live
// session token, swept of finished sessions as new requests arrive. It is
// the Forwarder's only mutable shared state, guarded by its own mutex
// rather than by the sessions it supervises.
type Supervisor struct {
	relayURL string
	dial     DialFunc
	client   LoopbackClient
	pub      Publisher
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionHandle
}

// NewSupervisor builds a Supervisor. relayURL is the relay's base
// WebSocket URL, without a session query parameter; it is appended per
// session.
func NewSupervisor(relayURL string, client LoopbackClient, pub Publisher) *Supervisor {
	return &Supervisor{
		relayURL: relayURL,
		client:   client,
		pub:      pub,
		logger:   log.WithComponent("forwarder"),
		sessions: make(map[string]*sessionHandle),
	}
}

// WithDial overrides the WebSocket dialer, for tests.
func (s *Supervisor) WithDial(dial DialFunc) *Supervisor {
	s.dial = dial
	return s
}

// Start launches a new session for req, returning ErrSessionTokenInUse if
// the token already names a live session.
func (s *Supervisor) Start(ctx context.Context, req SessionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	if _, ok := s.sessions[req.Token]; ok {
		return &ErrSessionTokenInUse{Token: req.Token}
	}

	relayURL := s.relayURL
	sep := "?"
	if strings.Contains(relayURL, "?") {
		sep = "&"
	}
	mgr := NewManager(ManagerConfig{
		URL:       relayURL + sep + "session=" + url.QueryEscape(req.Token),
		Token:     req.Token,
		TargetURL: req.targetURL(),
		Dial:      s.dial,
		Client:    s.client,
		Publisher: s.pub,
	})

	sessionCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.sessions[req.Token] = &sessionHandle{cancel: cancel, done: done}

	go func() {
		defer close(done)
		if err := mgr.Run(sessionCtx); err != nil {
			s.logger.Warn().Err(err).Str("token", req.Token).Msg("forwarder session ended")
		}
	}()
	return nil
}

// Sessions lists the tokens of currently tracked sessions, including ones
// that have finished but not yet been swept.
func (s *Supervisor) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens := make([]string, 0, len(s.sessions))
	for token := range s.sessions {
		tokens = append(tokens, token)
	}
	return tokens
}

// Stop cancels the session for token, if any.
func (s *Supervisor) Stop(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.sessions[token]; ok {
		h.cancel()
	}
}

// Close cancels every active session.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.sessions {
		h.cancel()
	}
}

func (s *Supervisor) sweepLocked() {
	for token, h := range s.sessions {
		select {
		case <-h.done:
			delete(s.sessions, token)
		default:
		}
	}
}
