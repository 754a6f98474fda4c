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
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/edgehog-device-runtime/device-runtime-go/pkg/cloudbus"
	"github.com/edgehog-device-runtime/device-runtime-go/pkg/log"
)

// WSConn is the subset of *websocket.Conn the manager drives. Control
// frames (ping/close) are delivered through the registered handlers, not
// through ReadMessage, matching gorilla's own model.
type WSConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPingHandler(h func(appData string) error)
	SetCloseHandler(h func(code int, text string) error)
	Close() error
}

// DialFunc opens a WebSocket connection to url. It returns the HTTP
// upgrade response (possibly non-nil even on error, per net/http/gorilla
// convention) so the caller can distinguish a permanent 4xx rejection
// from a transient transport failure.
type DialFunc func(ctx context.Context, url string) (WSConn, *http.Response, error)

func dialWebSocket(ctx context.Context, url string) (WSConn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if conn == nil {
		return nil, resp, err
	}
	return conn, resp, err
}

// Publisher is the subset of cloudbus.Publisher the manager uses to
// report session lifecycle.
type Publisher interface {
	Send(ctx context.Context, iface, path string, value any) error
	Unset(ctx context.Context, iface, path string) error
}

const outboxCapacity = 50

// maxFrameBytes bounds how large an inbound relay frame may be before it
// is dropped rather than dispatched to a new inner request.
const maxFrameBytes = 1 << 20

// ManagerConfig configures a single forwarder session's connection to the
// relay and to its loopback target.
type ManagerConfig struct {
	URL       string
	Token     string
	TargetURL string
	Dial      DialFunc
	Client    LoopbackClient
	Publisher Publisher
}

// Manager owns one outbound WebSocket tunnel for one session token,
// multiplexing many inner HTTP requests over it and reconnecting with
// backoff on transient failure.
type Manager struct {
	cfg     ManagerConfig
	dial    DialFunc
	handler *requestHandler
	logger  zerolog.Logger
}

// NewManager builds a Manager. cfg.Dial defaults to a real WebSocket
// dialer when nil.
func NewManager(cfg ManagerConfig) *Manager {
	dial := cfg.Dial
	if dial == nil {
		dial = dialWebSocket
	}
	logger := log.WithComponent("forwarder").With().Str("token", cfg.Token).Logger()
	m := &Manager{cfg: cfg, dial: dial, logger: logger}
	m.handler = &requestHandler{client: cfg.Client, baseURL: cfg.TargetURL, logger: logger}
	return m
}

// Run drives the session until ctx is cancelled, the relay closes
// gracefully, or the handshake is permanently rejected. A permanent
// rejection returns ErrTokenAlreadyUsed; any other terminal condition
// returns nil or ctx.Err().
func (m *Manager) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0 // no overall deadline; only ctx cancellation stops retrying

	for {
		m.publishConnecting(ctx)

		conn, resp, err := m.dial(ctx, m.cfg.URL)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				m.publishDisconnected(ctx)
				return &ErrTokenAlreadyUsed{Token: m.cfg.Token}
			}

			wait := bo.NextBackOff()
			m.logger.Warn().Err(err).Dur("retry_in", wait).Msg("websocket dial failed")
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				m.publishDisconnected(ctx)
				return ctx.Err()
			}
		}

		bo.Reset()
		m.publishConnected(ctx)

		err = m.serve(ctx, conn)
		conn.Close()

		if err == errGracefulClose || ctx.Err() != nil {
			m.publishDisconnected(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}

		m.logger.Warn().Err(err).Msg("connection lost, reconnecting")
	}
}

// serve runs the single-connection event loop: select between the read
// half and the fan-in outbox channel until the connection ends.
func (m *Manager) serve(ctx context.Context, conn WSConn) error {
	requests := newRequestCollection()

	closed := make(chan struct{})
	var closeOnce sync.Once
	closeSignal := func() { closeOnce.Do(func() { close(closed) }) }

	// Outbound writes are serialized through this fan-in channel by a
	// single writer goroutine: concurrent per-request goroutines call
	// send concurrently, but only one goroutine ever touches conn's
	// write side.
	outbox := make(chan ProtoMessage, outboxCapacity)
	m.handler.send = func(msg ProtoMessage) error {
		select {
		case outbox <- msg:
			return nil
		case <-closed:
			return errGracefulClose
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	conn.SetCloseHandler(func(code int, text string) error {
		closeSignal()
		return nil
	})

	defer requests.closeAll()

	writerErrs := make(chan error, 1)
	go func() {
		for {
			select {
			case msg := <-outbox:
				if err := m.writeFrame(conn, msg); err != nil {
					select {
					case writerErrs <- err:
					default:
					}
					return
				}
			case <-closed:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	reads := make(chan []byte)
	readErrs := make(chan error, 1)
	go func() {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				// The close handler, if this error came from an observed
				// Close frame, ran synchronously inside ReadMessage above
				// and already closed `closed`; prefer that over reporting
				// a transport error so a graceful close never races into
				// looking like one.
				select {
				case <-closed:
					return
				default:
				}
				select {
				case readErrs <- err:
				default:
				}
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			select {
			case reads <- data:
			case <-closed:
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return errGracefulClose
		default:
		}

		select {
		case <-closed:
			return errGracefulClose
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErrs:
			return err
		case err := <-writerErrs:
			return err
		case data := <-reads:
			m.handleFrame(ctx, requests, data)
		}
	}
}

func (m *Manager) handleFrame(ctx context.Context, requests *requestCollection, data []byte) {
	if len(data) > maxFrameBytes {
		m.logger.Error().Int("bytes", len(data)).Msg("dropping oversized relay frame")
		return
	}

	msg, err := DecodeFrame(data)
	if err != nil {
		m.logger.Warn().Err(err).Msg("dropping undecodable relay frame")
		return
	}

	switch msg.Kind {
	case FrameWebSocket:
		if err := m.handler.send(ProtoMessage{Kind: FrameWebSocket, WebSocket: &WebSocketMessage{Unsupported: true}}); err != nil {
			m.logger.Warn().Err(err).Msg("send unsupported reply failed")
		}
	case FrameHTTP:
		if msg.Http == nil || msg.Http.Request == nil {
			return
		}
		requestID := msg.Http.RequestID
		req := msg.Http.Request
		err := requests.start(ctx, requestID, func(reqCtx context.Context) {
			m.handler.handle(reqCtx, requestID, req)
		})
		if err != nil {
			m.logger.Warn().Err(err).Uint64("request_id", requestID).Msg("cannot start inner request")
		}
	}
}

func (m *Manager) writeFrame(conn WSConn, msg ProtoMessage) error {
	encoded, err := EncodeFrame(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, encoded)
}

func (m *Manager) publishConnecting(ctx context.Context) { m.publishState(ctx, sessionConnecting) }
func (m *Manager) publishConnected(ctx context.Context)  { m.publishState(ctx, sessionConnected) }

func (m *Manager) publishState(ctx context.Context, state sessionState) {
	if m.cfg.Publisher == nil {
		return
	}
	if err := m.cfg.Publisher.Send(ctx, cloudbus.InterfaceForwarderState, sessionStatusPath(m.cfg.Token), string(state)); err != nil {
		m.logger.Warn().Err(err).Str("state", string(state)).Msg("publish session state failed")
	}
}

func (m *Manager) publishDisconnected(ctx context.Context) {
	if m.cfg.Publisher == nil {
		return
	}
	if err := m.cfg.Publisher.Unset(ctx, cloudbus.InterfaceForwarderState, sessionStatusPath(m.cfg.Token)); err != nil {
		m.logger.Warn().Err(err).Msg("unset session state failed")
	}
}
