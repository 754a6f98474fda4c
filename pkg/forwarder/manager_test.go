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
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWSConn is an in-memory WSConn driven entirely by test-supplied
// channels, so a test controls exactly what the manager reads and
// observes exactly what it writes without a real network socket.
type fakeWSConn struct {
	mu           sync.Mutex
	inbound      chan wsFrame
	written      []wsFrame
	pingHandler  func(string) error
	closeHandler func(int, string) error
	closed       bool
}

type wsFrame struct {
	msgType int
	data    []byte
}

func newFakeWSConn() *fakeWSConn {
	return &fakeWSConn{inbound: make(chan wsFrame, 16)}
}

func (c *fakeWSConn) ReadMessage() (int, []byte, error) {
	frame, ok := <-c.inbound
	if !ok {
		return 0, nil, errors.New("fake connection closed")
	}
	switch frame.msgType {
	case websocket.PingMessage:
		c.mu.Lock()
		h := c.pingHandler
		c.mu.Unlock()
		if h != nil {
			if err := h(string(frame.data)); err != nil {
				return 0, nil, err
			}
		}
		return c.ReadMessage()
	case wsFrameClose:
		c.mu.Lock()
		h := c.closeHandler
		c.mu.Unlock()
		if h != nil {
			h(1000, "")
		}
		return 0, nil, &websocket.CloseError{Code: 1000}
	default:
		return frame.msgType, frame.data, nil
	}
}

// wsFrameClose is a sentinel message type (outside gorilla's real
// constants) the test uses to simulate a relay-initiated Close frame.
const wsFrameClose = -1

func (c *fakeWSConn) WriteMessage(msgType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, wsFrame{msgType: msgType, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeWSConn) WriteControl(msgType int, data []byte, deadline time.Time) error {
	return c.WriteMessage(msgType, data)
}

func (c *fakeWSConn) SetPingHandler(h func(string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingHandler = h
}

func (c *fakeWSConn) SetCloseHandler(h func(int, string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHandler = h
}

func (c *fakeWSConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeWSConn) push(msgType int, data []byte) {
	c.inbound <- wsFrame{msgType: msgType, data: data}
}

func (c *fakeWSConn) writtenControlFrames(msgType int) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, f := range c.written {
		if f.msgType == msgType {
			out = append(out, f.data)
		}
	}
	return out
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []string
	unset int
}

func (p *recordingPublisher) Send(ctx context.Context, iface, path string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, value.(string))
	return nil
}

func (p *recordingPublisher) Unset(ctx context.Context, iface, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unset++
	return nil
}

func (p *recordingPublisher) snapshot() ([]string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...), p.unset
}

// TestPingReceivesExactlyOnePong covers invariant 8: every Ping(p) gets
// exactly one Pong(p) before further frames are processed.
func TestPingReceivesExactlyOnePong(t *testing.T) {
	conn := newFakeWSConn()
	dial := func(ctx context.Context, url string) (WSConn, *http.Response, error) {
		return conn, &http.Response{StatusCode: http.StatusSwitchingProtocols}, nil
	}

	pub := &recordingPublisher{}
	mgr := NewManager(ManagerConfig{URL: "wss://relay.example/forward", Token: "tok", Dial: dial, Publisher: pub})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.Run(ctx)
	}()

	conn.push(websocket.PingMessage, []byte("hello"))

	require.Eventually(t, func() bool {
		return len(conn.writtenControlFrames(websocket.PongMessage)) == 1
	}, time.Second, 10*time.Millisecond)

	pongs := conn.writtenControlFrames(websocket.PongMessage)
	assert.Equal(t, [][]byte{[]byte("hello")}, pongs)

	cancel()
	<-done
}

// TestPermanentRejectionUnsetsAfterConnecting covers invariant 7 /
// scenario S5: a 4xx handshake response emits Connecting exactly once,
// then unsets the property, then terminates with ErrTokenAlreadyUsed,
// without ever exchanging WS frames.
func TestPermanentRejectionUnsetsAfterConnecting(t *testing.T) {
	dial := func(ctx context.Context, url string) (WSConn, *http.Response, error) {
		return nil, &http.Response{StatusCode: http.StatusUnauthorized}, errors.New("bad handshake")
	}

	pub := &recordingPublisher{}
	mgr := NewManager(ManagerConfig{URL: "wss://relay.example/forward", Token: "tok", Dial: dial, Publisher: pub})

	err := mgr.Run(context.Background())

	var tokenErr *ErrTokenAlreadyUsed
	require.ErrorAs(t, err, &tokenErr)

	sent, unset := pub.snapshot()
	assert.Equal(t, []string{"Connecting"}, sent)
	assert.Equal(t, 1, unset)
}

// TestReconnectsAfterHardClose covers scenario S4: after a hard close, the
// manager reconnects and the session state cycles through
// Connecting/Connected again.
func TestReconnectsAfterHardClose(t *testing.T) {
	var mu sync.Mutex
	conns := []*fakeWSConn{newFakeWSConn(), newFakeWSConn()}
	dialCount := 0

	dial := func(ctx context.Context, url string) (WSConn, *http.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		c := conns[dialCount]
		dialCount++
		return c, &http.Response{StatusCode: http.StatusSwitchingProtocols}, nil
	}

	pub := &recordingPublisher{}
	mgr := NewManager(ManagerConfig{URL: "wss://relay.example/forward", Token: "tok", Dial: dial, Publisher: pub})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		sent, _ := pub.snapshot()
		return len(sent) >= 2
	}, time.Second, 5*time.Millisecond)

	// A hard close (abrupt transport failure, not a WS Close control
	// frame) must trigger a reconnect; only an explicit Close frame is
	// terminal for the session.
	conns[0].Close()

	require.Eventually(t, func() bool {
		sent, _ := pub.snapshot()
		return len(sent) >= 4
	}, 2*time.Second, 5*time.Millisecond)

	sent, _ := pub.snapshot()
	assert.Equal(t, []string{"Connecting", "Connected", "Connecting", "Connected"}, sent)

	cancel()
	<-done
}

// TestGracefulCloseFrameEndsSessionWithoutReconnect: an explicit WS Close
// frame is terminal for the session, unlike a hard transport failure.
func TestGracefulCloseFrameEndsSessionWithoutReconnect(t *testing.T) {
	conn := newFakeWSConn()
	dialed := 0
	dial := func(ctx context.Context, url string) (WSConn, *http.Response, error) {
		dialed++
		return conn, &http.Response{StatusCode: http.StatusSwitchingProtocols}, nil
	}

	pub := &recordingPublisher{}
	mgr := NewManager(ManagerConfig{URL: "wss://relay.example/forward", Token: "tok", Dial: dial, Publisher: pub})

	errCh := make(chan error, 1)
	go func() { errCh <- mgr.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		sent, _ := pub.snapshot()
		return len(sent) >= 2
	}, time.Second, 5*time.Millisecond)

	conn.push(wsFrameClose, nil)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after graceful close")
	}

	assert.Equal(t, 1, dialed)
	_, unset := pub.snapshot()
	assert.Equal(t, 1, unset)
}
