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

// Package forwarder relays HTTP requests arriving over an outbound
// WebSocket tunnel to loopback services on the device, multiplexing many
// logical request ids over the single connection.
package forwarder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// FrameKind tags the top-level shape of a ProtoMessage.
type FrameKind string

const (
	FrameHTTP      FrameKind = "http"
	FrameWebSocket FrameKind = "websocket"
)

// ProtoMessage is the single logical unit carried by one WebSocket binary
// frame.
type ProtoMessage struct {
	Kind      FrameKind         `json:"kind"`
	Http      *HTTPMessage      `json:"http,omitempty"`
	WebSocket *WebSocketMessage `json:"websocket,omitempty"`
}

// HTTPMessage carries exactly one of Request or Response, keyed by the
// logical request id the two sides agree on.
type HTTPMessage struct {
	RequestID uint64        `json:"request_id"`
	Request   *HTTPRequest  `json:"request,omitempty"`
	Response  *HTTPResponse `json:"response,omitempty"`
}

// HTTPRequest is the relay's description of an inbound call to forward to
// a loopback target.
type HTTPRequest struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// HTTPResponse streams a loopback call's result back toward the relay.
// Final marks the last frame of a response; a response may be split
// across several HTTPResponse frames sharing one RequestID.
type HTTPResponse struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
	Final   bool                `json:"final"`
}

// WebSocketMessage is reserved for future bidirectional tunneling; the
// current implementation only ever answers Unsupported.
type WebSocketMessage struct {
	Unsupported bool `json:"unsupported"`
}

const frameLengthPrefixBytes = 4

// EncodeFrame serializes msg as a 4-byte big-endian length header followed
// by its JSON encoding, the wire shape one WebSocket binary frame carries.
func EncodeFrame(msg ProtoMessage) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("forwarder: encode frame: %w", err)
	}
	out := make([]byte, frameLengthPrefixBytes+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[frameLengthPrefixBytes:], payload)
	return out, nil
}

// DecodeFrame parses a length-prefixed ProtoMessage out of a WebSocket
// binary frame's payload.
func DecodeFrame(data []byte) (ProtoMessage, error) {
	var msg ProtoMessage
	if len(data) < frameLengthPrefixBytes {
		return msg, fmt.Errorf("forwarder: frame shorter than length prefix")
	}
	n := binary.BigEndian.Uint32(data)
	payload := data[frameLengthPrefixBytes:]
	if uint32(len(payload)) != n {
		return msg, fmt.Errorf("forwarder: frame length mismatch: header says %d, got %d", n, len(payload))
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("forwarder: decode frame: %w", err)
	}
	return msg, nil
}
