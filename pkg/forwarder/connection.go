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
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// LoopbackClient issues HTTP requests against a local target. *http.Client
// satisfies it.
type LoopbackClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const responseChunkBytes = 32 * 1024

// requestHandler translates one relayed HTTPRequest into a loopback call
// and streams the result back through send as one or more HTTPResponse
// frames.
type requestHandler struct {
	client  LoopbackClient
	baseURL string
	send    func(ProtoMessage) error
	logger  zerolog.Logger
}

func (h *requestHandler) handle(ctx context.Context, requestID uint64, req *HTTPRequest) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, h.baseURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		h.logger.Warn().Err(err).Uint64("request_id", requestID).Msg("build loopback request failed")
		h.sendStatus(requestID, http.StatusBadGateway)
		return
	}
	httpReq.Header = http.Header(req.Headers)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		h.logger.Warn().Err(err).Uint64("request_id", requestID).Msg("loopback request failed")
		h.sendStatus(requestID, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	h.streamResponse(ctx, requestID, resp)
}

func (h *requestHandler) streamResponse(ctx context.Context, requestID uint64, resp *http.Response) {
	headers := map[string][]string(resp.Header)
	buf := make([]byte, responseChunkBytes)
	first := true

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := &HTTPResponse{Status: resp.StatusCode, Body: append([]byte(nil), buf[:n]...)}
			if first {
				chunk.Headers = headers
				first = false
			}
			isEOF := err == io.EOF
			chunk.Final = isEOF
			if sendErr := h.sendFrame(requestID, chunk); sendErr != nil {
				h.logger.Warn().Err(sendErr).Uint64("request_id", requestID).Msg("send response frame failed")
				return
			}
			if isEOF {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				h.logger.Warn().Err(err).Uint64("request_id", requestID).Msg("read loopback response body failed")
			}
			if first {
				if sendErr := h.sendFrame(requestID, &HTTPResponse{Status: resp.StatusCode, Headers: headers, Final: true}); sendErr != nil {
					h.logger.Warn().Err(sendErr).Uint64("request_id", requestID).Msg("send response frame failed")
				}
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (h *requestHandler) sendStatus(requestID uint64, status int) {
	if err := h.sendFrame(requestID, &HTTPResponse{Status: status, Final: true}); err != nil {
		h.logger.Warn().Err(err).Uint64("request_id", requestID).Msg("send status frame failed")
	}
}

func (h *requestHandler) sendFrame(requestID uint64, resp *HTTPResponse) error {
	return h.send(ProtoMessage{
		Kind: FrameHTTP,
		Http: &HTTPMessage{RequestID: requestID, Response: resp},
	})
}
