// Copyright 2026 The zombiezen Go Gallery Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package gallery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Gateway represents an ongoing stream of events from the gallery.
// Events are dispatched when albums and images are created.
type Gateway struct {
	url       url.URL
	token     string
	userAgent string

	conn              *websocket.Conn
	heartbeat         *time.Ticker
	heartbeatInterval time.Duration
	pendingAck        bool            // whether the server has acknowledged the last heartbeat
	bufferedEvent     *GatewayPayload // READY event from connect
	sequenceNumber    int64

	errFunc func(context.Context, error)
}

// Event names dispatched by the gateway.
const (
	ReadyEvent       = "READY"
	AlbumCreateEvent = "ALBUM_CREATE"
	ImageCreateEvent = "IMAGE_CREATE"
)

// OpenGateway discovers the gateway URL and returns a new Gateway.
// The caller is responsible for calling Close on the returned Gateway.
func (c *Client) OpenGateway(ctx context.Context) (*Gateway, error) {
	resp, err := c.do(ctx, &apiRequest{
		method: http.MethodGet,
		route:  "/gateway",
	})
	if err != nil {
		return nil, fmt.Errorf("find gateway URL: %w", err)
	}
	defer resp.Body.Close()
	contentTypeHeader := resp.Header.Get(contentTypeHeaderName)
	if ct, _, err := mime.ParseMediaType(contentTypeHeader); err != nil || ct != jsonMediaType {
		return nil, fmt.Errorf("find gateway URL: response is %q instead of JSON", contentTypeHeader)
	}
	data, err := readBody(resp, maxResponseSize)
	if err != nil {
		return nil, fmt.Errorf("find gateway URL: %v", err)
	}
	var parsed struct {
		Data struct {
			RawURL string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("find gateway URL: %v", err)
	}
	u, err := url.Parse(parsed.Data.RawURL)
	if err != nil {
		return nil, fmt.Errorf("find gateway URL: %v", err)
	}
	q := u.Query()
	q.Set("v", "1")
	q.Set("encoding", "json")
	u.RawQuery = q.Encode()
	g := &Gateway{
		url:       *u,
		token:     c.auth.Token(),
		userAgent: c.userAgent,
	}
	g.SetErrorFunc(nil)
	return g, nil
}

// URL returns the gateway's URL.
func (g *Gateway) URL() *url.URL {
	return &g.url
}

// SetErrorFunc sets a callback that is called
// when a non-critical error occurs during listening.
func (g *Gateway) SetErrorFunc(f func(ctx context.Context, err error)) {
	if f == nil {
		g.errFunc = func(context.Context, error) {}
	} else {
		g.errFunc = f
	}
}

// WaitForReady waits for the gateway connection to be ready.
func (g *Gateway) WaitForReady(ctx context.Context) error {
	if err := g.ensureConn(ctx); err != nil {
		return fmt.Errorf("waiting for gallery gateway: %w", err)
	}
	return nil
}

// Listen listens for the next event from the gateway.
// Listen will automatically reconnect,
// so Listen will only return an error if the Context is Done.
// Events dispatched while the gateway was disconnected are lost.
func (g *Gateway) Listen(ctx context.Context) (*GatewayPayload, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("listen for gallery event: %w", ctx.Err())
		default:
		}
		if err := g.ensureConn(ctx); err != nil {
			return nil, fmt.Errorf("listen for gallery event: %w", err)
		}
		if g.bufferedEvent != nil {
			msg := g.bufferedEvent
			g.bufferedEvent = nil
			g.sequenceNumber = msg.SequenceNumber
			return msg, nil
		}
		msg, err := g.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("listen for gallery event: %w", ctx.Err())
			}
			g.errFunc(ctx, fmt.Errorf("gallery gateway: %w", err))
			if err := g.closeWithCode(websocket.CloseProtocolError, "invalid sequence"); err != nil {
				g.errFunc(ctx, fmt.Errorf("disconnect gallery gateway websocket: %w", err))
			}
			continue
		}
		switch msg.OpCode {
		case gatewayDispatchOpcode:
			g.sequenceNumber = msg.SequenceNumber
			return msg, nil
		case gatewayInvalidSessionOpcode:
			g.errFunc(ctx, errors.New("gallery gateway: session invalidated"))
			if err := g.closeWithCode(websocket.CloseNormalClosure, "reconnecting"); err != nil {
				g.errFunc(ctx, fmt.Errorf("disconnect gallery gateway websocket: %w", err))
			}
		default:
			g.errFunc(ctx, fmt.Errorf("gallery gateway: received unhandled opcode %d", msg.OpCode))
			if err := g.closeWithCode(websocket.CloseProtocolError, "invalid sequence"); err != nil {
				g.errFunc(ctx, fmt.Errorf("disconnect gallery gateway websocket: %w", err))
			}
		}
	}
}

// next waits for the next non-heartbeat payload on the current connection.
func (g *Gateway) next(ctx context.Context) (*GatewayPayload, error) {
	acks := make(chan struct{})
	eventReceived := errors.New("event received")

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		for {
			select {
			case <-g.heartbeat.C:
				if g.pendingAck {
					return fmt.Errorf("did not receive heartbeat from server")
				}
				if err := g.write(ctx, gatewayHeartbeatOpcode, g.sequenceNumber); err != nil {
					return fmt.Errorf("send heartbeat: %w", err)
				}
				g.pendingAck = true
			case <-acks:
				g.pendingAck = false
			case <-ctx.Done():
				return nil
			}
		}
	})
	var msg *GatewayPayload
	grp.Go(func() error {
		for {
			var err error
			msg, err = g.read(ctx)
			if err != nil {
				return err
			}
			if msg.OpCode != gatewayHeartbeatACKOpcode {
				// Ending this goroutine should stop the heartbeat, so we use a
				// non-nil error.
				return eventReceived
			}
			select {
			case acks <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	if err := grp.Wait(); err != eventReceived {
		return nil, err
	}
	return msg, nil
}

// Close releases any resources associated with the gateway connection.
func (g *Gateway) Close() error {
	return g.closeWithCode(websocket.CloseGoingAway, "client disconnect")
}

func (g *Gateway) closeWithCode(code int, text string) error {
	if g.heartbeat != nil {
		g.heartbeat.Stop()
		g.heartbeat = nil
	}
	if g.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, text)
	err1 := g.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(10*time.Second))
	err2 := g.conn.Close()
	g.conn = nil
	if err1 != nil && !errors.Is(err1, websocket.ErrCloseSent) {
		return fmt.Errorf("close gateway: %w", err1)
	}
	if err2 != nil {
		return fmt.Errorf("close gateway: %w", err2)
	}
	return nil
}

func (g *Gateway) ensureConn(ctx context.Context) error {
	const retryInterval = 5 * time.Second
	var t *time.Timer
	for {
		err := g.connect(ctx)
		if err == nil {
			return nil
		}
		g.errFunc(ctx, fmt.Errorf("connect to gallery gateway (will retry in %v): %w", retryInterval, err))
		if t == nil {
			t = time.NewTimer(retryInterval)
			defer t.Stop()
		} else {
			t.Reset(retryInterval)
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return err
		}
	}
}

func (g *Gateway) connect(ctx context.Context) (err error) {
	if g.conn != nil {
		return nil
	}

	var resp *http.Response
	g.pendingAck = false
	g.bufferedEvent = nil
	g.conn, resp, err = new(websocket.Dialer).DialContext(ctx, g.url.String(), http.Header{
		userAgentHeaderName: {g.userAgent},
	})
	if err != nil {
		g.conn = nil
		if resp != nil {
			return fmt.Errorf("connect to gallery gateway: http %s", resp.Status)
		}
		return fmt.Errorf("connect to gallery gateway: %w", err)
	}
	defer func() {
		if err != nil {
			closeErr := g.conn.Close()
			g.conn = nil
			if closeErr != nil {
				g.errFunc(ctx, fmt.Errorf("closing gallery gateway connection: %w", closeErr))
			}
		}
	}()

	hello, err := g.read(ctx)
	if err != nil {
		return fmt.Errorf("connect to gallery gateway: hello: %w", err)
	}
	if hello.OpCode != gatewayHelloOpcode {
		return fmt.Errorf(
			"connect to gallery gateway: hello: unexpected opcode %d (want %d)",
			hello.OpCode, gatewayHelloOpcode,
		)
	}
	var helloData struct {
		HeartbeatMillis int `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.Data, &helloData); err != nil {
		return fmt.Errorf("connect to gallery gateway: hello: %w", err)
	}
	if helloData.HeartbeatMillis <= 0 {
		return fmt.Errorf("connect to gallery gateway: hello: invalid heartbeat interval %d", helloData.HeartbeatMillis)
	}
	g.heartbeatInterval = time.Duration(helloData.HeartbeatMillis) * time.Millisecond
	g.heartbeat = time.NewTicker(g.heartbeatInterval)
	defer func() {
		if err != nil {
			g.heartbeat.Stop()
			g.heartbeat = nil
		}
	}()

	err = g.write(ctx, gatewayIdentifyOpcode, map[string]interface{}{
		"token": g.token,
	})
	if err != nil {
		return fmt.Errorf("connect to gallery gateway: identify: %w", err)
	}
	msg, err := g.next(ctx)
	if err != nil {
		return fmt.Errorf("connect to gallery gateway: identify response: %w", err)
	}
	if msg.OpCode == gatewayInvalidSessionOpcode {
		return errors.New("connect to gallery gateway: identify rejected")
	}
	if msg.OpCode != gatewayDispatchOpcode {
		return fmt.Errorf(
			"connect to gallery gateway: identify response: unexpected opcode %d (want %d)",
			msg.OpCode, gatewayDispatchOpcode,
		)
	}
	if msg.EventName != ReadyEvent {
		return fmt.Errorf("connect to gallery gateway: identify response: unexpected event %q", msg.EventName)
	}
	g.bufferedEvent = msg
	return nil
}

// Payload opcodes.
const (
	gatewayDispatchOpcode       = 0
	gatewayHeartbeatOpcode      = 1
	gatewayIdentifyOpcode       = 2
	gatewayInvalidSessionOpcode = 9
	gatewayHelloOpcode          = 10
	gatewayHeartbeatACKOpcode   = 11
)

// GatewayPayload represents a single message sent over the gateway websocket.
type GatewayPayload struct {
	OpCode         int             `json:"op"`
	Data           json.RawMessage `json:"d"`
	SequenceNumber int64           `json:"s,omitempty"`
	EventName      string          `json:"t,omitempty"`
}

func (g *Gateway) read(ctx context.Context) (*GatewayPayload, error) {
	// Clear any deadline left behind by a canceled read.
	if err := g.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("read gateway payload: %w", err)
	}
	var msg []byte
	if ctxDone := ctx.Done(); ctxDone == nil {
		var err error
		_, msg, err = g.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read gateway payload: %w", err)
		}
	} else {
		select {
		case <-ctxDone:
			return nil, fmt.Errorf("read gateway payload: %w", ctx.Err())
		default:
		}
		read := make(chan struct{})
		watchDone := make(chan struct{})
		go func() {
			defer close(watchDone)
			select {
			case <-read:
			case <-ctxDone:
				g.conn.SetReadDeadline(time.Now())
			}
		}()
		var err error
		_, msg, err = g.conn.ReadMessage()
		close(read)
		<-watchDone
		if err != nil {
			return nil, fmt.Errorf("read gateway payload: %w", err)
		}
	}
	payload := new(GatewayPayload)
	if err := json.Unmarshal(msg, payload); err != nil {
		return nil, fmt.Errorf("read gateway payload: %w", err)
	}
	return payload, nil
}

func (g *Gateway) write(ctx context.Context, opCode int, data interface{}) error {
	payload := &GatewayPayload{
		OpCode: opCode,
	}
	var err error
	payload.Data, err = json.Marshal(data)
	if err != nil {
		return fmt.Errorf("send gateway payload: %w", err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("send gateway payload: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send gateway payload: %w", err)
	}
	if err := g.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return fmt.Errorf("send gateway payload: %w", err)
	}
	if err := g.conn.WriteMessage(websocket.TextMessage, payloadJSON); err != nil {
		return fmt.Errorf("send gateway payload: %w", err)
	}
	return nil
}
