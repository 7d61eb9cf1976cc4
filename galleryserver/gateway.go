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

package galleryserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/gallery"
	"zombiezen.com/go/log"
)

const gatewayVersion = "1"

// Gateway opcodes
const (
	dispatchOpcode       = 0
	heartbeatOpcode      = 1
	identifyOpcode       = 2
	invalidSessionOpcode = 9
	helloOpcode          = 10
	heartbeatAckOpcode   = 11
)

func (srv *Server) getGateway(ctx context.Context, r *apiRequest) (*apiResponse, error) {
	return newResponse(http.StatusOK, map[string]interface{}{
		"url": (&url.URL{
			Scheme: "ws",
			Host:   r.host,
			Path:   "/gateway",
		}).String(),
	})
}

// gateway is protected by srv.mu
type gateway struct {
	authUser *gallery.User
	// cancel stops the connection's goroutines.
	cancel context.CancelFunc
	// seq is the sequence number of the last dispatched event.
	seq int64
	// queueNotify is non-nil when a websocket is listening,
	// and it is closed when queue has its first element.
	queueNotify chan struct{}
	queue       []*gallery.GatewayPayload
}

func (g *gateway) lockedPush(payload *gallery.GatewayPayload) {
	g.queue = append(g.queue, payload)
	if len(g.queue) == 1 && g.queueNotify != nil {
		close(g.queueNotify)
		g.queueNotify = nil
	}
}

// CloseGateways disconnects every open gateway websocket.
// Clients are free to reconnect afterward.
func (srv *Server) CloseGateways() {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for g := range srv.gateways {
		g.cancel()
	}
}

// lockedBroadcast sends an event to every identified gateway connection.
func (srv *Server) lockedBroadcast(eventName string, data interface{}) {
	for g := range srv.gateways {
		if g.authUser == nil {
			continue
		}
		g.seq++
		payload := newEventPayload(eventName, data)
		payload.SequenceNumber = g.seq
		g.lockedPush(payload)
	}
}

func (srv *Server) handleGatewayWebsocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()
	if query.Get("v") != gatewayVersion {
		http.NotFound(w, r)
		return
	}
	if query.Get("encoding") != "json" {
		http.NotFound(w, r)
		return
	}

	conn, err := new(websocket.Upgrader).Upgrade(w, r, nil)
	if err != nil {
		srv.mu.Lock()
		log.Logf(ctx, srv.logger, log.Error, "Gateway websocket: %v", err)
		srv.mu.Unlock()
		return
	}
	defer conn.Close()
	srv.mu.Lock()
	heartbeatInterval := srv.heartbeatInterval
	srv.mu.Unlock()
	err = conn.WriteJSON(newGatewayPayload(helloOpcode, map[string]interface{}{
		"heartbeat_interval": heartbeatInterval.Milliseconds(),
	}))
	if err != nil {
		srv.mu.Lock()
		log.Logf(ctx, srv.logger, log.Error, "Gateway websocket: %v", err)
		srv.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	myGateway := &gateway{cancel: cancel}
	srv.mu.Lock()
	srv.gateways[myGateway] = struct{}{}
	srv.mu.Unlock()
	defer func() {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		delete(srv.gateways, myGateway)
	}()

	grp, ctx := errgroup.WithContext(ctx)
	outbound := make(chan *gallery.GatewayPayload)
	send := func(msg *gallery.GatewayPayload) error {
		select {
		case outbound <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	grp.Go(func() error {
		// Read loop.
		ctxDone := ctx.Done()
		for {
			select {
			case <-ctxDone:
				return fmt.Errorf("read gateway payload: %v", ctx.Err())
			default:
			}
			read := make(chan struct{})
			watchDone := make(chan struct{})
			go func() {
				defer close(watchDone)
				select {
				case <-read:
				case <-ctxDone:
					conn.SetReadDeadline(time.Now())
				}
			}()
			_, packet, err := conn.ReadMessage()
			close(read)
			<-watchDone
			if err != nil {
				return fmt.Errorf("read gateway payload: %v", err)
			}

			var payload gallery.GatewayPayload
			if err := json.Unmarshal(packet, &payload); err != nil {
				return err
			}
			switch payload.OpCode {
			case heartbeatOpcode:
				if err := send(&gallery.GatewayPayload{OpCode: heartbeatAckOpcode}); err != nil {
					return err
				}
			case identifyOpcode:
				var identify struct {
					Token string `json:"token"`
				}
				if err := json.Unmarshal(payload.Data, &identify); err != nil {
					return err
				}
				srv.mu.Lock()
				u := srv.auths[gallery.APIKeyAuthorization(identify.Token)]
				var ready *gallery.GatewayPayload
				if u != nil {
					myGateway.authUser = u
					ready = newEventPayload(gallery.ReadyEvent, map[string]interface{}{
						"v":    1,
						"user": srv.lockedFormatUser(u, true),
					})
					log.Logf(ctx, srv.logger, log.Debug, "Gateway identified user %v", u.ID)
				}
				srv.mu.Unlock()

				if u == nil {
					if err := send(newGatewayPayload(invalidSessionOpcode, false)); err != nil {
						return err
					}
					continue
				}
				if err := send(ready); err != nil {
					return err
				}
			default:
				return fmt.Errorf("client sent unknown op-code %d", payload.OpCode)
			}
		}
	})

	grp.Go(func() error {
		// Send event notifications.
		for {
			srv.mu.Lock()
			for len(myGateway.queue) == 0 {
				wait := make(chan struct{})
				myGateway.queueNotify = wait
				srv.mu.Unlock()
				select {
				case <-wait:
				case <-ctx.Done():
					return ctx.Err()
				}
				srv.mu.Lock()
			}
			queue := myGateway.queue
			myGateway.queue = nil
			srv.mu.Unlock()

			for _, payload := range queue {
				if err := send(payload); err != nil {
					return err
				}
			}
		}
	})

	grp.Go(func() error {
		// Serialize message sending from other goroutines.
		for {
			select {
			case msg := <-outbound:
				data, err := json.Marshal(msg)
				if err != nil {
					return err
				}
				err = conn.WriteMessage(websocket.TextMessage, data)
				if err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	if err := grp.Wait(); err != nil {
		srv.mu.Lock()
		log.Logf(ctx, srv.logger, log.Warn, "Websocket shutdown: %v", err)
		srv.mu.Unlock()
	}
	// Best effort: the client may already be gone.
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway closed"),
		time.Now().Add(time.Second),
	)
}

func newEventPayload(eventName string, data interface{}) *gallery.GatewayPayload {
	payload := newGatewayPayload(dispatchOpcode, data)
	payload.EventName = eventName
	return payload
}

func newGatewayPayload(opCode int, data interface{}) *gallery.GatewayPayload {
	payload := &gallery.GatewayPayload{
		OpCode: opCode,
	}
	var err error
	payload.Data, err = json.Marshal(data)
	if err != nil {
		panic(err)
	}
	return payload
}
