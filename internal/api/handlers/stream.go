// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/licguard/internal/banner"
	"github.com/autobrr/licguard/internal/guard"
	"github.com/autobrr/licguard/internal/license"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 16
)

const (
	EventStatus       = "status"
	EventNotification = "notification"
)

// StreamEvent is one frame on the license stream.
type StreamEvent struct {
	Type         string               `json:"type"`
	Status       *license.Status      `json:"status,omitempty"`
	Notification *banner.Notification `json:"notification,omitempty"`
}

type streamClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// StreamHub pushes license statuses and notifications to websocket clients. It
// is a guard subscriber and a banner sink.
type StreamHub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*streamClient
	last    []byte
	sub     *guard.Subscription
}

func NewStreamHub() *StreamHub {
	return &StreamHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[string]*streamClient),
	}
}

// Attach subscribes the hub to g. Calling it again replaces the subscription.
func (h *StreamHub) Attach(g *guard.Guard) {
	h.Detach()

	sub := g.Subscribe(h.publishStatus)

	h.mu.Lock()
	h.sub = sub
	h.mu.Unlock()
}

func (h *StreamHub) Detach() {
	h.mu.Lock()
	sub := h.sub
	h.sub = nil
	h.mu.Unlock()

	sub.Unsubscribe()
}

// Notify implements banner.Sink.
func (h *StreamHub) Notify(_ context.Context, n banner.Notification) {
	h.broadcast(StreamEvent{Type: EventNotification, Notification: &n}, false)
}

func (h *StreamHub) publishStatus(status license.Status) {
	h.broadcast(StreamEvent{Type: EventStatus, Status: &status}, true)
}

func (h *StreamHub) broadcast(event StreamEvent, remember bool) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("type", event.Type).Msg("Failed to encode stream event")
		return
	}

	h.mu.Lock()
	if remember {
		h.last = payload
	}
	var slow []*streamClient
	for _, c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.removeLocked(c)
	}
	h.mu.Unlock()

	for _, c := range slow {
		log.Warn().Str("client", c.id).Msg("Dropping slow stream client")
	}
}

// ClientCount reports connected clients.
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams events until the client leaves. The
// last known status is sent first.
func (h *StreamHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upgrade stream connection")
		return
	}

	c := &streamClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	if h.last != nil {
		c.send <- h.last
	}
	h.mu.Unlock()

	log.Debug().Str("client", c.id).Str("remote_addr", r.RemoteAddr).Msg("Stream client connected")

	go h.writePump(c)
	h.readPump(c)
}

func (h *StreamHub) remove(c *streamClient) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *StreamHub) removeLocked(c *streamClient) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	close(c.send)
}

// readPump only handles control frames. It returns when the peer goes away.
func (h *StreamHub) readPump(c *streamClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		log.Debug().Str("client", c.id).Msg("Stream client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("client", c.id).Msg("Unexpected stream close")
			}
			return
		}
	}
}

func (h *StreamHub) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and detaches from the guard.
func (h *StreamHub) Close() {
	h.Detach()

	h.mu.Lock()
	for _, c := range h.clients {
		h.removeLocked(c)
	}
	h.mu.Unlock()
}
