// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// ============================================================================
// MESSAGES
// ============================================================================

// Message types understood on the event socket.
const (
	TypeSyncMessages = "SYNC_MESSAGES"
	TypePing         = "PING"
	TypePong         = "PONG"
)

// WSMessage is the event socket envelope.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var (
	ErrNoClients      = errors.New("no event clients connected")
	ErrSendBufferFull = errors.New("send buffer full")
)

const (
	// DefaultPingInterval is how often clients are pinged.
	DefaultPingInterval = 30 * time.Second

	// DefaultPongTimeout is how long a silent client is kept after a ping.
	DefaultPongTimeout = 10 * time.Second

	sendBuffer = 64
)

// ============================================================================
// CLIENT
// ============================================================================

// client is one event socket connection.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func (c *client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
		close(c.send)
		c.conn.Close()
	}
}

// enqueue queues data without blocking. A slow client loses messages
// rather than stalling the engine.
func (c *client) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNoClients
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNoClients
	}
	c.conn.SetWriteDeadline(time.Now().Add(DefaultPongTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ============================================================================
// HUB
// ============================================================================

// Hub fans events out to every connected event socket and forwards sync
// requests from them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongTimeout  time.Duration
	onSync       func()
	logger       *log.Logger
}

// NewHub creates a hub. onSync is called for SYNC_MESSAGES requests.
func NewHub(onSync func()) *Hub {
	return &Hub{
		clients:      make(map[*client]struct{}),
		pingInterval: DefaultPingInterval,
		pongTimeout:  DefaultPongTimeout,
		onSync:       onSync,
		upgrader: websocket.Upgrader{
			// SECURITY: browsers may only connect from loopback pages
			CheckOrigin: checkLoopbackOrigin,
		},
	}
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every client. It returns ErrNoClients when nobody
// is listening.
func (h *Hub) Broadcast(msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return ErrNoClients
	}
	for _, c := range targets {
		if err := c.enqueue(data); errors.Is(err, ErrSendBufferFull) {
			h.logf("[ws] client too slow, dropping %s", msg.Type)
		}
	}
	return nil
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.Close()
	}
}

// HandleWS upgrades the request and serves the connection until it closes.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logf("[ws] upgrade error: %v", err)
		return
	}

	cl := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	h.logf("[ws] client connected (%d total)", h.Len())

	go h.writePump(cl)
	go h.pingPump(cl)
	h.readPump(cl)
}

// readPump reads client requests until the connection fails.
func (h *Hub) readPump(cl *client) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, cl)
		h.mu.Unlock()
		cl.Close()
		h.logf("[ws] client disconnected")
	}()

	cl.conn.SetReadDeadline(time.Now().Add(h.pingInterval + h.pongTimeout))
	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logf("[ws] read error: %v", err)
			}
			return
		}
		// Any message proves the client is alive
		cl.conn.SetReadDeadline(time.Now().Add(h.pingInterval + h.pongTimeout))

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logf("[ws] invalid message: %v", err)
			continue
		}
		switch msg.Type {
		case TypePong:
		case TypeSyncMessages:
			if h.onSync != nil {
				h.onSync()
			}
		default:
			h.logf("[ws] ignoring message type %q", msg.Type)
		}
	}
}

func (h *Hub) writePump(cl *client) {
	for data := range cl.send {
		if err := cl.write(data); err != nil {
			h.logf("[ws] write error: %v", err)
			return
		}
	}
}

// pingPump sends application-level pings; clients answer with PONG.
func (h *Hub) pingPump(cl *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(WSMessage{Type: TypePing})
	for {
		select {
		case <-cl.done:
			return
		case <-ticker.C:
			if err := cl.write(ping); err != nil {
				return
			}
		}
	}
}

// checkLoopbackOrigin accepts non-browser clients and pages served from
// loopback hosts.
func checkLoopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return isLoopbackOrigin(origin)
}
