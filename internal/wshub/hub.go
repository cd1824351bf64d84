// Package wshub implements the per-agent websocket fan-out: a
// ring-buffered, non-blocking pub/sub delivery shape with a dropped
// counter, fanning out over gorilla/websocket connections, and
// accumulating project-update messages into a running buffer new
// connections receive on join.
package wshub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgecode/forge/internal/core"
)

// outboundBuffer bounds the per-connection ring buffer; once full, the
// oldest queued message is dropped to make room for the newest, mirroring
// EventBus.deliverWithRingBuffer.
const outboundBuffer = 64

// envelope is the wire shape of every message sent to a client.
type envelope struct {
	Type      core.MessageType `json:"type"`
	Data      any              `json:"data"`
	Timestamp time.Time        `json:"timestamp"`
}

type connection struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	closed atomic.Bool
}

// Hub fans a single agent's messages out to every connected websocket
// client for that agent.
type Hub struct {
	mu            sync.RWMutex
	conns         map[string]*connection
	droppedCount  int64
	projectUpdate strings.Builder
	updateMu      sync.Mutex
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{conns: make(map[string]*connection)}
}

var _ core.Broadcaster = (*Hub)(nil)

// Register adds ws as a live connection identified by connID and
// starts its write pump. The caller owns the read loop (e.g. for
// ping/pong and client-originated control messages).
func (h *Hub) Register(connID string, ws *websocket.Conn) {
	c := &connection{id: connID, conn: ws, send: make(chan []byte, outboundBuffer)}

	h.mu.Lock()
	h.conns[connID] = c
	h.mu.Unlock()

	go h.writePump(c)

	h.updateMu.Lock()
	backlog := h.projectUpdate.String()
	h.updateMu.Unlock()
	if backlog != "" {
		if msg, err := h.encode(core.MsgFileGenerated, backlog); err == nil {
			h.deliver(c, msg)
		}
	}
}

func (h *Hub) writePump(c *connection) {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.closeConn(c)
			return
		}
	}
}

func (h *Hub) closeConn(c *connection) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	_ = c.conn.Close()
}

func (h *Hub) deliver(c *connection, msg []byte) {
	select {
	case c.send <- msg:
		return
	default:
	}
	select {
	case <-c.send:
		atomic.AddInt64(&h.droppedCount, 1)
	default:
	}
	select {
	case c.send <- msg:
	default:
		atomic.AddInt64(&h.droppedCount, 1)
	}
}

func (h *Hub) encode(typ core.MessageType, data any) ([]byte, error) {
	env := envelope{Type: typ, Data: data, Timestamp: time.Now()}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding message envelope: %w", err)
	}
	return b, nil
}

// Broadcast sends typ/data to every connected client for this agent,
// and folds project-update message types into the accumulator new
// joiners replay.
func (h *Hub) Broadcast(ctx context.Context, typ core.MessageType, data any) error {
	msg, err := h.encode(typ, data)
	if err != nil {
		return err
	}

	if _, ok := core.ProjectUpdateMessageTypes[typ]; ok {
		if text, ok := data.(string); ok {
			h.updateMu.Lock()
			h.projectUpdate.WriteString(text)
			h.updateMu.Unlock()
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		h.deliver(c, msg)
	}
	return nil
}

// Send delivers typ/data to a single connection.
func (h *Hub) Send(ctx context.Context, connID string, typ core.MessageType, data any) error {
	msg, err := h.encode(typ, data)
	if err != nil {
		return err
	}

	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return core.ErrNotFound("connection", connID)
	}
	h.deliver(c, msg)
	return nil
}

// Connections lists currently registered connection ids.
func (h *Hub) Connections() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.conns))
	for id := range h.conns {
		out = append(out, id)
	}
	return out
}

// Close closes and removes one connection.
func (h *Hub) Close(connID string) error {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return core.ErrNotFound("connection", connID)
	}
	close(c.send)
	h.closeConn(c)
	return nil
}

// DroppedCount returns the total number of messages dropped to
// backpressure across this hub's lifetime.
func (h *Hub) DroppedCount() int64 {
	return atomic.LoadInt64(&h.droppedCount)
}
