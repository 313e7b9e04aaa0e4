package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/haasonsaas/usbgate/pkg/metrics"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleAgent Role = "agent"
)

// Principal is the authenticated party behind a connection.
type Principal struct {
	Role Role
	Name string
}

// Hub fans messages out to the connections subscribed to a scope.
type Hub struct {
	mu     sync.RWMutex
	scopes map[Scope]map[*Conn]struct{}
	conns  map[*Conn]struct{}

	sendBuffer int
	logger     zerolog.Logger
	metrics    metrics.Recorder
}

type HubOption func(*Hub)

func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

func WithHubLogger(l zerolog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

func WithMetrics(m metrics.Recorder) HubOption {
	return func(h *Hub) {
		if m != nil {
			h.metrics = m
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		scopes:     make(map[Scope]map[*Conn]struct{}),
		conns:      make(map[*Conn]struct{}),
		sendBuffer: 256,
		logger:     zerolog.Nop(),
		metrics:    metrics.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Conn is one upgraded websocket. Writes happen only in writePump.
type Conn struct {
	hub       *Hub
	ws        *websocket.Conn
	principal Principal
	send      chan *Message
	done      chan struct{}
	closeOnce sync.Once
	scopes    map[Scope]struct{} // guarded by hub.mu
}

// Serve runs the connection until the peer goes away. It blocks.
func (h *Hub) Serve(ws *websocket.Conn, p Principal) {
	c := &Conn{
		hub:       h,
		ws:        ws,
		principal: p,
		send:      make(chan *Message, h.sendBuffer),
		done:      make(chan struct{}),
		scopes:    make(map[Scope]struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	go c.writePump()
	c.readPump()
}

// Publish queues msg for every subscriber of scope and returns how many
// accepted it. It never blocks: a subscriber with a full buffer misses msg.
func (h *Hub) Publish(scope Scope, msg *Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.scopes[scope] {
		if c.push(msg) {
			delivered++
		}
	}
	return delivered
}

// Subscribers counts connections joined to scope.
func (h *Hub) Subscribers(scope Scope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.scopes[scope])
}

// Close disconnects every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := h.countRoleLocked(c.principal.Role)
	h.mu.Unlock()

	h.metrics.SetRealtimeConnections(string(c.principal.Role), n)
	h.logger.Info().
		Str("role", string(c.principal.Role)).
		Str("principal", c.principal.Name).
		Msg("realtime connection opened")
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	for scope := range c.scopes {
		h.removeLocked(scope, c)
	}
	delete(h.conns, c)
	n := h.countRoleLocked(c.principal.Role)
	h.mu.Unlock()

	c.close()
	h.metrics.SetRealtimeConnections(string(c.principal.Role), n)
	h.logger.Info().
		Str("role", string(c.principal.Role)).
		Str("principal", c.principal.Name).
		Msg("realtime connection closed")
}

func (h *Hub) countRoleLocked(role Role) int {
	n := 0
	for c := range h.conns {
		if c.principal.Role == role {
			n++
		}
	}
	return n
}

func (h *Hub) join(c *Conn, scope Scope) error {
	switch {
	case scope == AdminScope && c.principal.Role != RoleAdmin:
		return fmt.Errorf("admin scope requires an admin connection")
	case scope != AdminScope && c.principal.Role != RoleAgent:
		return fmt.Errorf("user scopes require an agent connection")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.scopes[scope]
	if !ok {
		subs = make(map[*Conn]struct{})
		h.scopes[scope] = subs
	}
	subs[c] = struct{}{}
	c.scopes[scope] = struct{}{}
	return nil
}

func (h *Hub) leave(c *Conn, scope Scope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(scope, c)
	delete(c.scopes, scope)
}

func (h *Hub) removeLocked(scope Scope, c *Conn) {
	subs := h.scopes[scope]
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.scopes, scope)
	}
}

func (c *Conn) push(msg *Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.hub.metrics.RecordRealtimeDrop(string(msg.Type))
		c.hub.logger.Warn().
			Str("type", string(msg.Type)).
			Str("principal", c.principal.Name).
			Msg("realtime send buffer full, dropping message")
		return false
	}
}

// close signals writePump to send a close frame and drop the socket.
func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) reply(t MessageType, data any) {
	msg, err := NewMessage(t, data)
	if err != nil {
		return
	}
	c.push(msg)
}

func (c *Conn) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn().Err(err).Str("principal", c.principal.Name).Msg("realtime read error")
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply(TypeError, ErrorData{Error: "malformed message"})
			continue
		}
		c.handle(&msg)
	}
}

func (c *Conn) handle(msg *Message) {
	switch msg.Type {
	case TypeJoin, TypeLeave:
		var data JoinData
		if err := msg.Decode(&data); err != nil {
			c.reply(TypeError, ErrorData{Error: "invalid join payload"})
			return
		}
		scope, err := data.target()
		if err != nil {
			c.reply(TypeError, ErrorData{Error: err.Error()})
			return
		}
		if msg.Type == TypeLeave {
			c.hub.leave(c, scope)
			return
		}
		if err := c.hub.join(c, scope); err != nil {
			c.hub.logger.Warn().
				Str("principal", c.principal.Name).
				Str("scope", string(scope)).
				Err(err).
				Msg("realtime join refused")
			c.reply(TypeError, ErrorData{Error: err.Error()})
			return
		}
		if user, ok := scope.Username(); ok {
			c.hub.logger.Info().
				Str("agent_id", c.principal.Name).
				Str("username", user).
				Msg("agent joined user scope")
		}
		c.reply(TypeJoined, JoinedData{Scope: data.Scope, Username: data.Username})
	case TypePing:
		c.reply(TypePong, nil)
	default:
		c.reply(TypeError, ErrorData{Error: fmt.Sprintf("unsupported message type %q", msg.Type)})
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.hub.logger.Warn().Err(err).Str("principal", c.principal.Name).Msg("realtime write failed")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
