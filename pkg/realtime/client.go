package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/haasonsaas/usbgate/pkg/retry"
	"github.com/rs/zerolog"
)

// DialFunc opens an authenticated websocket to the server.
type DialFunc func(ctx context.Context) (*websocket.Conn, *http.Response, error)

type ClientConfig struct {
	Dial           DialFunc
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// EarlyTTL bounds how long a resolution that nobody awaits yet is kept.
	EarlyTTL time.Duration
	Logger   zerolog.Logger
}

// Client is the agent side of the channel. It reconnects until its context
// ends and rejoins every subscribed user scope on each connection.
type Client struct {
	cfg ClientConfig

	mu      sync.Mutex
	users   map[string]int
	waiters map[uint][]chan ResolutionData
	early   map[uint]earlyResolution
	send    chan *Message

	onResolution func(ResolutionData)
	onRevocation func(RevocationData)
	onReconnect  func()
}

type earlyResolution struct {
	data ResolutionData
	at   time.Time
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.EarlyTTL <= 0 {
		cfg.EarlyTTL = time.Minute
	}
	return &Client{
		cfg:     cfg,
		users:   make(map[string]int),
		waiters: make(map[uint][]chan ResolutionData),
		early:   make(map[uint]earlyResolution),
	}
}

// OnResolution receives resolutions that no Await call claimed.
func (c *Client) OnResolution(fn func(ResolutionData)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResolution = fn
}

func (c *Client) OnRevocation(fn func(RevocationData)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRevocation = fn
}

// OnReconnect runs after every connection except the first one.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = fn
}

// Subscribe joins the scope of username. Calls are reference counted; the
// returned func releases one reference.
func (c *Client) Subscribe(username string) func() {
	c.mu.Lock()
	c.users[username]++
	first := c.users[username] == 1
	send := c.send
	c.mu.Unlock()

	if first && send != nil {
		enqueue(send, TypeJoin, JoinData{Scope: "user", Username: username})
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(username) })
	}
}

func (c *Client) unsubscribe(username string) {
	c.mu.Lock()
	c.users[username]--
	last := c.users[username] <= 0
	if last {
		delete(c.users, username)
	}
	send := c.send
	c.mu.Unlock()

	if last && send != nil {
		enqueue(send, TypeLeave, JoinData{Scope: "user", Username: username})
	}
}

// Await blocks until a resolution for requestID is pushed or ctx ends.
func (c *Client) Await(ctx context.Context, requestID uint) (ResolutionData, error) {
	ch := make(chan ResolutionData, 1)

	c.mu.Lock()
	if e, ok := c.early[requestID]; ok && time.Since(e.at) < c.cfg.EarlyTTL {
		delete(c.early, requestID)
		c.mu.Unlock()
		return e.data, nil
	}
	c.waiters[requestID] = append(c.waiters[requestID], ch)
	c.mu.Unlock()

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		c.dropWaiter(requestID, ch)
		return ResolutionData{}, ctx.Err()
	}
}

func (c *Client) dropWaiter(requestID uint, ch chan ResolutionData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[requestID]
	for i, w := range list {
		if w == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.waiters, requestID)
	} else {
		c.waiters[requestID] = list
	}
}

// deliver hands a resolution to its waiters, or buffers it and calls the
// unclaimed handler.
func (c *Client) deliver(res ResolutionData) {
	c.mu.Lock()
	list := c.waiters[res.RequestID]
	delete(c.waiters, res.RequestID)
	var handler func(ResolutionData)
	if len(list) == 0 {
		c.pruneEarlyLocked()
		c.early[res.RequestID] = earlyResolution{data: res, at: time.Now()}
		handler = c.onResolution
	}
	c.mu.Unlock()

	for _, ch := range list {
		ch <- res
	}
	if handler != nil {
		handler(res)
	}
}

func (c *Client) pruneEarlyLocked() {
	for id, e := range c.early {
		if time.Since(e.at) >= c.cfg.EarlyTTL {
			delete(c.early, id)
		}
	}
}

// Run keeps a connection open until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	sessions := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ws, resp, err := c.cfg.Dial(ctx)
		if err != nil {
			ev := c.cfg.Logger.Warn().Err(err).Int("attempt", attempt+1)
			if resp != nil {
				ev = ev.Int("status", resp.StatusCode)
			}
			ev.Msg("realtime dial failed")
		} else {
			attempt = 0
			sessions++
			err = c.session(ctx, ws, sessions > 1)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.cfg.Logger.Warn().Err(err).Msg("realtime connection lost")
		}

		delay := retry.Backoff(c.cfg.InitialBackoff, c.cfg.MaxBackoff, attempt)
		attempt++
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) session(ctx context.Context, ws *websocket.Conn, reconnect bool) error {
	send := make(chan *Message, 64)

	c.mu.Lock()
	c.send = send
	users := make([]string, 0, len(c.users))
	for u := range c.users {
		users = append(users, u)
	}
	hook := c.onReconnect
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.send == send {
			c.send = nil
		}
		c.mu.Unlock()
		ws.Close()
	}()

	sort.Strings(users)
	for _, u := range users {
		enqueue(send, TypeJoin, JoinData{Scope: "user", Username: u})
	}
	c.cfg.Logger.Info().Strs("users", users).Bool("reconnect", reconnect).Msg("realtime connected")
	if reconnect && hook != nil {
		go hook()
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	go func() { errCh <- c.writePump(sessCtx, ws, send) }()
	go func() { errCh <- c.readPump(ws) }()

	err := <-errCh
	cancel()
	ws.Close()
	return err
}

func (c *Client) readPump(ws *websocket.Conn) error {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// Server pings also prove liveness.
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *Message) {
	log := c.cfg.Logger
	switch msg.Type {
	case TypeRequestApproved, TypeRequestDenied:
		var res ResolutionData
		if err := msg.Decode(&res); err != nil {
			log.Warn().Err(err).Str("type", string(msg.Type)).Msg("bad resolution payload")
			return
		}
		if res.Status == "" {
			res.Status = statusFor(msg.Type)
		}
		c.deliver(res)
	case TypePermissionRevoked:
		var rev RevocationData
		if err := msg.Decode(&rev); err != nil {
			log.Warn().Err(err).Msg("bad revocation payload")
			return
		}
		c.mu.Lock()
		handler := c.onRevocation
		c.mu.Unlock()
		if handler != nil {
			handler(rev)
		}
	case TypeJoined:
		var j JoinedData
		_ = msg.Decode(&j)
		log.Debug().Str("scope", j.Scope).Str("username", j.Username).Msg("realtime scope joined")
	case TypeError:
		var e ErrorData
		_ = msg.Decode(&e)
		log.Warn().Str("error", e.Error).Msg("realtime server error")
	case TypePong:
	default:
		log.Debug().Str("type", string(msg.Type)).Msg("ignoring realtime message")
	}
}

func (c *Client) writePump(ctx context.Context, ws *websocket.Conn, send chan *Message) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()
		case msg := <-send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(msg); err != nil {
				return fmt.Errorf("write message: %w", err)
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func enqueue(send chan *Message, t MessageType, data any) {
	msg, err := NewMessage(t, data)
	if err != nil {
		return
	}
	select {
	case send <- msg:
	default:
	}
}
