// Package channel maintains the long-lived realtime connection to the
// sync server. It owns the connection state machine, replays
// subscriptions across reconnects and fans server-pushed events out to
// observers in the order received.
package channel

import (
	"encoding/json"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openfield-dev/casesync/internal/errors"
	"github.com/openfield-dev/casesync/internal/logging"
	"github.com/openfield-dev/casesync/internal/models"
)

// Observer receives channel events. Each registered observer sees
// every event exactly once, in the order received.
type Observer func(models.ChannelEvent)

// Config holds realtime channel configuration.
type Config struct {
	URL    string
	UserID string
	Role   string

	DialTimeout          time.Duration // default 10s
	AuthTimeout          time.Duration // default 10s
	InitialBackoff       time.Duration // default 1s
	MaxBackoff           time.Duration // default 30s
	MaxReconnectAttempts int           // default 10; consecutive failures before degraded
	PingInterval         time.Duration // default 30s
	PongWait             time.Duration // default 60s
	WriteWait            time.Duration // default 10s
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
}

// envelope wraps every wire message; type is the dispatch
// discriminator.
type envelope struct {
	Type      string          `json:"type"`
	EventType string          `json:"eventType,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Role      string          `json:"role,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Channel is the realtime client. It owns ConnectionState exclusively;
// external components only read it.
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer

	mu        sync.RWMutex
	state     models.ConnectionState
	subs      map[string]bool // desired subscriptions, replayed on reconnect
	observers map[int]Observer
	nextObs   int
	conn      *websocket.Conn
	send      chan envelope // live session's outbound queue, nil when down

	events   chan models.ChannelEvent
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Channel. Call Start to connect.
func New(cfg Config) *Channel {
	cfg.applyDefaults()
	return &Channel{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
		state:     models.ConnectionDisconnected,
		subs:      make(map[string]bool),
		observers: make(map[int]Observer),
		events:    make(chan models.ChannelEvent, 256),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the connection loop and the event dispatcher.
func (c *Channel) Start() {
	c.wg.Add(2)
	go c.dispatchLoop()
	go c.run()
}

// Close terminates the channel and waits for its goroutines.
func (c *Channel) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.setState(models.ConnectionDisconnected)
}

// State returns the current connection state.
func (c *Channel) State() models.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// AddObserver registers an event observer and returns its id.
func (c *Channel) AddObserver(obs Observer) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = obs
	return id
}

// RemoveObserver unregisters an observer.
func (c *Channel) RemoveObserver(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.observers, id)
}

// Subscribe adds a topic to the desired subscription set. The control
// frame is only transmitted when a session is up; the desired set is
// replayed in full on every entry to Subscribed, so a frame skipped
// here is always repaired by the replay burst.
func (c *Channel) Subscribe(topic string) {
	c.mu.Lock()
	c.subs[topic] = true
	state := c.state
	send := c.send
	c.mu.Unlock()

	if state == models.ConnectionAuthenticating || state == models.ConnectionSubscribed {
		c.trySend(send, envelope{Type: "subscribe", Channel: topic})
	}
}

// Unsubscribe removes a topic from the desired subscription set.
func (c *Channel) Unsubscribe(topic string) {
	c.mu.Lock()
	delete(c.subs, topic)
	state := c.state
	send := c.send
	c.mu.Unlock()

	if state == models.ConnectionAuthenticating || state == models.ConnectionSubscribed {
		c.trySend(send, envelope{Type: "unsubscribe", Channel: topic})
	}
}

// Subscriptions returns the desired subscription set.
func (c *Channel) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// run is the connection loop: dial, authenticate, serve the session,
// then back off and reconnect. After MaxReconnectAttempts consecutive
// failures it emits a degraded event and stops retrying.
func (c *Channel) run() {
	defer c.wg.Done()

	attempts := 0
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.setState(models.ConnectionConnecting)

		conn, _, err := c.dialer.Dial(c.cfg.URL, nil)
		if err == nil {
			var subscribed bool
			subscribed, err = c.session(conn)
			if subscribed {
				attempts = 0
			}
		}

		select {
		case <-c.stopCh:
			return
		default:
		}

		attempts++
		if attempts >= c.cfg.MaxReconnectAttempts {
			logging.ErrorWithCode("Realtime channel degraded, giving up reconnecting",
				string(errors.ErrChannelDisconnected), err,
				map[string]interface{}{"attempts": attempts})
			c.enqueue(models.ChannelEvent{
				Type:            models.EventTypeDegraded,
				ServerTimestamp: time.Now().Unix(),
			})
			c.setState(models.ConnectionDisconnected)
			return
		}

		delay := c.backoffDelay(attempts)
		logging.Warn("Realtime channel disconnected, reconnecting",
			map[string]interface{}{
				"attempt": attempts,
				"delay":   delay.String(),
				"error":   errString(err),
			})
		c.setState(models.ConnectionReconnecting)

		select {
		case <-c.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

// session serves one established connection until it fails. Returns
// whether the session ever reached Subscribed.
func (c *Channel) session(conn *websocket.Conn) (bool, error) {
	send := make(chan envelope, 32)
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.send = send
	c.mu.Unlock()
	c.setState(models.ConnectionAuthenticating)

	defer func() {
		close(done)
		c.mu.Lock()
		c.conn = nil
		c.send = nil
		c.mu.Unlock()
		conn.Close()
	}()

	// Single-writer discipline: everything outbound goes through the
	// send queue consumed by writePump, auth frame included.
	send <- envelope{
		Type:      "auth",
		UserID:    c.cfg.UserID,
		Role:      c.cfg.Role,
		Timestamp: time.Now().Unix(),
	}

	var pumpWG sync.WaitGroup
	pumpWG.Add(1)
	go c.writePump(conn, send, done, &pumpWG)
	defer pumpWG.Wait()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	// Until authenticated the server gets the shorter auth deadline.
	conn.SetReadDeadline(time.Now().Add(c.cfg.AuthTimeout))

	authenticated := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return authenticated, errors.Wrap(errors.ErrChannelDisconnected, "read failed", err)
		}

		if authenticated {
			conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.ErrorWithCode("Dropping malformed channel message",
				string(errors.ErrMalformedMessage), err, nil)
			continue
		}

		if env.Type == "authenticated" {
			if !authenticated {
				authenticated = true
				conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
				c.setState(models.ConnectionSubscribed)
				// Server-side subscriptions do not survive a reconnect;
				// replay the whole desired set.
				for _, topic := range c.Subscriptions() {
					c.trySend(send, envelope{Type: "subscribe", Channel: topic})
				}
			}
			continue
		}

		c.handleMessage(env)
	}
}

// writePump owns all writes on a connection: queued control frames and
// keep-alive pings.
func (c *Channel) writePump(conn *websocket.Conn, send chan envelope, done chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-send:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := conn.WriteJSON(env); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-done:
			return
		case <-c.stopCh:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleMessage dispatches one inbound frame. Unrecognized types are
// logged and dropped, never fatal to the connection.
func (c *Channel) handleMessage(env envelope) {
	switch {
	case env.Type == "pong":
		// keep-alive ack; the read deadline was already refreshed

	case env.Type == "error":
		logging.Warn("Server error notice on realtime channel",
			map[string]interface{}{"message": env.Message})

	case env.Type == models.EventTypeNotification:
		c.enqueue(models.ChannelEvent{
			Type:            models.EventTypeNotification,
			Payload:         env.Data,
			ServerTimestamp: env.Timestamp,
		})

	case strings.HasSuffix(env.Type, "_update"):
		c.enqueue(models.ChannelEvent{
			Type:            env.Type,
			EntityKind:      strings.TrimSuffix(env.Type, "_update"),
			Payload:         env.Data,
			ServerTimestamp: env.Timestamp,
		})

	default:
		logging.Warn("Dropping unrecognized channel message type",
			map[string]interface{}{"type": env.Type})
	}
}

// enqueue hands an event to the dispatcher. The read loop only blocks
// here when the dispatcher is 256 events behind.
func (c *Channel) enqueue(ev models.ChannelEvent) {
	select {
	case c.events <- ev:
	case <-c.stopCh:
	}
}

// dispatchLoop fans events out to observers on its own goroutine so
// slow observers never stall the transport's read loop.
func (c *Channel) dispatchLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case ev := <-c.events:
			c.fanOut(ev)
		}
	}
}

// fanOut delivers one event to every observer in registration order.
func (c *Channel) fanOut(ev models.ChannelEvent) {
	c.mu.RLock()
	ids := make([]int, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	obs := make([]Observer, 0, len(ids))
	for _, id := range ids {
		obs = append(obs, c.observers[id])
	}
	c.mu.RUnlock()

	for _, o := range obs {
		o(ev)
	}
}

// trySend queues an outbound frame without blocking the caller.
func (c *Channel) trySend(send chan envelope, env envelope) {
	if send == nil {
		return
	}
	select {
	case send <- env:
	default:
		logging.Warn("Outbound channel queue full, dropping frame",
			map[string]interface{}{"type": env.Type})
	}
}

// backoffDelay computes the reconnect delay for the n-th consecutive
// failure: exponential doubling from the initial delay, capped, with
// ±10% jitter.
func (c *Channel) backoffDelay(attempt int) time.Duration {
	d := c.cfg.InitialBackoff << uint(attempt-1)
	if d > c.cfg.MaxBackoff || d <= 0 {
		d = c.cfg.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	return d + jitter
}

func (c *Channel) setState(s models.ConnectionState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed {
		logging.Debug("Realtime channel state changed",
			map[string]interface{}{"state": string(s)})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
