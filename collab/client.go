// Package collab implements the client side of the realtime collaboration
// protocol: one persistent WebSocket connection per session, with automatic
// reconnection, durable channel subscriptions, correlated lock acquisition,
// and ephemeral presence aggregation.
//
// A Client is constructed explicitly per session and passed to whatever owns
// the session; there is no package-level singleton. Typical use:
//
//	cfg := collab.DefaultClientConfig()
//	cfg.URL = "wss://api.example.com/ws"
//	cfg.TokenURL = "https://api.example.com/api/ws-token"
//	cfg.SessionToken = session.Token
//	client := collab.NewClient(cfg)
//	if err := client.Connect(ctx); err != nil { ... }
//	defer client.Disconnect()
//
//	client.SubscribeToNode(nodeID)
//	grant, err := client.RequestLock(ctx, nodeID, 0)
package collab

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	conc "github.com/panyam/gocurrent"
	gut "github.com/panyam/goutils/utils"

	"github.com/glassbox/realtime-go/wire"
)

// Client owns one logical collaboration session: the physical transport, its
// lifecycle state machine, the outbound queue, and the registries fed by
// inbound messages. All methods are safe for concurrent use.
type Client struct {
	config *ClientConfig
	logger *slog.Logger
	connID string
	codec  wire.Codec

	router   *router
	subs     *subscriptionSet
	locks    *lockTable
	presence *presenceMap

	httpClient *http.Client

	mu             sync.Mutex
	state          ConnState
	conn           *websocket.Conn
	writer         *conc.Writer[*wire.Message]
	queue          []*wire.Message
	attempts       int
	reconnectTimer *time.Timer

	stateHandlers     map[int64]StateHandler
	stateHandlerOrder []int64
	nextStateID       int64
}

// NewClient creates a Client for the given config. The client starts
// disconnected; call Connect to establish the transport.
func NewClient(config *ClientConfig) *Client {
	cfg := config.withDefaults()
	logger := cfg.Logger
	if cfg.Debug && config.Logger == nil {
		// The default slog logger hides Debug records; the debug flag
		// asks for them, so build a handler that emits them.
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	c := &Client{
		config:        cfg,
		logger:        logger,
		connID:        gut.RandString(10, ""),
		router:        newRouter(logger),
		subs:          newSubscriptionSet(),
		locks:         newLockTable(),
		presence:      newPresenceMap(),
		httpClient:    &http.Client{Timeout: cfg.HandshakeTimeout},
		state:         StateDisconnected,
		stateHandlers: make(map[int64]StateHandler),
	}
	c.registerProtocolHandlers()
	return c
}

// registerProtocolHandlers wires the lock mirror and presence aggregator
// into the router ahead of any caller-registered handlers.
func (c *Client) registerProtocolHandlers() {
	c.router.on(wire.TypeLockAcquired, func(msg *wire.Message) {
		var ev wire.LockEventPayload
		if err := wire.DecodePayload(msg, &ev); err != nil {
			c.logger.Debug("bad lock_acquired payload", "connId", c.connID, "err", err)
			return
		}
		c.locks.recordAcquired(ev)
	})
	c.router.on(wire.TypeLockReleased, func(msg *wire.Message) {
		var ev wire.LockEventPayload
		if err := wire.DecodePayload(msg, &ev); err != nil {
			return
		}
		c.locks.recordReleased(ev.NodeID)
	})
	c.router.on(wire.TypePresenceUpdate, func(msg *wire.Message) {
		var ev wire.PresenceUpdatePayload
		if err := wire.DecodePayload(msg, &ev); err != nil {
			c.logger.Debug("bad presence_update payload", "connId", c.connID, "err", err)
			return
		}
		c.presence.replace(ev.NodeID, ev.Users)
	})
	c.router.on(wire.TypeSubscribed, func(msg *wire.Message) {
		var ev wire.SubscribedPayload
		if err := wire.DecodePayload(msg, &ev); err != nil {
			return
		}
		ch, err := wire.ParseChannel(ev.Channel)
		if err != nil || ch.Kind != wire.KindNode || ev.Users == nil {
			return
		}
		c.presence.replace(ch.ID, ev.Users)
	})
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers an observer for state transitions and returns a
// func that unregisters it.
func (c *Client) OnStateChange(h StateHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextStateID++
	id := c.nextStateID
	c.stateHandlers[id] = h
	c.stateHandlerOrder = append(c.stateHandlerOrder, id)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateHandlers, id)
		for i, v := range c.stateHandlerOrder {
			if v == id {
				c.stateHandlerOrder = append(c.stateHandlerOrder[:i:i], c.stateHandlerOrder[i+1:]...)
				break
			}
		}
	}
}

// OnMessage registers a handler for inbound messages of the given type
// (wire.TypeAny for every message) and returns a func that unregisters it.
func (c *Client) OnMessage(msgType wire.MessageType, h MessageHandler) func() {
	return c.router.on(msgType, h)
}

// ============================================================================
// Connection lifecycle
// ============================================================================

// Connect performs the token exchange (when configured), dials the
// transport, and starts the connection pumps. It is idempotent while a
// connection attempt is in flight or a connection is open. A failure moves
// the client to StateError, schedules a backoff retry when reconnection is
// enabled, and is also returned to the caller.
func (c *Client) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.attempts = 0
	c.setState(StateConnecting)
	c.mu.Unlock()

	if err := c.establish(ctx); err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.setState(StateError)
			// setState drops c.mu to notify observers; a Disconnect
			// landing in that window has already moved the state on and
			// must win over the retry.
			if c.state == StateError && !c.config.DisableReconnect {
				c.scheduleReconnectLocked()
			}
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// establish runs one connection attempt: token exchange, dial, pump start,
// queue flush, and subscription replay. Caller has already moved the state
// to StateConnecting.
func (c *Client) establish(ctx context.Context) error {
	token := c.config.Token
	if c.config.TokenURL != "" {
		exchanged, err := exchangeToken(ctx, c.httpClient, c.config.TokenURL, c.config.SessionToken)
		if err != nil {
			c.logger.Info("token exchange failed", "connId", c.connID, "err", err)
			return err
		}
		token = exchanged
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURLWithToken(c.config.URL, token), nil)
	if err != nil {
		c.logger.Info("dial failed", "connId", c.connID, "err", err)
		return err
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnect raced the dial; drop the fresh transport.
		c.mu.Unlock()
		conn.Close()
		return ErrConnectionClosed
	}

	writer := conc.NewWriter(func(msg *wire.Message) error {
		data, err := c.codec.Encode(msg)
		if err != nil {
			c.logger.Error("encode outbound message", "connId", c.connID, "type", string(msg.Type), "err", err)
			return nil
		}
		c.logger.Debug("send", "connId", c.connID, "type", string(msg.Type))
		return conn.WriteMessage(websocket.TextMessage, data)
	})

	c.conn = conn
	c.writer = writer
	c.attempts = 0

	// Queued messages go out in FIFO order before the state flips to
	// connected, so no newly issued Send can jump ahead of the flush.
	queued := c.queue
	c.queue = nil
	for _, msg := range queued {
		writer.Send(msg)
	}
	// Re-declare every subscribed channel so subscriptions survive the
	// reconnect.
	for _, channel := range c.subs.snapshot() {
		writer.Send(wire.NewMessage(wire.TypeSubscribe, wire.SubscribePayload{Channel: channel}))
	}
	c.setState(StateConnected)
	c.mu.Unlock()

	go c.runConn(conn)
	return nil
}

// runConn is the per-connection loop: keepalive pings on a ticker and
// inbound frames via a concurrent reader, exactly until the transport dies.
func (c *Client) runConn(conn *websocket.Conn) {
	reader := conc.NewReader(func() ([]byte, error) {
		_, data, err := conn.ReadMessage()
		return data, err
	})
	defer reader.Stop()

	pingTimer := time.NewTicker(c.config.PingInterval)
	defer pingTimer.Stop()

	for {
		select {
		case <-pingTimer.C:
			c.sendPing(conn)

		case result := <-reader.OutputChan():
			if result.Error != nil {
				c.handleConnClosed(conn, result.Error)
				return
			}
			msg, err := c.codec.Decode(result.Value)
			if err != nil {
				// Malformed frames are dropped; they never crash
				// dispatch.
				c.logger.Debug("dropping malformed frame", "connId", c.connID, "err", err)
				continue
			}
			c.handleInbound(msg)
		}
	}
}

// sendPing emits a keepalive envelope, but only while the connection this
// ticker belongs to is still the live one. Going through the lock serializes
// the write against a concurrent teardown stopping the writer.
func (c *Client) sendPing(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn || c.writer == nil {
		return
	}
	c.writer.Send(wire.NewMessage(wire.TypePing, nil))
}

// handleInbound settles correlated replies first, then routes to handlers.
func (c *Client) handleInbound(msg *wire.Message) {
	c.logger.Debug("recv", "connId", c.connID, "type", string(msg.Type))

	if msg.RequestID != "" {
		switch msg.Type {
		case wire.TypeLockAcquired:
			var ev wire.LockEventPayload
			if err := wire.DecodePayload(msg, &ev); err == nil {
				c.locks.settle(msg.RequestID, lockResult{grant: &LockGrant{
					NodeID:    ev.NodeID,
					LockedBy:  ev.LockedBy,
					UserEmail: ev.UserEmail,
					ExpiresAt: ev.ExpiresAt,
				}})
			}
		case wire.TypeError:
			var ev wire.ErrorPayload
			if err := wire.DecodePayload(msg, &ev); err == nil {
				c.locks.settle(msg.RequestID, lockResult{err: &ServerError{Code: ev.Code, Message: ev.Message}})
			}
		}
	}

	c.router.dispatch(msg)
}

// handleConnClosed classifies a transport loss. Close code 1000 is an
// intentional closure and never triggers reconnection; anything else does,
// when reconnection is enabled and attempts remain.
func (c *Client) handleConnClosed(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// Disconnect (or a replacement connection) already owned this
		// teardown.
		c.mu.Unlock()
		return
	}
	c.teardownLocked()

	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure)
	if normal || c.config.DisableReconnect {
		c.logger.Info("connection closed", "connId", c.connID, "normal", normal, "err", err)
		c.setState(StateDisconnected)
		c.mu.Unlock()
		c.settleSession()
		return
	}

	c.logger.Info("connection lost", "connId", c.connID, "err", err)
	c.scheduleReconnectLocked()
	c.mu.Unlock()
}

// scheduleReconnectLocked arms the backoff timer for the next attempt, or
// parks the client in StateError once attempts are exhausted.
//
// Callers must hold c.mu.
func (c *Client) scheduleReconnectLocked() {
	if c.attempts >= c.config.MaxReconnectAttempts {
		c.logger.Info("reconnect attempts exhausted",
			"connId", c.connID, "attempts", c.attempts)
		c.setState(StateError)
		// settleSession only takes the registries' own locks, never c.mu.
		c.settleSession()
		return
	}

	attempt := c.attempts
	c.attempts++
	jitter := time.Duration(rand.Int63n(int64(ReconnectJitter)))
	delay := backoffDelay(c.config.ReconnectInterval, attempt, jitter)

	c.setState(StateReconnecting)
	if c.state != StateReconnecting {
		// A Disconnect ran during the observer notification; leave the
		// timer unarmed.
		return
	}
	c.logger.Info("reconnect scheduled",
		"connId", c.connID, "attempt", attempt, "delay", delay)
	c.reconnectTimer = time.AfterFunc(delay, c.reconnectAttempt)
}

// reconnectAttempt fires when the backoff timer elapses.
func (c *Client) reconnectAttempt() {
	c.mu.Lock()
	if c.state != StateReconnecting {
		// Disconnect or an explicit Connect raced the timer.
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.setState(StateConnecting)
	c.mu.Unlock()

	if err := c.establish(context.Background()); err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.setState(StateError)
			if c.state == StateError {
				c.scheduleReconnectLocked()
			}
		}
		c.mu.Unlock()
	}
}

// Disconnect closes the transport with a normal close code, cancels all
// timers, rejects every pending lock request with ErrConnectionClosed, and
// clears the outbound queue and the presence/lock mirrors. The subscription
// set is kept so a later Connect replays it.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.teardownLocked()
	c.queue = nil
	c.attempts = 0
	c.setState(StateDisconnected)
	c.mu.Unlock()

	c.settleSession()
}

// teardownLocked stops the writer pump and closes the transport, if any.
//
// Callers must hold c.mu.
func (c *Client) teardownLocked() {
	if c.conn != nil {
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.conn.Close()
		c.conn = nil
	}
	if c.writer != nil {
		c.writer.Stop()
		c.writer = nil
	}
}

// settleSession rejects outstanding correlated requests and wipes the
// ephemeral mirrors. Runs on every transition into a non-recovering idle
// state (explicit disconnect, normal close, exhausted retries); transient
// reconnects skip it so in-flight lock requests can still time out on their
// own terms.
func (c *Client) settleSession() {
	c.locks.rejectAll(ErrConnectionClosed)
	c.locks.clear()
	c.presence.clear()
}

// Send writes the envelope immediately when connected; otherwise it appends
// to the in-memory FIFO queue flushed on the next transition to connected.
func (c *Client) Send(msg *wire.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnected && c.writer != nil {
		c.writer.Send(msg)
		return
	}
	c.queue = append(c.queue, msg)
}

// ============================================================================
// Subscriptions
// ============================================================================

// SubscribeChannel subscribes to a raw channel string. Subscribing an
// already-subscribed channel is a no-op on the wire.
func (c *Client) SubscribeChannel(channel string) error {
	if _, err := wire.ParseChannel(channel); err != nil {
		return err
	}
	if !c.subs.add(channel) {
		return nil
	}
	c.Send(wire.NewMessage(wire.TypeSubscribe, wire.SubscribePayload{Channel: channel}))
	return nil
}

// UnsubscribeChannel removes the channel from the subscription set
// (regardless of membership) and tells the server.
func (c *Client) UnsubscribeChannel(channel string) error {
	if _, err := wire.ParseChannel(channel); err != nil {
		return err
	}
	c.subs.remove(channel)
	c.Send(wire.NewMessage(wire.TypeUnsubscribe, wire.SubscribePayload{Channel: channel}))
	return nil
}

// SubscribeToProject subscribes to all events scoped to a project.
func (c *Client) SubscribeToProject(projectID string) error {
	return c.SubscribeChannel(wire.ProjectChannel(projectID))
}

// SubscribeToNode subscribes to all events scoped to a node, including its
// presence snapshots.
func (c *Client) SubscribeToNode(nodeID string) error {
	return c.SubscribeChannel(wire.NodeChannel(nodeID))
}

// UnsubscribeFromProject drops the project channel.
func (c *Client) UnsubscribeFromProject(projectID string) error {
	return c.UnsubscribeChannel(wire.ProjectChannel(projectID))
}

// UnsubscribeFromNode drops the node channel.
func (c *Client) UnsubscribeFromNode(nodeID string) error {
	return c.UnsubscribeChannel(wire.NodeChannel(nodeID))
}

// Subscribed reports whether the channel is currently in the subscription
// set.
func (c *Client) Subscribed(channel string) bool {
	return c.subs.contains(channel)
}

// Subscriptions returns the current channel set in unspecified order.
func (c *Client) Subscriptions() []string {
	return c.subs.snapshot()
}

// ============================================================================
// Presence
// ============================================================================

// UpdatePresence announces what this user is doing on a node. The local
// presence list is not predicted; it only reflects what the server echoes
// back.
func (c *Client) UpdatePresence(nodeID string, action wire.PresenceAction) error {
	if !wire.ValidPresenceAction(action) {
		return &ServerError{Code: "invalid_action", Message: "unknown presence action: " + string(action)}
	}
	c.Send(wire.NewMessage(wire.TypePresence, wire.PresencePayload{NodeID: nodeID, Action: action}))
	return nil
}

// Presence returns the last-known list of users on a node.
func (c *Client) Presence(nodeID string) []wire.PresenceUser {
	return c.presence.get(nodeID)
}

// ============================================================================
// Locks
// ============================================================================

// RequestLock asks the server for an exclusive edit lock on a node and
// blocks until the request settles: a grant, a server-reported error, the
// timeout (config default when zero), connection teardown, or ctx
// cancellation — whichever happens first. Each settlement path is exclusive;
// a late timer or reply after settlement is a no-op.
func (c *Client) RequestLock(ctx context.Context, nodeID string, timeout time.Duration) (*LockGrant, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = c.config.LockTimeout
	}

	requestID := uuid.NewString()
	req := c.locks.register(requestID, nodeID)

	msg := wire.NewMessage(wire.TypeLockAcquire, wire.LockPayload{NodeID: nodeID})
	msg.RequestID = requestID
	c.Send(msg)

	c.locks.armTimer(requestID, time.AfterFunc(timeout, func() {
		c.locks.settle(requestID, lockResult{err: ErrLockTimeout})
	}))

	select {
	case res := <-req.done:
		return res.grant, res.err
	case <-ctx.Done():
		c.locks.settle(requestID, lockResult{err: ctx.Err()})
		res := <-req.done
		return res.grant, res.err
	}
}

// ReleaseLock is fire-and-forget; no reply is awaited. The mirror entry is
// removed when the server broadcasts lock_released.
func (c *Client) ReleaseLock(nodeID string) {
	c.Send(wire.NewMessage(wire.TypeLockRelease, wire.LockPayload{NodeID: nodeID}))
}

// IsLocked reports whether the mirror currently shows a holder for the node.
func (c *Client) IsLocked(nodeID string) bool {
	_, ok := c.locks.holder(nodeID)
	return ok
}

// LockHolder returns the mirrored holder id for the node, if any.
func (c *Client) LockHolder(nodeID string) (string, bool) {
	ev, ok := c.locks.holder(nodeID)
	return ev.LockedBy, ok
}

