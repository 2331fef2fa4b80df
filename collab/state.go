package collab

// ConnState is the connection lifecycle state. Exactly one value holds at a
// time and only the Client's own transitions mutate it.
type ConnState int

const (
	// StateDisconnected is the initial state, and the state after an
	// intentional close (Disconnect or a server close with code 1000).
	StateDisconnected ConnState = iota

	// StateConnecting covers the token exchange and WebSocket handshake.
	StateConnecting

	// StateConnected means the transport is open and pumps are running.
	StateConnected

	// StateReconnecting means an abnormal close occurred and a backoff
	// timer is pending.
	StateReconnecting

	// StateError is terminal until the caller invokes Connect again:
	// either a failed connection attempt or exhausted reconnect attempts.
	StateError
)

// String returns the lowercase state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	}
	return "unknown"
}

// StateHandler observes connection state transitions.
type StateHandler func(state ConnState)

// setState transitions the connection state and notifies observers outside
// the client lock. A panicking observer is logged and does not block other
// observers or the transition itself.
//
// Callers must hold c.mu.
func (c *Client) setState(next ConnState) {
	if c.state == next {
		return
	}
	prev := c.state
	c.state = next
	c.logger.Info("connection state changed",
		"connId", c.connID, "from", prev.String(), "to", next.String())

	handlers := make([]StateHandler, 0, len(c.stateHandlers))
	for _, id := range c.stateHandlerOrder {
		handlers = append(handlers, c.stateHandlers[id])
	}
	c.mu.Unlock()
	for _, h := range handlers {
		c.invokeStateHandler(h, next)
	}
	c.mu.Lock()
}

func (c *Client) invokeStateHandler(h StateHandler, state ConnState) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("state handler panicked", "connId", c.connID, "panic", r)
		}
	}()
	h(state)
}
