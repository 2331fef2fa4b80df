// Command collab-demo runs a minimal collaboration server in-process and
// drives a client against it: token exchange, subscribe, presence, and an
// exclusive lock round-trip. It exists to exercise the full protocol path
// end to end without the real backend.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/glassbox/realtime-go/collab"
	"github.com/glassbox/realtime-go/wire"
)

const tokenTTL = 30 * time.Second

// demoHub is a deliberately small server-side hub: channel membership,
// per-node presence, and exclusive locks, all under one mutex.
type demoHub struct {
	mu       sync.Mutex
	upgrader websocket.Upgrader
	key      *fernet.Key
	logger   *slog.Logger

	channels map[string]map[*demoConn]struct{}
	presence map[string]map[string]wire.PresenceUser
	locks    map[string]string
}

type demoConn struct {
	hub    *demoHub
	ws     *websocket.Conn
	sendMu sync.Mutex
	userID string
	email  string
}

type tokenClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

func newDemoHub(key *fernet.Key, logger *slog.Logger) *demoHub {
	return &demoHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		key:      key,
		logger:   logger,
		channels: make(map[string]map[*demoConn]struct{}),
		presence: make(map[string]map[string]wire.PresenceUser),
		locks:    make(map[string]string),
	}
}

// mintToken exchanges any bearer session for a short-lived fernet token.
func (h *demoHub) mintToken(w http.ResponseWriter, r *http.Request) {
	claims := tokenClaims{UserID: "demo-user", Email: "demo@glassbox.dev"}
	payload, _ := json.Marshal(claims)
	tok, err := fernet.EncryptAndSign(payload, h.key)
	if err != nil {
		http.Error(w, "token mint failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": string(tok)})
}

// serveWs verifies the connection credential and upgrades.
func (h *demoHub) serveWs(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}
	payload := fernet.VerifyAndDecrypt([]byte(token), tokenTTL, []*fernet.Key{h.key})
	if payload == nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		http.Error(w, "bad token claims", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &demoConn{hub: h, ws: ws, userID: claims.UserID, email: claims.Email}
	h.logger.Info("client connected", "userId", conn.userID)
	go conn.readLoop()
}

func (c *demoConn) readLoop() {
	defer func() {
		c.hub.drop(c)
		c.ws.Close()
	}()
	var codec wire.Codec
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := codec.Decode(data)
		if err != nil {
			c.sendError("parse_error", "invalid message format", "")
			continue
		}
		c.hub.handle(c, msg)
	}
}

func (c *demoConn) send(msg *wire.Message) {
	data, err := (wire.Codec{}).Encode(msg)
	if err != nil {
		return
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *demoConn) sendError(code, message, requestID string) {
	msg := wire.NewMessage(wire.TypeError, wire.ErrorPayload{Code: code, Message: message})
	msg.RequestID = requestID
	c.send(msg)
}

func (h *demoHub) handle(c *demoConn, msg *wire.Message) {
	switch msg.Type {
	case wire.TypeSubscribe:
		var p wire.SubscribePayload
		if wire.DecodePayload(msg, &p) != nil {
			c.sendError("invalid_payload", "invalid subscribe payload", msg.RequestID)
			return
		}
		ch, err := wire.ParseChannel(p.Channel)
		if err != nil {
			c.sendError("invalid_channel", err.Error(), msg.RequestID)
			return
		}
		h.mu.Lock()
		if h.channels[p.Channel] == nil {
			h.channels[p.Channel] = make(map[*demoConn]struct{})
		}
		h.channels[p.Channel][c] = struct{}{}
		var users []wire.PresenceUser
		if ch.Kind == wire.KindNode {
			users = h.presenceSnapshotLocked(ch.ID)
		}
		h.mu.Unlock()
		reply := wire.NewMessage(wire.TypeSubscribed, wire.SubscribedPayload{Channel: p.Channel, Users: users})
		reply.RequestID = msg.RequestID
		c.send(reply)

	case wire.TypeUnsubscribe:
		var p wire.SubscribePayload
		if wire.DecodePayload(msg, &p) != nil {
			return
		}
		h.mu.Lock()
		delete(h.channels[p.Channel], c)
		h.mu.Unlock()
		reply := wire.NewMessage(wire.TypeUnsubscribed, wire.SubscribedPayload{Channel: p.Channel})
		reply.RequestID = msg.RequestID
		c.send(reply)

	case wire.TypePresence:
		var p wire.PresencePayload
		if wire.DecodePayload(msg, &p) != nil || p.NodeID == "" {
			c.sendError("invalid_payload", "invalid presence payload", msg.RequestID)
			return
		}
		h.mu.Lock()
		if h.presence[p.NodeID] == nil {
			h.presence[p.NodeID] = make(map[string]wire.PresenceUser)
		}
		h.presence[p.NodeID][c.userID] = wire.PresenceUser{
			UserID: c.userID, UserEmail: c.email, Action: p.Action, LastSeen: time.Now(),
		}
		users := h.presenceSnapshotLocked(p.NodeID)
		h.mu.Unlock()
		h.broadcast(wire.NodeChannel(p.NodeID),
			wire.NewMessage(wire.TypePresenceUpdate, wire.PresenceUpdatePayload{NodeID: p.NodeID, Users: users}))

	case wire.TypeLockAcquire:
		var p wire.LockPayload
		if wire.DecodePayload(msg, &p) != nil || p.NodeID == "" {
			c.sendError("invalid_payload", "invalid lock payload", msg.RequestID)
			return
		}
		h.mu.Lock()
		holder, held := h.locks[p.NodeID]
		if held && holder != c.userID {
			h.mu.Unlock()
			c.sendError("LOCK_HELD", "Lock is held by another user", msg.RequestID)
			return
		}
		h.locks[p.NodeID] = c.userID
		h.mu.Unlock()
		ev := wire.LockEventPayload{
			NodeID: p.NodeID, LockedBy: c.userID, UserEmail: c.email,
			ExpiresAt: time.Now().Add(5 * time.Minute),
		}
		grant := wire.NewMessage(wire.TypeLockAcquired, ev)
		grant.RequestID = msg.RequestID
		c.send(grant)
		h.broadcast(wire.NodeChannel(p.NodeID), wire.NewMessage(wire.TypeLockAcquired, ev))

	case wire.TypeLockRelease:
		var p wire.LockPayload
		if wire.DecodePayload(msg, &p) != nil {
			return
		}
		h.mu.Lock()
		if h.locks[p.NodeID] == c.userID {
			delete(h.locks, p.NodeID)
		}
		h.mu.Unlock()
		h.broadcast(wire.NodeChannel(p.NodeID),
			wire.NewMessage(wire.TypeLockReleased, wire.LockEventPayload{NodeID: p.NodeID}))

	case wire.TypePing:
		reply := wire.NewMessage(wire.TypePong, nil)
		reply.RequestID = msg.RequestID
		c.send(reply)

	default:
		c.sendError("unknown_type", "unknown message type: "+string(msg.Type), msg.RequestID)
	}
}

func (h *demoHub) presenceSnapshotLocked(nodeID string) []wire.PresenceUser {
	users := make([]wire.PresenceUser, 0, len(h.presence[nodeID]))
	for _, u := range h.presence[nodeID] {
		users = append(users, u)
	}
	return users
}

func (h *demoHub) broadcast(channel string, msg *wire.Message) {
	h.mu.Lock()
	conns := make([]*demoConn, 0, len(h.channels[channel]))
	for conn := range h.channels[channel] {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		conn.send(msg)
	}
}

func (h *demoHub) drop(c *demoConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel := range h.channels {
		delete(h.channels[channel], c)
	}
	for nodeID := range h.presence {
		delete(h.presence[nodeID], c.userID)
	}
	for nodeID, holder := range h.locks {
		if holder == c.userID {
			delete(h.locks, nodeID)
		}
	}
	h.logger.Info("client disconnected", "userId", c.userID)
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var key fernet.Key
	if err := key.Generate(); err != nil {
		log.Fatal(err)
	}
	hub := newDemoHub(&key, logger)

	r := mux.NewRouter()
	r.HandleFunc("/api/ws-token", hub.mintToken).Methods(http.MethodPost)
	r.HandleFunc("/ws", hub.serveWs).Methods(http.MethodGet)

	srv := httptest.NewServer(r)
	defer srv.Close()
	logger.Info("demo server listening", "url", srv.URL)

	cfg := collab.DefaultClientConfig()
	cfg.URL = srv.URL + "/ws"
	cfg.TokenURL = srv.URL + "/api/ws-token"
	cfg.SessionToken = "demo-session"
	cfg.Logger = logger
	client := collab.NewClient(cfg)

	unsub := client.OnMessage(wire.TypeAny, func(msg *wire.Message) {
		logger.Info("client received", "type", string(msg.Type))
	})
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		log.Fatal(err)
	}
	defer client.Disconnect()

	const nodeID = "node-demo-1"
	if err := client.SubscribeToNode(nodeID); err != nil {
		log.Fatal(err)
	}
	if err := client.UpdatePresence(nodeID, wire.ActionEditing); err != nil {
		log.Fatal(err)
	}

	grant, err := client.RequestLock(ctx, nodeID, 0)
	if err != nil {
		log.Fatal(err)
	}
	logger.Info("lock acquired", "nodeId", grant.NodeID, "lockedBy", grant.LockedBy, "expiresAt", grant.ExpiresAt)

	// Give the presence broadcast a moment to land, then read it back.
	time.Sleep(200 * time.Millisecond)
	for _, u := range client.Presence(nodeID) {
		logger.Info("presence", "userId", u.UserID, "action", string(u.Action))
	}

	client.ReleaseLock(nodeID)
	time.Sleep(200 * time.Millisecond)
	logger.Info("demo complete", "locked", client.IsLocked(nodeID))
}
