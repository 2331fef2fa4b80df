package collab

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/glassbox/realtime-go/wire"
)

// testServer is a scriptable server half of the protocol: it records every
// envelope the client sends and lets tests push arbitrary envelopes back.
type testServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	// autoSubscribed makes the server confirm every subscribe with a
	// subscribed reply, like the real backend does.
	autoSubscribed bool

	connCh chan *testConn
	recv   chan *wire.Message
}

type testConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{
		t:      t,
		connCh: make(chan *testConn, 4),
		recv:   make(chan *wire.Message, 64),
	}
	ts.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	tc := &testConn{ws: ws}
	ts.connCh <- tc

	var codec wire.Codec
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := codec.Decode(data)
		if err != nil {
			continue
		}
		if ts.autoSubscribed && msg.Type == wire.TypeSubscribe {
			var p wire.SubscribePayload
			if wire.DecodePayload(msg, &p) == nil {
				reply := wire.NewMessage(wire.TypeSubscribed, wire.SubscribedPayload{Channel: p.Channel})
				reply.RequestID = msg.RequestID
				tc.send(ts.t, reply)
			}
		}
		select {
		case ts.recv <- msg:
		default:
			ts.t.Log("test server dropping recorded message:", msg.Type)
		}
	}
}

// url returns the ws:// endpoint for client configs.
func (ts *testServer) url() string {
	return "ws" + ts.srv.URL[len("http"):]
}

// waitConn returns the next accepted connection.
func (ts *testServer) waitConn(timeout time.Duration) *testConn {
	ts.t.Helper()
	select {
	case tc := <-ts.connCh:
		return tc
	case <-time.After(timeout):
		ts.t.Fatal("timed out waiting for client connection")
		return nil
	}
}

// waitMessage returns the next recorded envelope of the given type,
// discarding others (pings in particular).
func (ts *testServer) waitMessage(msgType wire.MessageType, timeout time.Duration) *wire.Message {
	ts.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-ts.recv:
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			ts.t.Fatalf("timed out waiting for %s message", msgType)
			return nil
		}
	}
}

func (tc *testConn) send(t *testing.T, msg *wire.Message) {
	t.Helper()
	data, err := (wire.Codec{}).Encode(msg)
	if err != nil {
		t.Fatalf("encode test message: %v", err)
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if err := tc.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Logf("test server write failed: %v", err)
	}
}

// closeNormal performs an orderly close with code 1000.
func (tc *testConn) closeNormal() {
	tc.mu.Lock()
	tc.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(time.Second))
	tc.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	tc.ws.Close()
}

// closeAbrupt drops the transport without a close frame, which the client
// sees as an abnormal closure.
func (tc *testConn) closeAbrupt() {
	tc.ws.Close()
}

// testClientConfig returns a config pointed at the server with timings tuned
// for fast tests.
func testClientConfig(ts *testServer) *ClientConfig {
	cfg := DefaultClientConfig()
	cfg.URL = ts.url()
	cfg.Token = "test-token"
	cfg.ReconnectInterval = 20 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	cfg.PingInterval = time.Minute
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.LockTimeout = 2 * time.Second
	cfg.Logger = slog.New(slog.DiscardHandler)
	return cfg
}

// waitForState polls until the client reaches the wanted state.
func waitForState(t *testing.T, c *Client, want ConnState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client never reached state %s (currently %s)", want, c.State())
}
