package collab

import (
	"log/slog"
	"testing"

	"github.com/glassbox/realtime-go/wire"
)

func testRouter() *router {
	return newRouter(slog.New(slog.DiscardHandler))
}

func TestRouter_DispatchOrder(t *testing.T) {
	r := testRouter()
	var calls []string

	r.on(wire.TypeNodeUpdated, func(*wire.Message) { calls = append(calls, "exact-1") })
	r.on(wire.TypeNodeUpdated, func(*wire.Message) { calls = append(calls, "exact-2") })
	r.on(wire.TypeAny, func(*wire.Message) { calls = append(calls, "any-1") })
	r.on(wire.TypeAny, func(*wire.Message) { calls = append(calls, "any-2") })
	r.on(wire.TypeNodeDeleted, func(*wire.Message) { calls = append(calls, "other") })

	r.dispatch(wire.NewMessage(wire.TypeNodeUpdated, nil))

	want := []string{"exact-1", "exact-2", "any-1", "any-2"}
	if len(calls) != len(want) {
		t.Fatalf("dispatch calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestRouter_UnknownTypeReachesWildcard(t *testing.T) {
	r := testRouter()
	var got wire.MessageType
	r.on(wire.TypeAny, func(msg *wire.Message) { got = msg.Type })

	r.dispatch(wire.NewMessage(wire.MessageType("shiny_new_thing"), nil))
	if got != "shiny_new_thing" {
		t.Errorf("wildcard handler got %q, want shiny_new_thing", got)
	}
}

func TestRouter_PanickingHandlerIsIsolated(t *testing.T) {
	r := testRouter()
	var after bool

	r.on(wire.TypePong, func(*wire.Message) { panic("boom") })
	r.on(wire.TypePong, func(*wire.Message) { after = true })

	r.dispatch(wire.NewMessage(wire.TypePong, nil))
	if !after {
		t.Error("handler after a panicking one did not run")
	}
}

func TestRouter_Unregister(t *testing.T) {
	r := testRouter()
	count := 0
	off := r.on(wire.TypePong, func(*wire.Message) { count++ })

	r.dispatch(wire.NewMessage(wire.TypePong, nil))
	off()
	off() // second call is a no-op
	r.dispatch(wire.NewMessage(wire.TypePong, nil))

	if count != 1 {
		t.Errorf("handler ran %d times, want 1", count)
	}
}
