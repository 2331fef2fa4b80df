package collab

import (
	"log/slog"
	"sync"

	"github.com/glassbox/realtime-go/wire"
)

// MessageHandler observes inbound envelopes of a registered type.
type MessageHandler func(msg *wire.Message)

type handlerEntry struct {
	id int64
	fn MessageHandler
}

// router dispatches inbound envelopes to per-type handler lists and to
// wildcard handlers, in registration order, isolating handler failures so a
// faulty observer cannot break delivery to the rest.
type router struct {
	mu       sync.Mutex
	nextID   int64
	handlers map[wire.MessageType][]handlerEntry
	logger   *slog.Logger
}

func newRouter(logger *slog.Logger) *router {
	return &router{
		handlers: make(map[wire.MessageType][]handlerEntry),
		logger:   logger,
	}
}

// on registers a handler for msgType (or wire.TypeAny for all messages) and
// returns a func that unregisters it. Unregistering twice is a no-op.
func (r *router) on(msgType wire.MessageType, fn MessageHandler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.handlers[msgType] = append(r.handlers[msgType], handlerEntry{id: id, fn: fn})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		entries := r.handlers[msgType]
		for i, e := range entries {
			if e.id == id {
				r.handlers[msgType] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// dispatch invokes exact-type handlers then wildcard handlers. Unknown types
// still reach the wildcard list so callers can observe server messages this
// client does not yet understand.
func (r *router) dispatch(msg *wire.Message) {
	r.mu.Lock()
	entries := make([]handlerEntry, 0, len(r.handlers[msg.Type])+len(r.handlers[wire.TypeAny]))
	entries = append(entries, r.handlers[msg.Type]...)
	entries = append(entries, r.handlers[wire.TypeAny]...)
	r.mu.Unlock()

	for _, e := range entries {
		r.invoke(e, msg)
	}
}

func (r *router) invoke(e handlerEntry, msg *wire.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("message handler panicked",
				"type", string(msg.Type), "panic", rec)
		}
	}()
	e.fn(msg)
}
