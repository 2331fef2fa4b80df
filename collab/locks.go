package collab

import (
	"errors"
	"sync"
	"time"

	"github.com/glassbox/realtime-go/wire"
)

// Lock settlement errors. ErrLockTimeout and ErrConnectionClosed carry the
// protocol's fixed rejection messages; server-reported failures are built
// from the error payload instead (see ServerError).
var (
	ErrLockTimeout      = errors.New("Lock request timed out")
	ErrConnectionClosed = errors.New("connection closed")
)

// ServerError is an error message reported by the server for a correlated
// request.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string { return e.Message }

// LockGrant is the settled result of a successful lock acquisition.
type LockGrant struct {
	NodeID    string
	LockedBy  string
	UserEmail string
	ExpiresAt time.Time
}

type lockResult struct {
	grant *LockGrant
	err   error
}

// pendingRequest correlates one outbound lock_acquire with its eventual
// reply. done is buffered so settlement never blocks the reader goroutine.
type pendingRequest struct {
	requestID string
	nodeID    string
	done      chan lockResult
	timer     *time.Timer
}

// lockTable is the arena of pending correlated requests plus the local
// mirror of server-asserted lock ownership. The mirror only reflects
// messages actually received; it is best-effort, not authoritative, and is
// wiped on disconnect.
type lockTable struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	holders map[string]wire.LockEventPayload
}

func newLockTable() *lockTable {
	return &lockTable{
		pending: make(map[string]*pendingRequest),
		holders: make(map[string]wire.LockEventPayload),
	}
}

// register creates a pending entry for requestID. The timer is armed by the
// caller after the envelope is sent.
func (t *lockTable) register(requestID, nodeID string) *pendingRequest {
	req := &pendingRequest{
		requestID: requestID,
		nodeID:    nodeID,
		done:      make(chan lockResult, 1),
	}
	t.mu.Lock()
	t.pending[requestID] = req
	t.mu.Unlock()
	return req
}

// armTimer attaches the timeout timer to a still-pending request. If the
// request already settled before the timer could be attached, the timer is
// stopped immediately (a late fire would be a no-op anyway, since the entry
// is gone).
func (t *lockTable) armTimer(requestID string, timer *time.Timer) {
	t.mu.Lock()
	req, ok := t.pending[requestID]
	if ok {
		req.timer = timer
	}
	t.mu.Unlock()
	if !ok {
		timer.Stop()
	}
}

// settle removes the entry for requestID and delivers the result. Exactly
// the first settlement for a given id wins: the entry is removed under the
// lock before delivery, so a concurrent timeout or reply finds nothing and
// is a no-op. The timeout timer is stopped to prevent a late double-settle.
func (t *lockTable) settle(requestID string, res lockResult) bool {
	t.mu.Lock()
	req, ok := t.pending[requestID]
	var timer *time.Timer
	if ok {
		delete(t.pending, requestID)
		timer = req.timer
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if timer != nil {
		timer.Stop()
	}
	req.done <- res
	return true
}

// rejectAll settles every outstanding request with err and leaves the
// pending table empty. Used on connection teardown.
func (t *lockTable) rejectAll(err error) {
	t.mu.Lock()
	reqs := make([]*pendingRequest, 0, len(t.pending))
	for _, req := range t.pending {
		reqs = append(reqs, req)
	}
	timers := make([]*time.Timer, 0, len(reqs))
	for _, req := range reqs {
		if req.timer != nil {
			timers = append(timers, req.timer)
		}
	}
	t.pending = make(map[string]*pendingRequest)
	t.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
	for _, req := range reqs {
		req.done <- lockResult{err: err}
	}
}

// pendingCount reports outstanding correlated requests.
func (t *lockTable) pendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// recordAcquired updates the mirror from a lock_acquired event.
func (t *lockTable) recordAcquired(ev wire.LockEventPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.holders[ev.NodeID] = ev
}

// recordReleased drops a node from the mirror.
func (t *lockTable) recordReleased(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.holders, nodeID)
}

// holder returns the mirrored lock event for nodeID, if any.
func (t *lockTable) holder(nodeID string) (wire.LockEventPayload, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev, ok := t.holders[nodeID]
	return ev, ok
}

// clear wipes the mirror. The pending table is left alone; rejectAll owns
// that path.
func (t *lockTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.holders = make(map[string]wire.LockEventPayload)
}
