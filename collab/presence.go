package collab

import (
	"sync"
	"time"

	"github.com/glassbox/realtime-go/wire"
)

// presenceMap holds, per node, the last-known list of users observing it.
// Presence is a replaceable snapshot, not an accumulating log: each inbound
// update fully replaces the prior list for that node. The map only reflects
// what the server reports; the client's own presence announcements are not
// locally predicted.
type presenceMap struct {
	mu    sync.Mutex
	nodes map[string][]wire.PresenceUser
}

func newPresenceMap() *presenceMap {
	return &presenceMap{nodes: make(map[string][]wire.PresenceUser)}
}

// replace installs users as the full list for nodeID, stamping LastSeen on
// entries the server left unstamped.
func (p *presenceMap) replace(nodeID string, users []wire.PresenceUser) {
	now := time.Now()
	list := make([]wire.PresenceUser, len(users))
	copy(list, users)
	for i := range list {
		if list[i].LastSeen.IsZero() {
			list[i].LastSeen = now
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(list) == 0 {
		delete(p.nodes, nodeID)
		return
	}
	p.nodes[nodeID] = list
}

// get returns a copy of the list for nodeID.
func (p *presenceMap) get(nodeID string) []wire.PresenceUser {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.nodes[nodeID]
	if len(list) == 0 {
		return nil
	}
	out := make([]wire.PresenceUser, len(list))
	copy(out, list)
	return out
}

// clear wipes all presence state. Used on disconnect; the server re-sends
// snapshots on resubscribe.
func (p *presenceMap) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes = make(map[string][]wire.PresenceUser)
}
