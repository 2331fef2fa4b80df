package collab

import "sync"

// subscriptionSet tracks the channels the client wants to observe. Channels
// are idempotent set members: the first add triggers a subscribe envelope,
// later adds are no-ops on the wire. The set survives disconnects so every
// member can be re-declared to the server after a reconnect.
type subscriptionSet struct {
	mu       sync.Mutex
	channels map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{channels: make(map[string]struct{})}
}

// add returns true when channel was not already a member.
func (s *subscriptionSet) add(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channel]; ok {
		return false
	}
	s.channels[channel] = struct{}{}
	return true
}

// remove drops channel regardless of membership.
func (s *subscriptionSet) remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channel)
}

// contains reports membership.
func (s *subscriptionSet) contains(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channel]
	return ok
}

// snapshot returns the current members in unspecified order.
func (s *subscriptionSet) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}
