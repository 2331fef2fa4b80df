// Package wire defines the message schema for the realtime collaboration
// protocol: a JSON envelope with a closed set of tagged message types, the
// typed payloads carried by each type, and the channel naming grammar used
// for subscriptions.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType is the closed discriminant that drives both serialization and
// dispatch. Unknown types received from the server are preserved as-is so
// wildcard handlers can observe messages this client does not yet understand.
type MessageType string

// Client -> server message types.
const (
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypePresence    MessageType = "presence"
	TypeLockAcquire MessageType = "lock_acquire"
	TypeLockRelease MessageType = "lock_release"
	TypePing        MessageType = "ping"
)

// Server -> client message types.
const (
	TypeSubscribed      MessageType = "subscribed"
	TypeUnsubscribed    MessageType = "unsubscribed"
	TypeNodeCreated     MessageType = "node_created"
	TypeNodeUpdated     MessageType = "node_updated"
	TypeNodeDeleted     MessageType = "node_deleted"
	TypePresenceUpdate  MessageType = "presence_update"
	TypeLockAcquired    MessageType = "lock_acquired"
	TypeLockReleased    MessageType = "lock_released"
	TypeExecutionUpdate MessageType = "execution_update"
	TypeNotification    MessageType = "notification"
	TypeError           MessageType = "error"
	TypePong            MessageType = "pong"
)

// TypeAny is the wildcard key accepted by handler registration. It is never
// a valid wire value.
const TypeAny MessageType = "*"

// Message is the envelope for every frame in both directions. Payload stays
// loosely typed at this level; DecodePayload narrows it per message type.
// RequestID is present only on correlated request/reply pairs.
type Message struct {
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
}

// NewMessage creates an envelope with the current timestamp.
func NewMessage(msgType MessageType, payload any) *Message {
	return &Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// PresenceAction is what a user is currently doing on a node.
type PresenceAction string

const (
	ActionViewing PresenceAction = "viewing"
	ActionEditing PresenceAction = "editing"
	ActionIdle    PresenceAction = "idle"
)

// ValidPresenceAction reports whether s is a member of the closed action set.
func ValidPresenceAction(s PresenceAction) bool {
	switch s {
	case ActionViewing, ActionEditing, ActionIdle:
		return true
	}
	return false
}

// PresenceUser is one user's last-known presence on a node.
type PresenceUser struct {
	UserID    string         `json:"userId"`
	UserEmail string         `json:"userEmail,omitempty"`
	Name      string         `json:"name,omitempty"`
	Action    PresenceAction `json:"action,omitempty"`
	LastSeen  time.Time      `json:"lastSeen,omitempty"`
}

// UnmarshalJSON accepts either a full presence object or a bare user id
// string. Older servers report channel membership on "subscribed" as plain
// id strings.
func (p *PresenceUser) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*p = PresenceUser{UserID: id}
		return nil
	}
	type alias PresenceUser
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = PresenceUser(a)
	return nil
}

// SubscribePayload is carried by subscribe/unsubscribe requests.
type SubscribePayload struct {
	Channel string `json:"channel"`
}

// SubscribedPayload confirms a subscription. Users carries the current
// presence snapshot when the channel names a node.
type SubscribedPayload struct {
	Channel string         `json:"channel"`
	Users   []PresenceUser `json:"users,omitempty"`
}

// PresencePayload is the client's own presence announcement.
type PresencePayload struct {
	NodeID string         `json:"nodeId"`
	Action PresenceAction `json:"action"`
}

// PresenceUpdatePayload is the server's per-node presence snapshot. The list
// fully replaces any prior list for the node.
type PresenceUpdatePayload struct {
	NodeID string         `json:"nodeId"`
	Users  []PresenceUser `json:"users"`
}

// LockPayload is carried by lock_acquire/lock_release requests.
type LockPayload struct {
	NodeID string `json:"nodeId"`
}

// LockEventPayload is carried by lock_acquired/lock_released events.
type LockEventPayload struct {
	NodeID    string    `json:"nodeId"`
	LockedBy  string    `json:"lockedBy,omitempty"`
	UserEmail string    `json:"userEmail,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// NodeEventPayload is carried by node_created/node_updated/node_deleted.
type NodeEventPayload struct {
	NodeID    string         `json:"nodeId"`
	ProjectID string         `json:"projectId,omitempty"`
	Title     string         `json:"title,omitempty"`
	UpdatedBy string         `json:"updatedBy,omitempty"`
	Changes   map[string]any `json:"changes,omitempty"`
	Version   int64          `json:"version,omitempty"`
}

// ExecutionUpdatePayload reports agent execution progress on a node.
type ExecutionUpdatePayload struct {
	ExecutionID string `json:"executionId,omitempty"`
	NodeID      string `json:"nodeId"`
	Status      string `json:"status"`
	Progress    *int   `json:"progress,omitempty"`
}

// ErrorPayload is carried by error messages, including correlated lock
// rejections.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodePayload narrows a Message's loose payload into the typed struct out.
// The envelope is decoded as generic JSON first, so payloads arrive as
// map[string]any; this round-trips through the encoder to apply struct tags.
func DecodePayload(msg *Message, out any) error {
	if msg.Payload == nil {
		return errors.New("message has no payload")
	}
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.Type, err)
	}
	return nil
}

// ============================================================================
// Channels
// ============================================================================

// ChannelKind is the closed set of things a channel can scope to.
type ChannelKind string

const (
	KindProject ChannelKind = "project"
	KindNode    ChannelKind = "node"
)

// ErrInvalidChannel is returned when a channel string does not match the
// "<kind>:<id>" grammar or names an unknown kind.
var ErrInvalidChannel = errors.New("invalid channel format")

// Channel is a parsed "<kind>:<id>" subscription target.
type Channel struct {
	Kind ChannelKind
	ID   string
}

// ProjectChannel returns the channel string for a project id.
func ProjectChannel(id string) string { return string(KindProject) + ":" + id }

// NodeChannel returns the channel string for a node id.
func NodeChannel(id string) string { return string(KindNode) + ":" + id }

// ParseChannel splits on the first colon and validates the kind.
func ParseChannel(channel string) (Channel, error) {
	kind, id, found := strings.Cut(channel, ":")
	if !found || kind == "" || id == "" {
		return Channel{}, ErrInvalidChannel
	}
	switch ChannelKind(kind) {
	case KindProject, KindNode:
		return Channel{Kind: ChannelKind(kind), ID: id}, nil
	}
	return Channel{}, ErrInvalidChannel
}

// String returns the wire form of the channel.
func (c Channel) String() string { return string(c.Kind) + ":" + c.ID }

// ============================================================================
// Codec
// ============================================================================

// Codec encodes and decodes envelopes as JSON text frames.
type Codec struct{}

// Decode parses a raw frame into an envelope.
func (Codec) Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, errors.New("message missing type")
	}
	return &msg, nil
}

// Encode marshals an envelope for sending.
func (Codec) Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}
