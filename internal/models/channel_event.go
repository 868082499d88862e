package models

import "encoding/json"

// Well-known channel event types. Entity push events use the
// "<entity>_update" convention and carry the entity kind in
// EntityKind.
const (
	EventTypeNotification = "notification"
	EventTypeDegraded     = "degraded"
)

// ChannelEvent is a server-pushed message delivered by the realtime
// channel. Events are consumed exactly once by the reconciliation
// engine and are not persisted.
type ChannelEvent struct {
	Type            string          `json:"type"`
	EntityKind      string          `json:"entity_kind,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ServerTimestamp int64           `json:"server_timestamp"`
}

// IsEntityUpdate reports whether the event is a domain push for an
// entity kind, as opposed to a control or notification message.
func (e ChannelEvent) IsEntityUpdate() bool {
	return e.EntityKind != ""
}
