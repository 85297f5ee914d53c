package models

import "encoding/json"

type EventType string

const (
	EventDataChange   EventType = "data-change"
	EventNotification EventType = "notification"
)

// RealtimeEvent is what a push channel delivers. Data-change events carry
// Table/Action/Record; notification events carry Payload.
type RealtimeEvent struct {
	Type    EventType       `json:"type"`
	Table   string          `json:"table,omitempty"`
	Action  string          `json:"action,omitempty"`
	Record  json.RawMessage `json:"record,omitempty"`
	Old     json.RawMessage `json:"old,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Presence is one participant on a company channel.
type Presence struct {
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	OnlineAt string `json:"onlineAt,omitempty"`
}
