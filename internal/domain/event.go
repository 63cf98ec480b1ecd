package domain

import (
	"context"
	"time"
)

// EventType names a realtime event pushed to a user's sessions.
type EventType string

const (
	EventTransactionNew     EventType = "transaction:new"
	EventTransactionUpdated EventType = "transaction:updated"
	EventSyncComplete       EventType = "sync:complete"
	EventConnectionStatus   EventType = "connection:status"
)

// RealtimeEvent is delivered only to sessions authenticated as UserID.
type RealtimeEvent struct {
	Type      EventType `json:"type"`
	UserID    string    `json:"userId"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher fans realtime events out to connected sessions.
type Publisher interface {
	Publish(ctx context.Context, ev RealtimeEvent) error
}
