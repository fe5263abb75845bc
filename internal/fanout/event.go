// Package fanout broadcasts state-change events to live subscribers.
// It is not a system of record: a subscriber that was disconnected at
// publish time re-fetches current state through the pull API.
package fanout

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventBoardingUpdate        EventType = "boarding_update"
	EventSessionEnded          EventType = "session_ended"
	EventEmergencyAlert        EventType = "emergency_alert"
	EventEmergencyAcknowledged EventType = "emergency_acknowledged"
	EventEmergencyResolved     EventType = "emergency_resolved"
)

// Event carries a snapshot of the entity that changed. RouteID scopes
// delivery: admins receive every event, route subscribers only those
// for their route.
type Event struct {
	ID         string      `json:"id"`
	Type       EventType   `json:"type"`
	RouteID    string      `json:"route_id"`
	Payload    interface{} `json:"payload"`
	OccurredAt time.Time   `json:"occurred_at"`
}

func NewEvent(eventType EventType, routeID string, payload interface{}) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		RouteID:    routeID,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}
