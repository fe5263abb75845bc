package alert

import (
	"time"

	"github.com/google/uuid"

	"vantrack/boarding/internal/geo"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Alert is an emergency report raised by a student or captain. Alerts
// are never deleted; only the status and transition metadata move, and
// metadata is write-once: acknowledgment and resolution fields are
// never overwritten after they are set.
type Alert struct {
	ID           uuid.UUID
	ReporterID   string
	ReporterRole string
	RouteID      string
	Priority     Priority
	Message      string
	Location     *geo.Point
	Status       Status

	CreatedAt       time.Time
	AcknowledgedAt  *time.Time
	AcknowledgedBy  string
	ResolvedAt      *time.Time
	ResolvedBy      string
	ResolutionNotes string
}

func ParsePriority(value string) (Priority, bool) {
	switch Priority(value) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return Priority(value), true
	default:
		return "", false
	}
}

func ParseStatus(value string) (Status, bool) {
	switch Status(value) {
	case StatusPending, StatusAcknowledged, StatusResolved:
		return Status(value), true
	default:
		return "", false
	}
}
