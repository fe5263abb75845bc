package boarding

import (
	"time"

	"github.com/google/uuid"

	"vantrack/boarding/internal/geo"
)

type SessionStatus string

const (
	SessionStatusOpen    SessionStatus = "open"
	SessionStatusExpired SessionStatus = "expired"
	SessionStatusEnded   SessionStatus = "ended"
)

// Session is one boarding window for a (route, captain) pair. The token
// is the opaque string embedded in the QR code shown on the captain's
// device. At most one session per (route, captain) is open at a time.
type Session struct {
	ID             uuid.UUID
	RouteID        string
	CaptainID      string
	Token          string
	Status         SessionStatus
	OnboardedCount int
	CreatedAt      time.Time
	ExpiresAt      time.Time
	EndedAt        *time.Time
}

// OpenAt reports whether the session is open once lazy expiry is
// applied: an open-status session past its deadline counts as expired
// without waiting for the sweep job.
func (s Session) OpenAt(now time.Time) bool {
	return s.Status == SessionStatusOpen && now.Before(s.ExpiresAt)
}

// EffectiveStatus folds lazy expiry into the stored status.
func (s Session) EffectiveStatus(now time.Time) SessionStatus {
	if s.Status == SessionStatusOpen && !now.Before(s.ExpiresAt) {
		return SessionStatusExpired
	}
	return s.Status
}

// Event records a single scan attempt against a session. Invalid
// attempts (closed session) are kept for audit with Valid=false and do
// not contribute to the onboarded count.
type Event struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	StudentID string
	Valid     bool
	ScannedAt time.Time
	Location  *geo.Point
}
