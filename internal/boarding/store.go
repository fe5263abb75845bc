package boarding

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound covers session lookups by id or route.
	ErrNotFound = errors.New("session not found")
	// ErrUnknownToken means the scanned token maps to no session at all.
	ErrUnknownToken = errors.New("unknown token")
	// ErrDuplicateBoarding is returned by stores when a valid boarding
	// for the same (session, student) pair already exists.
	ErrDuplicateBoarding = errors.New("boarding already recorded")
	// ErrSessionNotOpen is returned by AddBoarding when the session's
	// stored status is no longer open at insert time.
	ErrSessionNotOpen = errors.New("session not open")
)

// SessionClosedError reports a scan against a session that is no longer
// open. The attempt is still persisted for audit; Event carries the
// stored record.
type SessionClosedError struct {
	Status SessionStatus
	Event  Event
}

func (e *SessionClosedError) Error() string {
	return "session closed: " + string(e.Status)
}

// Store is the persistence contract for sessions and boarding events.
// Implementations must enforce one valid boarding per (session,
// student); AddBoarding reports ErrDuplicateBoarding when the pair
// already exists.
type Store interface {
	CreateSession(ctx context.Context, session Session) error
	SessionByID(ctx context.Context, id uuid.UUID) (Session, error)
	SessionByToken(ctx context.Context, token string) (Session, error)
	OpenSessionByRoute(ctx context.Context, routeID string) (Session, error)

	// CloseOpenSessions marks every open session for (route, captain)
	// with the given status and returns the affected sessions.
	CloseOpenSessions(ctx context.Context, routeID, captainID string, status SessionStatus, at time.Time) ([]Session, error)
	CloseSession(ctx context.Context, id uuid.UUID, status SessionStatus, at time.Time) error
	LapsedOpenSessions(ctx context.Context, now time.Time) ([]Session, error)

	BoardingBySessionAndStudent(ctx context.Context, sessionID uuid.UUID, studentID string) (Event, error)
	// AddBoarding inserts a valid boarding event and increments the
	// session's onboarded count atomically, returning the new count.
	// The insert only applies while the session status is open;
	// ErrSessionNotOpen reports a session closed by another instance.
	AddBoarding(ctx context.Context, event Event) (int, error)
	// RecordAudit persists an invalid scan attempt.
	RecordAudit(ctx context.Context, event Event) error
}
