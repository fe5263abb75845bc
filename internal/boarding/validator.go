package boarding

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"vantrack/boarding/internal/fanout"
	"vantrack/boarding/internal/geo"
)

// BoardingUpdate is the fanout payload for boarding_update events.
type BoardingUpdate struct {
	SessionID      string `json:"session_id"`
	RouteID        string `json:"route_id"`
	StudentID      string `json:"student_id"`
	OnboardedCount int    `json:"onboarded_count"`
	ScannedAt      int64  `json:"scanned_at"`
}

// ScanOutcome reports a successful scan. Duplicate marks an idempotent
// re-scan: the original event is returned and the count is unchanged.
type ScanOutcome struct {
	Session   Session
	Event     Event
	Count     int
	Duplicate bool
}

// Validator checks scanned tokens against the open session and records
// boarding events. Scans for the same session are serialized so the
// existence check and the count increment act as one step.
type Validator struct {
	store    Store
	registry *fanout.Registry
	redis    *redis.Client
	now      func() time.Time
	locks    *SessionLocks
}

func NewValidator(store Store, registry *fanout.Registry, redisClient *redis.Client, locks *SessionLocks) *Validator {
	return &Validator{
		store:    store,
		registry: registry,
		redis:    redisClient,
		now:      time.Now,
		locks:    locks,
	}
}

// RecordScan resolves the token and records the attempt.
//
//   - no session for the token: ErrUnknownToken, nothing persisted
//   - session ended or expired: the attempt is persisted with
//     Valid=false and a SessionClosedError carrying it is returned
//   - open session, first scan for the student: a valid event is
//     stored and the onboarded count increments
//   - open session, repeat scan: the existing event is returned with
//     Duplicate=true and no second increment
func (v *Validator) RecordScan(ctx context.Context, token, studentID string, location *geo.Point) (ScanOutcome, error) {
	session, err := v.resolveToken(ctx, token)
	if err != nil {
		return ScanOutcome{}, err
	}

	unlock := v.locks.session(session.ID.String())
	defer unlock()

	// Re-read under the lock: the snapshot taken while resolving the
	// token may predate a close or a racing scan's increment.
	session, err = v.store.SessionByID(ctx, session.ID)
	if err != nil {
		return ScanOutcome{}, err
	}

	now := v.now().UTC()
	if !session.OpenAt(now) {
		return v.recordClosedScan(ctx, session, studentID, location, now)
	}

	if existing, err := v.store.BoardingBySessionAndStudent(ctx, session.ID, studentID); err == nil {
		return ScanOutcome{Session: session, Event: existing, Count: session.OnboardedCount, Duplicate: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return ScanOutcome{}, err
	}

	event := Event{
		ID:        uuid.New(),
		SessionID: session.ID,
		StudentID: studentID,
		Valid:     true,
		ScannedAt: now,
		Location:  location,
	}
	count, err := v.store.AddBoarding(ctx, event)
	if errors.Is(err, ErrDuplicateBoarding) {
		// Lost a cross-instance race; the pair is already boarded.
		existing, lookupErr := v.store.BoardingBySessionAndStudent(ctx, session.ID, studentID)
		if lookupErr != nil {
			return ScanOutcome{}, lookupErr
		}
		current, lookupErr := v.store.SessionByID(ctx, session.ID)
		if lookupErr != nil {
			return ScanOutcome{}, lookupErr
		}
		return ScanOutcome{Session: current, Event: existing, Count: current.OnboardedCount, Duplicate: true}, nil
	}
	if errors.Is(err, ErrSessionNotOpen) {
		// Another instance closed the session after the open check.
		return v.recordClosedScan(ctx, session, studentID, location, now)
	}
	if err != nil {
		return ScanOutcome{}, err
	}

	session.OnboardedCount = count
	if v.registry != nil {
		v.registry.Publish(fanout.NewEvent(fanout.EventBoardingUpdate, session.RouteID, BoardingUpdate{
			SessionID:      session.ID.String(),
			RouteID:        session.RouteID,
			StudentID:      studentID,
			OnboardedCount: count,
			ScannedAt:      now.Unix(),
		}))
	}
	return ScanOutcome{Session: session, Event: event, Count: count}, nil
}

// recordClosedScan persists a scan against a closed session as an
// invalid audit row. The session is re-read so the reported status
// reflects the close that rejected the scan.
func (v *Validator) recordClosedScan(ctx context.Context, session Session, studentID string, location *geo.Point, now time.Time) (ScanOutcome, error) {
	if current, err := v.store.SessionByID(ctx, session.ID); err == nil {
		session = current
	}
	audit := Event{
		ID:        uuid.New(),
		SessionID: session.ID,
		StudentID: studentID,
		Valid:     false,
		ScannedAt: now,
		Location:  location,
	}
	if err := v.store.RecordAudit(ctx, audit); err != nil {
		return ScanOutcome{}, err
	}
	return ScanOutcome{}, &SessionClosedError{Status: session.EffectiveStatus(now), Event: audit}
}

func (v *Validator) resolveToken(ctx context.Context, token string) (Session, error) {
	if id, ok := lookupCachedToken(ctx, v.redis, token); ok {
		if session, err := v.store.SessionByID(ctx, id); err == nil {
			return session, nil
		}
	}
	session, err := v.store.SessionByToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return Session{}, ErrUnknownToken
	}
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

// SetClock overrides the validator clock. Tests only.
func (v *Validator) SetClock(now func() time.Time) {
	v.now = now
}
