package boarding

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"vantrack/boarding/internal/fanout"
)

// SessionEnded is the fanout payload for session_ended events.
type SessionEnded struct {
	SessionID      string `json:"session_id"`
	RouteID        string `json:"route_id"`
	CaptainID      string `json:"captain_id"`
	Status         string `json:"status"`
	OnboardedCount int    `json:"onboarded_count"`
	EndedAt        int64  `json:"ended_at"`
}

// Tracker owns the boarding-session lifecycle: open, read, end, expire.
// Redis mirrors token lookups with the session TTL when configured; the
// store stays authoritative.
type Tracker struct {
	store    Store
	registry *fanout.Registry
	redis    *redis.Client
	ttl      time.Duration
	now      func() time.Time
	locks    *SessionLocks
}

func NewTracker(store Store, registry *fanout.Registry, redisClient *redis.Client, ttl time.Duration, locks *SessionLocks) *Tracker {
	return &Tracker{
		store:    store,
		registry: registry,
		redis:    redisClient,
		ttl:      ttl,
		now:      time.Now,
		locks:    locks,
	}
}

// OpenSession starts a new boarding window for (route, captain). Any
// session still open for the pair is ended first, so readers never see
// two open sessions for the same pair. A scan racing the supersede is
// rejected by the store's open-status guard on AddBoarding.
func (t *Tracker) OpenSession(ctx context.Context, routeID, captainID string) (Session, error) {
	unlock := t.locks.pair(routeID, captainID)
	defer unlock()

	now := t.now().UTC()
	superseded, err := t.store.CloseOpenSessions(ctx, routeID, captainID, SessionStatusEnded, now)
	if err != nil {
		return Session{}, err
	}
	for _, prev := range superseded {
		t.clearToken(ctx, prev.Token)
		t.publishEnded(prev, now)
	}

	token, err := newSessionToken()
	if err != nil {
		return Session{}, err
	}
	session := Session{
		ID:        uuid.New(),
		RouteID:   routeID,
		CaptainID: captainID,
		Token:     token,
		Status:    SessionStatusOpen,
		CreatedAt: now,
		ExpiresAt: now.Add(t.ttl),
	}
	if err := t.store.CreateSession(ctx, session); err != nil {
		return Session{}, err
	}
	t.cacheToken(ctx, session)
	return session, nil
}

// OpenSessionForRoute returns the route's current open session. A
// stored-open session past its deadline is treated as expired and
// reported as not found.
func (t *Tracker) OpenSessionForRoute(ctx context.Context, routeID string) (Session, error) {
	session, err := t.store.OpenSessionByRoute(ctx, routeID)
	if err != nil {
		return Session{}, err
	}
	if !session.OpenAt(t.now().UTC()) {
		return Session{}, ErrNotFound
	}
	return session, nil
}

// Session returns a session by id with lazy expiry applied to its
// status.
func (t *Tracker) Session(ctx context.Context, id uuid.UUID) (Session, error) {
	session, err := t.store.SessionByID(ctx, id)
	if err != nil {
		return Session{}, err
	}
	session.Status = session.EffectiveStatus(t.now().UTC())
	return session, nil
}

// EndSession marks the session ended. Ending a session that is already
// ended or expired is a no-op success. The session lock is shared with
// the scan path, so an in-flight scan finishes or fails before the
// close applies.
func (t *Tracker) EndSession(ctx context.Context, id uuid.UUID) error {
	unlock := t.locks.session(id.String())
	defer unlock()

	session, err := t.store.SessionByID(ctx, id)
	if err != nil {
		return err
	}
	now := t.now().UTC()
	if !session.OpenAt(now) {
		return nil
	}
	if err := t.store.CloseSession(ctx, id, SessionStatusEnded, now); err != nil {
		return err
	}
	t.clearToken(ctx, session.Token)
	session.Status = SessionStatusEnded
	t.publishEnded(session, now)
	return nil
}

// ExpireLapsed flips stored-open sessions past their deadline to
// expired and fans out session_ended for each. Lazy expiry keeps the
// system correct without this; the sweep exists so monitors hear about
// sessions nobody touched again.
func (t *Tracker) ExpireLapsed(ctx context.Context) (int, error) {
	now := t.now().UTC()
	lapsed, err := t.store.LapsedOpenSessions(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, session := range lapsed {
		unlock := t.locks.session(session.ID.String())
		err := t.store.CloseSession(ctx, session.ID, SessionStatusExpired, now)
		unlock()
		if err != nil {
			return expired, err
		}
		t.clearToken(ctx, session.Token)
		session.Status = SessionStatusExpired
		t.publishEnded(session, now)
		expired++
	}
	return expired, nil
}

func (t *Tracker) publishEnded(session Session, at time.Time) {
	if t.registry == nil {
		return
	}
	t.registry.Publish(fanout.NewEvent(fanout.EventSessionEnded, session.RouteID, SessionEnded{
		SessionID:      session.ID.String(),
		RouteID:        session.RouteID,
		CaptainID:      session.CaptainID,
		Status:         string(session.Status),
		OnboardedCount: session.OnboardedCount,
		EndedAt:        at.Unix(),
	}))
}

// Redis token cache

func (t *Tracker) cacheToken(ctx context.Context, session Session) {
	if t.redis == nil {
		return
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return
	}
	_ = t.redis.Set(ctx, sessionTokenKey(session.Token), session.ID.String(), ttl).Err()
}

func (t *Tracker) clearToken(ctx context.Context, token string) {
	if t.redis == nil {
		return
	}
	_ = t.redis.Del(ctx, sessionTokenKey(token)).Err()
}

func lookupCachedToken(ctx context.Context, client *redis.Client, token string) (uuid.UUID, bool) {
	if client == nil {
		return uuid.UUID{}, false
	}
	value, err := client.Get(ctx, sessionTokenKey(token)).Result()
	if err != nil {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

func sessionTokenKey(token string) string {
	return fmt.Sprintf("session_token:%s", token)
}

func newSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// SetClock overrides the tracker clock. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}
