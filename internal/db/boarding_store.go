package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"vantrack/boarding/internal/boarding"
)

// BoardingStore persists sessions and boarding events in Postgres. The
// partial unique indexes in schema.sql back the single-open-session and
// single-boarding invariants underneath the service's own locking.
type BoardingStore struct {
	store *Store
}

func NewBoardingStore(store *Store) *BoardingStore {
	return &BoardingStore{store: store}
}

const sessionColumns = `id, route_id, captain_id, token, status, onboarded_count, created_at, expires_at, ended_at`

func (b *BoardingStore) CreateSession(ctx context.Context, session boarding.Session) error {
	_, err := b.store.Pool.Exec(ctx, `
		INSERT INTO boarding_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pgUUID(session.ID), session.RouteID, session.CaptainID, session.Token,
		string(session.Status), session.OnboardedCount,
		pgTime(session.CreatedAt), pgTime(session.ExpiresAt), pgTimePtr(session.EndedAt),
	)
	return err
}

func (b *BoardingStore) SessionByID(ctx context.Context, id uuid.UUID) (boarding.Session, error) {
	row := b.store.Pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM boarding_sessions WHERE id = $1`, pgUUID(id))
	return scanSession(row)
}

func (b *BoardingStore) SessionByToken(ctx context.Context, token string) (boarding.Session, error) {
	row := b.store.Pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM boarding_sessions WHERE token = $1`, token)
	return scanSession(row)
}

func (b *BoardingStore) OpenSessionByRoute(ctx context.Context, routeID string) (boarding.Session, error) {
	row := b.store.Pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM boarding_sessions
		WHERE route_id = $1 AND status = 'open'
		ORDER BY created_at DESC LIMIT 1`, routeID)
	return scanSession(row)
}

func (b *BoardingStore) CloseOpenSessions(ctx context.Context, routeID, captainID string, status boarding.SessionStatus, at time.Time) ([]boarding.Session, error) {
	rows, err := b.store.Pool.Query(ctx, `
		UPDATE boarding_sessions
		SET status = $3, ended_at = $4
		WHERE route_id = $1 AND captain_id = $2 AND status = 'open'
		RETURNING `+sessionColumns,
		routeID, captainID, string(status), pgTime(at))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var closed []boarding.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		closed = append(closed, session)
	}
	return closed, rows.Err()
}

func (b *BoardingStore) CloseSession(ctx context.Context, id uuid.UUID, status boarding.SessionStatus, at time.Time) error {
	// Zero rows affected means the session is already closed, which is
	// a no-op for every caller.
	_, err := b.store.Pool.Exec(ctx, `
		UPDATE boarding_sessions SET status = $2, ended_at = $3
		WHERE id = $1 AND status = 'open'`,
		pgUUID(id), string(status), pgTime(at))
	return err
}

func (b *BoardingStore) LapsedOpenSessions(ctx context.Context, now time.Time) ([]boarding.Session, error) {
	rows, err := b.store.Pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM boarding_sessions
		WHERE status = 'open' AND expires_at <= $1`, pgTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lapsed []boarding.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		lapsed = append(lapsed, session)
	}
	return lapsed, rows.Err()
}

const eventColumns = `id, session_id, student_id, valid, scanned_at, latitude, longitude`

func (b *BoardingStore) BoardingBySessionAndStudent(ctx context.Context, sessionID uuid.UUID, studentID string) (boarding.Event, error) {
	row := b.store.Pool.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM boarding_events
		WHERE session_id = $1 AND student_id = $2 AND valid`,
		pgUUID(sessionID), studentID)
	return scanEvent(row)
}

func (b *BoardingStore) AddBoarding(ctx context.Context, event boarding.Event) (int, error) {
	var count int
	err := b.store.WithTx(ctx, func(tx pgx.Tx) error {
		lat, lng := pgPoint(event.Location)
		if _, err := tx.Exec(ctx, `
			INSERT INTO boarding_events (`+eventColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			pgUUID(event.ID), pgUUID(event.SessionID), event.StudentID,
			event.Valid, pgTime(event.ScannedAt), lat, lng,
		); err != nil {
			return err
		}
		// The status guard makes the whole insert conditional on the
		// session still being open; zero rows rolls the event back.
		err := tx.QueryRow(ctx, `
			UPDATE boarding_sessions SET onboarded_count = onboarded_count + 1
			WHERE id = $1 AND status = 'open'
			RETURNING onboarded_count`, pgUUID(event.SessionID)).Scan(&count)
		if errors.Is(err, pgx.ErrNoRows) {
			return boarding.ErrSessionNotOpen
		}
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, boarding.ErrDuplicateBoarding
		}
		return 0, err
	}
	return count, nil
}

func (b *BoardingStore) RecordAudit(ctx context.Context, event boarding.Event) error {
	lat, lng := pgPoint(event.Location)
	_, err := b.store.Pool.Exec(ctx, `
		INSERT INTO boarding_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pgUUID(event.ID), pgUUID(event.SessionID), event.StudentID,
		event.Valid, pgTime(event.ScannedAt), lat, lng,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (boarding.Session, error) {
	var (
		id        pgtype.UUID
		status    string
		createdAt pgtype.Timestamptz
		expiresAt pgtype.Timestamptz
		endedAt   pgtype.Timestamptz
		session   boarding.Session
	)
	err := row.Scan(&id, &session.RouteID, &session.CaptainID, &session.Token,
		&status, &session.OnboardedCount, &createdAt, &expiresAt, &endedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return boarding.Session{}, boarding.ErrNotFound
	}
	if err != nil {
		return boarding.Session{}, err
	}
	session.ID = uuidValue(id)
	session.Status = boarding.SessionStatus(status)
	session.CreatedAt = createdAt.Time.UTC()
	session.ExpiresAt = expiresAt.Time.UTC()
	session.EndedAt = timePtr(endedAt)
	return session, nil
}

func scanEvent(row rowScanner) (boarding.Event, error) {
	var (
		id        pgtype.UUID
		sessionID pgtype.UUID
		scannedAt pgtype.Timestamptz
		lat, lng  pgtype.Float8
		event     boarding.Event
	)
	err := row.Scan(&id, &sessionID, &event.StudentID, &event.Valid, &scannedAt, &lat, &lng)
	if errors.Is(err, pgx.ErrNoRows) {
		return boarding.Event{}, boarding.ErrNotFound
	}
	if err != nil {
		return boarding.Event{}, err
	}
	event.ID = uuidValue(id)
	event.SessionID = uuidValue(sessionID)
	event.ScannedAt = scannedAt.Time.UTC()
	event.Location = pointValue(lat, lng)
	return event, nil
}
