// Package memstore is an in-memory implementation of the boarding and
// alert stores, used by unit tests and local development without
// Postgres.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"vantrack/boarding/internal/alert"
	"vantrack/boarding/internal/boarding"
)

type BoardingStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]boarding.Session
	byToken  map[string]uuid.UUID
	events   []boarding.Event
}

func NewBoardingStore() *BoardingStore {
	return &BoardingStore{
		sessions: make(map[uuid.UUID]boarding.Session),
		byToken:  make(map[string]uuid.UUID),
	}
}

func (m *BoardingStore) CreateSession(_ context.Context, session boarding.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session
	m.byToken[session.Token] = session.ID
	return nil
}

func (m *BoardingStore) SessionByID(_ context.Context, id uuid.UUID) (boarding.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return boarding.Session{}, boarding.ErrNotFound
	}
	return session, nil
}

func (m *BoardingStore) SessionByToken(_ context.Context, token string) (boarding.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byToken[token]
	if !ok {
		return boarding.Session{}, boarding.ErrNotFound
	}
	return m.sessions[id], nil
}

func (m *BoardingStore) OpenSessionByRoute(_ context.Context, routeID string) (boarding.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found boarding.Session
	ok := false
	for _, session := range m.sessions {
		if session.RouteID != routeID || session.Status != boarding.SessionStatusOpen {
			continue
		}
		if !ok || session.CreatedAt.After(found.CreatedAt) {
			found = session
			ok = true
		}
	}
	if !ok {
		return boarding.Session{}, boarding.ErrNotFound
	}
	return found, nil
}

func (m *BoardingStore) CloseOpenSessions(_ context.Context, routeID, captainID string, status boarding.SessionStatus, at time.Time) ([]boarding.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var closed []boarding.Session
	for id, session := range m.sessions {
		if session.RouteID != routeID || session.CaptainID != captainID || session.Status != boarding.SessionStatusOpen {
			continue
		}
		endedAt := at
		session.Status = status
		session.EndedAt = &endedAt
		m.sessions[id] = session
		closed = append(closed, session)
	}
	return closed, nil
}

func (m *BoardingStore) CloseSession(_ context.Context, id uuid.UUID, status boarding.SessionStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return boarding.ErrNotFound
	}
	if session.Status != boarding.SessionStatusOpen {
		return nil
	}
	endedAt := at
	session.Status = status
	session.EndedAt = &endedAt
	m.sessions[id] = session
	return nil
}

func (m *BoardingStore) LapsedOpenSessions(_ context.Context, now time.Time) ([]boarding.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var lapsed []boarding.Session
	for _, session := range m.sessions {
		if session.Status == boarding.SessionStatusOpen && !now.Before(session.ExpiresAt) {
			lapsed = append(lapsed, session)
		}
	}
	return lapsed, nil
}

func (m *BoardingStore) BoardingBySessionAndStudent(_ context.Context, sessionID uuid.UUID, studentID string) (boarding.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, event := range m.events {
		if event.SessionID == sessionID && event.StudentID == studentID && event.Valid {
			return event, nil
		}
	}
	return boarding.Event{}, boarding.ErrNotFound
}

func (m *BoardingStore) AddBoarding(_ context.Context, event boarding.Event) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.events {
		if existing.SessionID == event.SessionID && existing.StudentID == event.StudentID && existing.Valid {
			return 0, boarding.ErrDuplicateBoarding
		}
	}
	session, ok := m.sessions[event.SessionID]
	if !ok {
		return 0, boarding.ErrNotFound
	}
	if session.Status != boarding.SessionStatusOpen {
		return 0, boarding.ErrSessionNotOpen
	}
	m.events = append(m.events, event)
	session.OnboardedCount++
	m.sessions[event.SessionID] = session
	return session.OnboardedCount, nil
}

func (m *BoardingStore) RecordAudit(_ context.Context, event boarding.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of every stored event, valid and audit alike.
func (m *BoardingStore) Events() []boarding.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := make([]boarding.Event, len(m.events))
	copy(events, m.events)
	return events
}

type AlertStore struct {
	mu     sync.RWMutex
	alerts map[uuid.UUID]alert.Alert
	order  []uuid.UUID
}

func NewAlertStore() *AlertStore {
	return &AlertStore{alerts: make(map[uuid.UUID]alert.Alert)}
}

func (m *AlertStore) Create(_ context.Context, record alert.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[record.ID] = record
	m.order = append(m.order, record.ID)
	return nil
}

func (m *AlertStore) Get(_ context.Context, id uuid.UUID) (alert.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.alerts[id]
	if !ok {
		return alert.Alert{}, alert.ErrNotFound
	}
	return record, nil
}

func (m *AlertStore) Update(_ context.Context, record alert.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[record.ID]; !ok {
		return alert.ErrNotFound
	}
	m.alerts[record.ID] = record
	return nil
}

func (m *AlertStore) List(_ context.Context, filter alert.Filter) ([]alert.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var alerts []alert.Alert
	for i := len(m.order) - 1; i >= 0 && len(alerts) < limit; i-- {
		record := m.alerts[m.order[i]]
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		if filter.RouteID != "" && record.RouteID != filter.RouteID {
			continue
		}
		alerts = append(alerts, record)
	}
	return alerts, nil
}
