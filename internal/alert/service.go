package alert

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"vantrack/boarding/internal/fanout"
	"vantrack/boarding/internal/geo"
)

// Snapshot is the fanout payload for emergency events.
type Snapshot struct {
	AlertID         string     `json:"alert_id"`
	ReporterID      string     `json:"reporter_id"`
	ReporterRole    string     `json:"reporter_role"`
	RouteID         string     `json:"route_id"`
	Priority        string     `json:"priority"`
	Message         string     `json:"message"`
	Location        *geo.Point `json:"location,omitempty"`
	Status          string     `json:"status"`
	CreatedAt       int64      `json:"created_at"`
	AcknowledgedBy  string     `json:"acknowledged_by,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
}

// Service drives the alert lifecycle: pending, acknowledged, resolved,
// forward-only. Mutations on the same alert are serialized so racing
// admins cannot both succeed; the loser gets the winner's status back.
type alertLock struct {
	mu   sync.Mutex
	refs int
}

type Service struct {
	store    Store
	registry *fanout.Registry
	now      func() time.Time

	mu    sync.Mutex
	locks map[uuid.UUID]*alertLock
}

func NewService(store Store, registry *fanout.Registry) *Service {
	return &Service{
		store:    store,
		registry: registry,
		now:      time.Now,
		locks:    make(map[uuid.UUID]*alertLock),
	}
}

// Create records a new pending alert and notifies admin subscribers.
func (s *Service) Create(ctx context.Context, reporterID, reporterRole, routeID string, priority Priority, message string, location *geo.Point) (Alert, error) {
	a := Alert{
		ID:           uuid.New(),
		ReporterID:   reporterID,
		ReporterRole: reporterRole,
		RouteID:      routeID,
		Priority:     priority,
		Message:      message,
		Location:     location,
		Status:       StatusPending,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.Create(ctx, a); err != nil {
		return Alert{}, err
	}
	s.publish(fanout.EventEmergencyAlert, a)
	return a, nil
}

// Acknowledge moves a pending alert to acknowledged. Any other source
// state fails with InvalidTransitionError carrying the current status.
func (s *Service) Acknowledge(ctx context.Context, id uuid.UUID, actor string) (Alert, error) {
	unlock := s.lock(id)
	defer unlock()

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return Alert{}, err
	}
	if a.Status != StatusPending {
		return a, &InvalidTransitionError{Current: a.Status}
	}
	at := s.now().UTC()
	a.Status = StatusAcknowledged
	a.AcknowledgedAt = &at
	a.AcknowledgedBy = actor
	if err := s.store.Update(ctx, a); err != nil {
		return Alert{}, err
	}
	s.publish(fanout.EventEmergencyAcknowledged, a)
	return a, nil
}

// Resolve closes an alert from pending or acknowledged. Resolving
// straight from pending is the fast path for an admin who handles the
// emergency without a separate acknowledgment step.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, actor, notes string) (Alert, error) {
	unlock := s.lock(id)
	defer unlock()

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return Alert{}, err
	}
	if a.Status == StatusResolved {
		return a, &InvalidTransitionError{Current: a.Status}
	}
	at := s.now().UTC()
	a.Status = StatusResolved
	a.ResolvedAt = &at
	a.ResolvedBy = actor
	a.ResolutionNotes = notes
	if err := s.store.Update(ctx, a); err != nil {
		return Alert{}, err
	}
	s.publish(fanout.EventEmergencyResolved, a)
	return a, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (Alert, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter Filter) ([]Alert, error) {
	return s.store.List(ctx, filter)
}

func (s *Service) publish(eventType fanout.EventType, a Alert) {
	if s.registry == nil {
		return
	}
	s.registry.Publish(fanout.NewEvent(eventType, a.RouteID, NewSnapshot(a)))
}

func NewSnapshot(a Alert) Snapshot {
	return Snapshot{
		AlertID:         a.ID.String(),
		ReporterID:      a.ReporterID,
		ReporterRole:    a.ReporterRole,
		RouteID:         a.RouteID,
		Priority:        string(a.Priority),
		Message:         a.Message,
		Location:        a.Location,
		Status:          string(a.Status),
		CreatedAt:       a.CreatedAt.Unix(),
		AcknowledgedBy:  a.AcknowledgedBy,
		ResolvedBy:      a.ResolvedBy,
		ResolutionNotes: a.ResolutionNotes,
	}
}

// lock serializes mutations of one alert. Entries are refcounted and
// evicted on release so the map does not grow with every alert ever
// touched.
func (s *Service) lock(id uuid.UUID) (unlock func()) {
	s.mu.Lock()
	entry, ok := s.locks[id]
	if !ok {
		entry = &alertLock{}
		s.locks[id] = entry
	}
	entry.refs++
	s.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		s.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// SetClock overrides the service clock. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}
