package alert_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"vantrack/boarding/internal/alert"
	"vantrack/boarding/internal/fanout"
	"vantrack/boarding/internal/geo"
	"vantrack/boarding/internal/memstore"
)

type recorder struct {
	mu     sync.Mutex
	events []fanout.Event
}

func (r *recorder) Deliver(event fanout.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) count(eventType fanout.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

func newService(t *testing.T) (*alert.Service, *recorder) {
	t.Helper()
	registry := fanout.NewRegistry()
	rec := &recorder{}
	registry.SubscribeAdmin(rec)
	return alert.NewService(memstore.NewAlertStore(), registry), rec
}

func TestAlertLifecycle(t *testing.T) {
	service, rec := newService(t)
	ctx := context.Background()

	created, err := service.Create(ctx, "Stu1", "student", "RouteA", alert.PriorityHigh, "van broke down", &geo.Point{Latitude: 33.6, Longitude: 73.0})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != alert.StatusPending {
		t.Fatalf("expected pending, got %s", created.Status)
	}
	if rec.count(fanout.EventEmergencyAlert) != 1 {
		t.Fatalf("expected emergency_alert event")
	}

	acked, err := service.Acknowledge(ctx, created.ID, "admin1")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.Status != alert.StatusAcknowledged {
		t.Fatalf("expected acknowledged, got %s", acked.Status)
	}
	if acked.AcknowledgedBy != "admin1" || acked.AcknowledgedAt == nil {
		t.Fatalf("expected acknowledgment metadata to be set")
	}

	resolved, err := service.Resolve(ctx, created.ID, "admin2", "picked up by spare van")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != alert.StatusResolved {
		t.Fatalf("expected resolved, got %s", resolved.Status)
	}
	if resolved.AcknowledgedBy != "admin1" {
		t.Fatalf("resolution must not erase acknowledgment metadata")
	}
	if resolved.ResolvedBy != "admin2" || resolved.ResolutionNotes != "picked up by spare van" {
		t.Fatalf("expected resolution metadata to be set")
	}
	if rec.count(fanout.EventEmergencyResolved) != 1 {
		t.Fatalf("expected emergency_resolved event")
	}
}

func TestAlertDoubleAcknowledge(t *testing.T) {
	service, _ := newService(t)
	ctx := context.Background()

	created, err := service.Create(ctx, "Cap1", "captain", "RouteA", alert.PriorityCritical, "accident", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := service.Acknowledge(ctx, created.ID, "admin1"); err != nil {
		t.Fatalf("first acknowledge: %v", err)
	}

	current, err := service.Acknowledge(ctx, created.ID, "admin2")
	var invalid *alert.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.Current != alert.StatusAcknowledged {
		t.Fatalf("expected current status acknowledged, got %s", invalid.Current)
	}
	if current.AcknowledgedBy != "admin1" {
		t.Fatalf("loser must observe the winner's acknowledgment")
	}
}

func TestAlertFastResolve(t *testing.T) {
	service, _ := newService(t)
	ctx := context.Background()

	created, err := service.Create(ctx, "Stu1", "student", "RouteB", alert.PriorityLow, "left a bag behind", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	resolved, err := service.Resolve(ctx, created.ID, "admin1", "handled directly")
	if err != nil {
		t.Fatalf("expected direct pending->resolved to succeed: %v", err)
	}
	if resolved.Status != alert.StatusResolved {
		t.Fatalf("expected resolved, got %s", resolved.Status)
	}
	if resolved.AcknowledgedAt != nil {
		t.Fatalf("fast resolve must not fabricate an acknowledgment")
	}

	if _, err := service.Resolve(ctx, created.ID, "admin2", ""); err == nil {
		t.Fatalf("expected repeat resolve to fail")
	}
	if _, err := service.Acknowledge(ctx, created.ID, "admin2"); err == nil {
		t.Fatalf("expected acknowledge after resolve to fail")
	}
}

func TestAlertNotFound(t *testing.T) {
	service, _ := newService(t)
	ctx := context.Background()

	if _, err := service.Acknowledge(ctx, uuid.New(), "admin1"); !errors.Is(err, alert.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := service.Resolve(ctx, uuid.New(), "admin1", ""); !errors.Is(err, alert.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAlertAcknowledgeRace(t *testing.T) {
	service, _ := newService(t)
	ctx := context.Background()

	created, err := service.Create(ctx, "Stu1", "student", "RouteA", alert.PriorityMedium, "driver unwell", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const admins = 8
	var wg sync.WaitGroup
	results := make(chan error, admins)
	for i := 0; i < admins; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.Acknowledge(ctx, created.ID, "admin")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var invalid *alert.InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one acknowledge to win, got %d", succeeded)
	}
}

func TestAlertList(t *testing.T) {
	service, _ := newService(t)
	ctx := context.Background()

	a, _ := service.Create(ctx, "Stu1", "student", "RouteA", alert.PriorityLow, "first", nil)
	b, _ := service.Create(ctx, "Stu2", "student", "RouteB", alert.PriorityHigh, "second", nil)
	if _, err := service.Resolve(ctx, a.ID, "admin1", "done"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	pending, err := service.List(ctx, alert.Filter{Status: alert.StatusPending})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Fatalf("expected only the pending alert")
	}

	routeA, err := service.List(ctx, alert.Filter{RouteID: "RouteA"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(routeA) != 1 || routeA[0].ID != a.ID {
		t.Fatalf("expected only the RouteA alert")
	}
}
