package boarding_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"vantrack/boarding/internal/boarding"
	"vantrack/boarding/internal/fanout"
	"vantrack/boarding/internal/geo"
	"vantrack/boarding/internal/memstore"
)

func newValidator(t *testing.T, ttl time.Duration) (*boarding.Tracker, *boarding.Validator, *memstore.BoardingStore, *recorder) {
	t.Helper()
	store := memstore.NewBoardingStore()
	registry := fanout.NewRegistry()
	rec := &recorder{}
	registry.SubscribeAdmin(rec)
	locks := boarding.NewSessionLocks()
	tracker := boarding.NewTracker(store, registry, nil, ttl, locks)
	validator := boarding.NewValidator(store, registry, nil, locks)
	return tracker, validator, store, rec
}

func TestRecordScanHappyPath(t *testing.T) {
	tracker, validator, _, rec := newValidator(t, 10*time.Minute)
	ctx := context.Background()

	session, err := tracker.OpenSession(ctx, "RouteA", "Cap1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	outcome, err := validator.RecordScan(ctx, session.Token, "Stu1", &geo.Point{Latitude: 33.6, Longitude: 73.0})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !outcome.Event.Valid {
		t.Fatalf("expected a valid boarding event")
	}
	if outcome.Count != 1 {
		t.Fatalf("expected count 1, got %d", outcome.Count)
	}
	if outcome.Event.Location == nil || outcome.Event.Location.Latitude != 33.6 {
		t.Fatalf("expected geolocation to be stored")
	}

	current, err := tracker.OpenSessionForRoute(ctx, "RouteA")
	if err != nil {
		t.Fatalf("get open session: %v", err)
	}
	if current.OnboardedCount != 1 {
		t.Fatalf("expected onboarded count 1, got %d", current.OnboardedCount)
	}
	if updates := rec.byType(fanout.EventBoardingUpdate); len(updates) != 1 {
		t.Fatalf("expected one boarding_update event, got %d", len(updates))
	}
}

func TestRecordScanIdempotent(t *testing.T) {
	tracker, validator, store, rec := newValidator(t, 10*time.Minute)
	ctx := context.Background()

	session, err := tracker.OpenSession(ctx, "RouteA", "Cap1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first, err := validator.RecordScan(ctx, session.Token, "Stu1", nil)
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	second, err := validator.RecordScan(ctx, session.Token, "Stu1", nil)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("expected duplicate outcome")
	}
	if second.Event.ID != first.Event.ID {
		t.Fatalf("expected the original event back")
	}
	if len(store.Events()) != 1 {
		t.Fatalf("expected exactly one stored event, got %d", len(store.Events()))
	}
	current, err := tracker.OpenSessionForRoute(ctx, "RouteA")
	if err != nil {
		t.Fatalf("get open session: %v", err)
	}
	if current.OnboardedCount != 1 {
		t.Fatalf("expected count to stay 1, got %d", current.OnboardedCount)
	}
	if updates := rec.byType(fanout.EventBoardingUpdate); len(updates) != 1 {
		t.Fatalf("expected one boarding_update, got %d", len(updates))
	}
}

func TestRecordScanUnknownToken(t *testing.T) {
	_, validator, store, _ := newValidator(t, 10*time.Minute)
	if _, err := validator.RecordScan(context.Background(), "no-such-token", "Stu1", nil); !errors.Is(err, boarding.ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
	if len(store.Events()) != 0 {
		t.Fatalf("unknown tokens must not persist events")
	}
}

func TestRecordScanClosedSession(t *testing.T) {
	tracker, validator, store, _ := newValidator(t, time.Minute)
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)
	now := base
	tracker.SetClock(func() time.Time { return now })
	validator.SetClock(func() time.Time { return now })

	session, err := tracker.OpenSession(ctx, "RouteA", "Cap1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	now = base.Add(2 * time.Minute)
	_, err = validator.RecordScan(ctx, session.Token, "Stu2", nil)
	var closed *boarding.SessionClosedError
	if !errors.As(err, &closed) {
		t.Fatalf("expected SessionClosedError, got %v", err)
	}
	if closed.Status != boarding.SessionStatusExpired {
		t.Fatalf("expected expired status, got %s", closed.Status)
	}
	events := store.Events()
	if len(events) != 1 {
		t.Fatalf("expected the attempt to be persisted for audit, got %d events", len(events))
	}
	if events[0].Valid {
		t.Fatalf("audit event must be invalid")
	}

	// Explicitly ended sessions behave the same way.
	now = base
	ended, err := tracker.OpenSession(ctx, "RouteB", "Cap2")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tracker.EndSession(ctx, ended.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	_, err = validator.RecordScan(ctx, ended.Token, "Stu3", nil)
	if !errors.As(err, &closed) {
		t.Fatalf("expected SessionClosedError for ended session, got %v", err)
	}
	if closed.Status != boarding.SessionStatusEnded {
		t.Fatalf("expected ended status, got %s", closed.Status)
	}
}

func TestRecordScanConcurrentStudents(t *testing.T) {
	tracker, validator, store, _ := newValidator(t, 10*time.Minute)
	ctx := context.Background()

	session, err := tracker.OpenSession(ctx, "RouteA", "Cap1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	const students = 32
	var wg sync.WaitGroup
	errs := make(chan error, students)
	for i := 0; i < students; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := validator.RecordScan(ctx, session.Token, fmt.Sprintf("Stu%d", n), nil)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent scan: %v", err)
		}
	}

	current, err := tracker.OpenSessionForRoute(ctx, "RouteA")
	if err != nil {
		t.Fatalf("get open session: %v", err)
	}
	if current.OnboardedCount != students {
		t.Fatalf("expected count %d, got %d", students, current.OnboardedCount)
	}
	if len(store.Events()) != students {
		t.Fatalf("expected %d events, got %d", students, len(store.Events()))
	}
}

// closeBeforeInsertStore closes the session at the store level right
// before the first boarding insert, the way a second service instance
// ending the session would, without going through this instance's
// locks.
type closeBeforeInsertStore struct {
	*memstore.BoardingStore
	once sync.Once
}

func (s *closeBeforeInsertStore) AddBoarding(ctx context.Context, event boarding.Event) (int, error) {
	s.once.Do(func() {
		_ = s.BoardingStore.CloseSession(ctx, event.SessionID, boarding.SessionStatusEnded, time.Now().UTC())
	})
	return s.BoardingStore.AddBoarding(ctx, event)
}

func TestRecordScanSessionClosedMidScan(t *testing.T) {
	inner := memstore.NewBoardingStore()
	store := &closeBeforeInsertStore{BoardingStore: inner}
	registry := fanout.NewRegistry()
	locks := boarding.NewSessionLocks()
	tracker := boarding.NewTracker(inner, registry, nil, 10*time.Minute, locks)
	validator := boarding.NewValidator(store, registry, nil, locks)
	ctx := context.Background()

	session, err := tracker.OpenSession(ctx, "RouteA", "Cap1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err = validator.RecordScan(ctx, session.Token, "Stu1", nil)
	var closed *boarding.SessionClosedError
	if !errors.As(err, &closed) {
		t.Fatalf("expected SessionClosedError, got %v", err)
	}
	if closed.Status != boarding.SessionStatusEnded {
		t.Fatalf("expected ended status, got %s", closed.Status)
	}

	events := inner.Events()
	if len(events) != 1 {
		t.Fatalf("expected one audit event, got %d", len(events))
	}
	if events[0].Valid {
		t.Fatalf("no valid boarding may be recorded against a closed session")
	}
	current, err := inner.SessionByID(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if current.OnboardedCount != 0 {
		t.Fatalf("expected count to stay 0, got %d", current.OnboardedCount)
	}
}

// blockingAddStore parks the first boarding insert until released so
// the test can line up a concurrent end against an in-flight scan.
type blockingAddStore struct {
	*memstore.BoardingStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingAddStore) AddBoarding(ctx context.Context, event boarding.Event) (int, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.BoardingStore.AddBoarding(ctx, event)
}

func TestEndSessionWaitsForScan(t *testing.T) {
	inner := memstore.NewBoardingStore()
	store := &blockingAddStore{
		BoardingStore: inner,
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	registry := fanout.NewRegistry()
	locks := boarding.NewSessionLocks()
	tracker := boarding.NewTracker(inner, registry, nil, 10*time.Minute, locks)
	validator := boarding.NewValidator(store, registry, nil, locks)
	ctx := context.Background()

	session, err := tracker.OpenSession(ctx, "RouteA", "Cap1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	scanDone := make(chan error, 1)
	go func() {
		_, err := validator.RecordScan(ctx, session.Token, "Stu1", nil)
		scanDone <- err
	}()
	<-store.entered

	endDone := make(chan error, 1)
	go func() {
		endDone <- tracker.EndSession(ctx, session.ID)
	}()
	// Give the end a moment to reach the session lock; it must queue
	// behind the scan rather than close underneath it.
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	if err := <-scanDone; err != nil {
		t.Fatalf("scan racing an end must complete first: %v", err)
	}
	if err := <-endDone; err != nil {
		t.Fatalf("end: %v", err)
	}

	current, err := inner.SessionByID(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if current.Status != boarding.SessionStatusEnded {
		t.Fatalf("expected session ended, got %s", current.Status)
	}
	if current.OnboardedCount != 1 {
		t.Fatalf("expected count 1, got %d", current.OnboardedCount)
	}
	events := inner.Events()
	if len(events) != 1 || !events[0].Valid {
		t.Fatalf("expected one valid event recorded before the end")
	}
}

// staleTokenStore hands back a session snapshot with a zeroed count,
// like a token-index read that lags the authoritative row.
type staleTokenStore struct {
	*memstore.BoardingStore
}

func (s *staleTokenStore) SessionByToken(ctx context.Context, token string) (boarding.Session, error) {
	session, err := s.BoardingStore.SessionByToken(ctx, token)
	session.OnboardedCount = 0
	return session, err
}

func TestRecordScanDuplicateFreshCount(t *testing.T) {
	inner := memstore.NewBoardingStore()
	registry := fanout.NewRegistry()
	locks := boarding.NewSessionLocks()
	tracker := boarding.NewTracker(inner, registry, nil, 10*time.Minute, locks)
	validator := boarding.NewValidator(&staleTokenStore{BoardingStore: inner}, registry, nil, locks)
	ctx := context.Background()

	session, err := tracker.OpenSession(ctx, "RouteA", "Cap1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := validator.RecordScan(ctx, session.Token, "Stu1", nil); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	outcome, err := validator.RecordScan(ctx, session.Token, "Stu1", nil)
	if err != nil {
		t.Fatalf("duplicate scan: %v", err)
	}
	if !outcome.Duplicate {
		t.Fatalf("expected duplicate outcome")
	}
	if outcome.Count != 1 {
		t.Fatalf("duplicate outcome must report the current count, got %d", outcome.Count)
	}
}

func TestRecordScanConcurrentSameStudent(t *testing.T) {
	tracker, validator, store, _ := newValidator(t, 10*time.Minute)
	ctx := context.Background()

	session, err := tracker.OpenSession(ctx, "RouteA", "Cap1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := validator.RecordScan(ctx, session.Token, "Stu1", nil); err != nil {
				t.Errorf("scan: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(store.Events()) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(store.Events()))
	}
	current, err := tracker.OpenSessionForRoute(ctx, "RouteA")
	if err != nil {
		t.Fatalf("get open session: %v", err)
	}
	if current.OnboardedCount != 1 {
		t.Fatalf("expected count 1, got %d", current.OnboardedCount)
	}
}
