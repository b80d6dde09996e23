package membership

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/auth"
	"github.com/example/ride-coordination/internal/dispatch"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/storage"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []dispatch.Notification
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, n dispatch.Notification) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	if r.err != nil {
		return 0, r.err
	}
	return len(n.Recipients), nil
}

// testNow precedes the departure used by createRide.
var testNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func newLedger() (*Ledger, *storage.MemoryStore, *recordingNotifier) {
	store := storage.NewMemoryStore()
	n := &recordingNotifier{}
	l := NewLedger(store, n, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.Now = func() time.Time { return testNow }
	return l, store, n
}

func intPtr(v int) *int { return &v }

func user(id string) auth.Identity { return auth.Identity{UserID: id} }

func createRide(t *testing.T, l *Ledger, creator, event string, mode models.TravelMode, capacity, seats *int) models.RideGroup {
	t.Helper()
	v, err := l.CreateRide(context.Background(), user(creator), CreateRideInput{
		EventID:       event,
		DepartureTime: time.Date(2026, 10, 20, 18, 0, 0, 0, time.UTC),
		TravelMode:    mode,
		Capacity:      capacity,
		DriverSeats:   seats,
		MeetingPoint:  "Main entrance",
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return v.Ride
}

func TestCreateRideJoinsCreator(t *testing.T) {
	l, _, _ := newLedger()
	ride := createRide(t, l, "alice", "e1", models.ModeRideshare, intPtr(4), nil)
	v, err := l.Get(context.Background(), user("alice"), ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Members) != 1 || v.Members[0].UserID != "alice" || v.Members[0].Role != nil {
		t.Fatalf("members = %+v", v.Members)
	}
}

func TestCreateRideValidation(t *testing.T) {
	l, _, _ := newLedger()
	dep := time.Now().Add(time.Hour)
	cases := map[string]CreateRideInput{
		"missing event":      {DepartureTime: dep, TravelMode: models.ModeRideshare},
		"unknown mode":       {EventID: "e", DepartureTime: dep, TravelMode: "bus"},
		"carpool no seats":   {EventID: "e", DepartureTime: dep, TravelMode: models.ModeCarpool},
		"zero capacity":      {EventID: "e", DepartureTime: dep, TravelMode: models.ModeRideshare, Capacity: intPtr(0)},
		"min above capacity": {EventID: "e", DepartureTime: dep, TravelMode: models.ModeRideshare, Capacity: intPtr(2), MinCapacity: 3},
	}
	for name, in := range cases {
		if _, err := l.CreateRide(context.Background(), user("u"), in); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Errorf("%s: expected invalid input, got %v", name, err)
		}
	}
}

func TestJoinRespectsCapacity(t *testing.T) {
	l, _, _ := newLedger()
	ride := createRide(t, l, "alice", "e1", models.ModeRideshare, intPtr(2), nil)
	if _, err := l.Join(context.Background(), user("bob"), ride.ID); err != nil {
		t.Fatal(err)
	}
	_, err := l.Join(context.Background(), user("carol"), ride.ID)
	if !errors.Is(err, apperr.ErrCapacityExceeded) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}
}

func TestJoinCrossRideUniqueness(t *testing.T) {
	l, _, _ := newLedger()
	a := createRide(t, l, "alice", "e1", models.ModeRideshare, intPtr(4), nil)
	b := createRide(t, l, "bob", "e1", models.ModeRideshare, intPtr(4), nil)
	other := createRide(t, l, "dave", "e2", models.ModeRideshare, intPtr(4), nil)
	if _, err := l.Join(context.Background(), user("carol"), a.ID); err != nil {
		t.Fatal(err)
	}
	_, err := l.Join(context.Background(), user("carol"), b.ID)
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindAlreadyInGroupForEvent {
		t.Fatalf("expected already-in-group, got %v", err)
	}
	if ae.Details["blocking_ride_id"] != a.ID {
		t.Fatalf("blocking ride = %q, want %q", ae.Details["blocking_ride_id"], a.ID)
	}
	if _, err := l.Join(context.Background(), user("carol"), other.ID); err != nil {
		t.Fatalf("different event must be allowed: %v", err)
	}
}

func TestJoinUnknownRide(t *testing.T) {
	l, _, _ := newLedger()
	if _, err := l.Join(context.Background(), user("bob"), "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	l, store, _ := newLedger()
	const capacity = 5
	ride := createRide(t, l, "creator", "e1", models.ModeRideshareXL, intPtr(capacity), nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, full := 0, 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Join(context.Background(), user(fmt.Sprintf("u%02d", i)), ride.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrCapacityExceeded):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if ok != capacity-1 || full != 40-(capacity-1) {
		t.Fatalf("ok=%d full=%d", ok, full)
	}
	_ = store.WithTx(context.Background(), func(tx storage.Tx) error {
		ms, _ := tx.ListMembers(context.Background(), ride.ID)
		if len(ms) != capacity {
			t.Fatalf("settled members = %d, want %d", len(ms), capacity)
		}
		return nil
	})
}

func TestConcurrentJoinsAcrossRidesOfOneEvent(t *testing.T) {
	l, _, _ := newLedger()
	var rides []models.RideGroup
	for i := 0; i < 4; i++ {
		rides = append(rides, createRide(t, l, fmt.Sprintf("c%d", i), "e1", models.ModeRideshare, intPtr(4), nil))
	}
	var wg sync.WaitGroup
	errs := make([]error, len(rides))
	for i, r := range rides {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = l.Join(context.Background(), user("zoe"), id)
		}(i, r.ID)
	}
	wg.Wait()
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, apperr.ErrAlreadyInGroupForEvent) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("joined %d rides of one event", succeeded)
	}
}

func TestCarpoolRolesAndSeatLimit(t *testing.T) {
	l, _, _ := newLedger()
	ride := createRide(t, l, "driver", "e1", models.ModeCarpool, intPtr(99), intPtr(2))
	if ride.Capacity != nil {
		t.Fatalf("carpool capacity should be cleared")
	}
	res, err := l.Join(context.Background(), user("p1"), ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Member.Role == nil || *res.Member.Role != models.RoleRider {
		t.Fatalf("passenger role = %v", res.Member.Role)
	}
	if _, err := l.Join(context.Background(), user("p2"), ride.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Join(context.Background(), user("p3"), ride.ID); !errors.Is(err, apperr.ErrCapacityExceeded) {
		t.Fatalf("third passenger should not fit two seats: %v", err)
	}
	v, _ := l.Get(context.Background(), user("driver"), ride.ID)
	if !v.Members[0].IsDriver() {
		t.Fatalf("creator should be driver: %+v", v.Members[0])
	}
}

func TestDriverCannotLeaveWithPassengers(t *testing.T) {
	l, _, _ := newLedger()
	ride := createRide(t, l, "driver", "e1", models.ModeCarpool, nil, intPtr(3))
	if _, err := l.Join(context.Background(), user("p1"), ride.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Leave(context.Background(), user("driver"), ride.ID); !errors.Is(err, apperr.ErrDriverCannotLeaveWithPassengers) {
		t.Fatalf("expected driver rule, got %v", err)
	}
	if _, err := l.Leave(context.Background(), user("p1"), ride.ID); err != nil {
		t.Fatal(err)
	}
	res, err := l.Leave(context.Background(), user("driver"), ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.RideDeleted {
		t.Fatalf("last member leaving should delete the ride")
	}
	if _, err := l.Get(context.Background(), auth.Identity{UserID: "x", Admin: true}, ride.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("ride should be gone: %v", err)
	}
}

func TestLeaveNotAMember(t *testing.T) {
	l, _, _ := newLedger()
	ride := createRide(t, l, "alice", "e1", models.ModeRideshare, intPtr(3), nil)
	if _, err := l.Leave(context.Background(), user("bob"), ride.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteAuthorization(t *testing.T) {
	l, _, n := newLedger()
	ride := createRide(t, l, "alice", "e1", models.ModeRideshare, intPtr(3), nil)
	if _, err := l.Join(context.Background(), user("bob"), ride.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Delete(context.Background(), user("bob"), ride.ID); !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("member must not delete: %v", err)
	}
	if _, err := l.Delete(context.Background(), auth.Identity{UserID: "ops", Admin: true}, ride.ID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	last := n.sent[len(n.sent)-1]
	if last.EventType != dispatch.EventRideDeleted || len(last.Recipients) != 2 {
		t.Fatalf("last notification = %+v", last)
	}
	// bob is free to join another ride of the event now
	other := createRide(t, l, "carol", "e1", models.ModeRideshare, intPtr(3), nil)
	if _, err := l.Join(context.Background(), user("bob"), other.ID); err != nil {
		t.Fatalf("cascade should release membership: %v", err)
	}
}

func TestJoinNotificationFailureIsDegradedSuccess(t *testing.T) {
	l, _, n := newLedger()
	ride := createRide(t, l, "alice", "e1", models.ModeRideshare, intPtr(3), nil)
	n.err = errors.New("push gateway down")
	res, err := l.Join(context.Background(), user("bob"), ride.ID)
	if err != nil {
		t.Fatalf("join must succeed: %v", err)
	}
	if !res.Notification.Degraded() {
		t.Fatalf("expected degraded outcome, got %+v", res.Notification)
	}
	v, _ := l.Get(context.Background(), user("bob"), ride.ID)
	if len(v.Members) != 2 {
		t.Fatalf("join was rolled back")
	}
}

func TestGetRequiresMembership(t *testing.T) {
	l, _, _ := newLedger()
	ride := createRide(t, l, "alice", "e1", models.ModeRideshare, intPtr(3), nil)
	if _, err := l.Get(context.Background(), user("mallory"), ride.ID); !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
}

func TestJoinClosesAtDeparture(t *testing.T) {
	l, store, _ := newLedger()
	ride := createRide(t, l, "alice", "e1", models.ModeRideshare, intPtr(5), nil)

	l.Now = func() time.Time { return ride.DepartureTime.Add(time.Minute) }
	_, err := l.Join(context.Background(), user("late"), ride.ID)
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("join after departure: %v", err)
	}

	// a survey already snapshotted the members, even if the clock says otherwise
	l.Now = func() time.Time { return testNow }
	ctx := context.Background()
	if err := store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertSurvey(ctx, &models.AttendanceSurvey{ID: "s1", RideID: ride.ID, TotalMembers: 1, SurveyStatus: models.SurveyPending})
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Join(ctx, user("late"), ride.ID); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("join after survey opened: %v", err)
	}
	v, _ := l.Get(ctx, user("alice"), ride.ID)
	if len(v.Members) != 1 {
		t.Fatalf("members = %+v", v.Members)
	}
}
