package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/auth"
	"github.com/example/ride-coordination/internal/dispatch"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/storage"
)

type sink struct{ sent []dispatch.Notification }

func (s *sink) Notify(_ context.Context, n dispatch.Notification) (int, error) {
	s.sent = append(s.sent, n)
	return len(n.Recipients), nil
}

func setup(t *testing.T, mode models.TravelMode, users ...string) (*Engine, *storage.MemoryStore, *sink) {
	t.Helper()
	store := storage.NewMemoryStore()
	ctx := context.Background()
	err := store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertRide(ctx, &models.RideGroup{ID: "r1", EventID: "e1", TravelMode: mode}); err != nil {
			return err
		}
		for i, u := range users {
			m := models.RideMember{RideID: "r1", EventID: "e1", UserID: u, Status: models.MemberJoined, JoinedAt: time.Unix(int64(i), 0)}
			if err := tx.InsertMember(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	s := &sink{}
	return NewEngine(store, s, slog.New(slog.NewTextHandler(io.Discard, nil))), store, s
}

func as(id string) auth.Identity { return auth.Identity{UserID: id} }

func TestParseAmountBounds(t *testing.T) {
	for _, bad := range []string{"0", "0.00", "-5", "10000.01", "12.345", "ten"} {
		if _, err := ParseAmount(bad); !errors.Is(err, apperr.ErrInvalidAmount) {
			t.Errorf("ParseAmount(%q) = %v, want invalid amount", bad, err)
		}
	}
	for in, want := range map[string]models.Money{"10000.00": 1000000, "0.01": 1, "30": 3000} {
		got, err := ParseAmount(in)
		if err != nil || got != want {
			t.Errorf("ParseAmount(%q) = %d, %v", in, got, err)
		}
	}
}

func TestRecordPaymentSplitIsFrozen(t *testing.T) {
	e, store, s := setup(t, models.ModeRideshare, "payer", "b", "c", "d")
	ctx := context.Background()
	res, err := e.RecordPayment(ctx, as("payer"), RecordInput{RideID: "r1", Amount: "30.00", CostType: models.CostRideshare})
	if err != nil {
		t.Fatal(err)
	}
	if res.Payment.SplitAmount.String() != "7.50" || res.Payment.MemberCount != 4 {
		t.Fatalf("payment = %+v", res.Payment)
	}
	if len(res.Reminders) != 3 {
		t.Fatalf("reminders = %d, want 3", len(res.Reminders))
	}
	if len(s.sent) != 1 || len(s.sent[0].Recipients) != 3 {
		t.Fatalf("notification = %+v", s.sent)
	}

	// membership changes later do not rebalance
	_ = store.WithTx(ctx, func(tx storage.Tx) error {
		_ = tx.InsertMember(ctx, models.RideMember{RideID: "r1", EventID: "e1", UserID: "late", Status: models.MemberJoined})
		return tx.DeleteMember(ctx, "r1", "d")
	})
	sum, err := e.Get(ctx, as("payer"), res.Payment.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Payment.SplitAmount != 750 || sum.Payment.MemberCount != 4 {
		t.Fatalf("split moved: %+v", sum.Payment)
	}
	if sum.OutstandingTotal != 2250 {
		t.Fatalf("outstanding total = %s", sum.OutstandingTotal)
	}
}

func TestRecordPaymentRules(t *testing.T) {
	e, _, _ := setup(t, models.ModeCarpool, "driver", "rider")
	ctx := context.Background()
	if _, err := e.RecordPayment(ctx, as("outsider"), RecordInput{RideID: "r1", Amount: "10"}); !errors.Is(err, apperr.ErrPayerNotAMember) {
		t.Fatalf("outsider: %v", err)
	}
	if _, err := e.RecordPayment(ctx, as("driver"), RecordInput{RideID: "nope", Amount: "10"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown ride: %v", err)
	}
	if _, err := e.RecordPayment(ctx, as("driver"), RecordInput{RideID: "r1", Amount: "12.345"}); !errors.Is(err, apperr.ErrInvalidAmount) {
		t.Fatalf("precision: %v", err)
	}
	if _, err := e.RecordPayment(ctx, as("driver"), RecordInput{RideID: "r1", Amount: "10", CostType: "tolls"}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("cost type: %v", err)
	}
	res, err := e.RecordPayment(ctx, as("driver"), RecordInput{RideID: "r1", Amount: "10000.00"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Payment.CostType != models.CostGas {
		t.Fatalf("carpool default cost type = %s", res.Payment.CostType)
	}
}

func TestConfirmPaymentIsIdempotent(t *testing.T) {
	e, _, s := setup(t, models.ModeRideshare, "payer", "b", "c")
	ctx := context.Background()
	res, err := e.RecordPayment(ctx, as("payer"), RecordInput{RideID: "r1", Amount: "45"})
	if err != nil {
		t.Fatal(err)
	}
	first, err := e.ConfirmPayment(ctx, as("b"), res.Payment.ID)
	if err != nil || first.AlreadyConfirmed {
		t.Fatalf("first confirm = %+v, %v", first, err)
	}
	second, err := e.ConfirmPayment(ctx, as("b"), res.Payment.ID)
	if err != nil || !second.AlreadyConfirmed || !second.Confirmation.ConfirmedAt.Equal(first.Confirmation.ConfirmedAt) {
		t.Fatalf("second confirm = %+v, %v", second, err)
	}
	sum, _ := e.Get(ctx, as("b"), res.Payment.ID)
	if len(sum.Confirmations) != 1 || len(sum.Outstanding) != 1 || sum.Outstanding[0] != "c" {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.ConfirmedTotal != 1500 {
		t.Fatalf("confirmed total = %s", sum.ConfirmedTotal)
	}
	confirmed := 0
	for _, n := range s.sent {
		if n.EventType == dispatch.EventPaymentConfirmed {
			confirmed++
		}
	}
	if confirmed != 1 {
		t.Fatalf("payer notified %d times", confirmed)
	}
	if _, err := e.ConfirmPayment(ctx, as("payer"), res.Payment.ID); !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("payer confirming own payment: %v", err)
	}
	if _, err := e.ConfirmPayment(ctx, as("b"), "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown payment: %v", err)
	}
}

var errTxAborted = errors.New("current transaction is aborted")

// staleStore runs its first transaction blind to existing confirmations and
// fails it at commit once an insert has conflicted, matching a Postgres
// transaction after a unique violation.
type staleStore struct {
	*storage.MemoryStore
	calls int
}

type staleTx struct {
	storage.Tx
	aborted bool
}

func (t *staleTx) ListConfirmations(context.Context, string) ([]models.PaymentConfirmation, error) {
	return nil, nil
}

func (t *staleTx) InsertConfirmation(ctx context.Context, c models.PaymentConfirmation) error {
	err := t.Tx.InsertConfirmation(ctx, c)
	if err != nil {
		t.aborted = true
	}
	return err
}

func (s *staleStore) WithTx(ctx context.Context, fn func(storage.Tx) error) error {
	s.calls++
	if s.calls > 1 {
		return s.MemoryStore.WithTx(ctx, fn)
	}
	return s.MemoryStore.WithTx(ctx, func(tx storage.Tx) error {
		st := &staleTx{Tx: tx}
		if err := fn(st); err != nil {
			return err
		}
		if st.aborted {
			return errTxAborted
		}
		return nil
	})
}

func TestConfirmPaymentLosingInsertRace(t *testing.T) {
	e, store, s := setup(t, models.ModeRideshare, "payer", "b", "c")
	ctx := context.Background()
	res, err := e.RecordPayment(ctx, as("payer"), RecordInput{RideID: "r1", Amount: "45"})
	if err != nil {
		t.Fatal(err)
	}
	first, err := e.ConfirmPayment(ctx, as("b"), res.Payment.ID)
	if err != nil {
		t.Fatal(err)
	}
	sent := len(s.sent)
	stale := &staleStore{MemoryStore: store}
	e.Store = stale
	second, err := e.ConfirmPayment(ctx, as("b"), res.Payment.ID)
	if err != nil {
		t.Fatalf("losing insert: %v", err)
	}
	if !second.AlreadyConfirmed || !second.Confirmation.ConfirmedAt.Equal(first.Confirmation.ConfirmedAt) {
		t.Fatalf("second confirm = %+v", second)
	}
	if stale.calls != 2 {
		t.Fatalf("transactions = %d, want 2", stale.calls)
	}
	if len(s.sent) != sent {
		t.Fatalf("payer notified again")
	}
}

func TestRemindPaymentTargetsOutstanding(t *testing.T) {
	e, _, s := setup(t, models.ModeRideshare, "payer", "b", "c")
	ctx := context.Background()
	res, _ := e.RecordPayment(ctx, as("payer"), RecordInput{RideID: "r1", Amount: "20"})
	if _, err := e.ConfirmPayment(ctx, as("b"), res.Payment.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RemindPayment(ctx, as("b"), res.Payment.ID); !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("non-payer remind: %v", err)
	}
	for i := 1; i <= 2; i++ {
		rem, err := e.RemindPayment(ctx, as("payer"), res.Payment.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(rem.Reminded) != 1 || rem.Reminded[0].UserID != "c" || rem.Reminded[0].ReminderCount != i {
			t.Fatalf("reminder %d = %+v", i, rem.Reminded)
		}
	}
	last := s.sent[len(s.sent)-1]
	if last.EventType != dispatch.EventPaymentReminder || len(last.Recipients) != 1 || last.Recipients[0] != "c" {
		t.Fatalf("reminder notification = %+v", last)
	}
	if _, err := e.Get(ctx, as("stranger"), res.Payment.ID); !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("stranger summary: %v", err)
	}
}
