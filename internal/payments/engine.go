// Package payments splits a reported trip cost evenly across a ride's members
// and tracks who has acknowledged their share. It never moves money.
package payments

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/auth"
	"github.com/example/ride-coordination/internal/dispatch"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/observability"
	"github.com/example/ride-coordination/internal/storage"
)

type Engine struct {
	Store    storage.Store
	Notifier dispatch.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewEngine(store storage.Store, notifier dispatch.Notifier, logger *slog.Logger) *Engine {
	return &Engine{Store: store, Notifier: notifier, Logger: logger, Now: time.Now}
}

type RecordInput struct {
	RideID string
	// Amount is the decimal text as submitted, e.g. "30.00".
	Amount   string
	CostType models.CostType
}

type RecordResult struct {
	Payment      models.Payment           `json:"payment"`
	Reminders    []models.PaymentReminder `json:"reminders"`
	Notification dispatch.Outcome         `json:"notification"`
}

type ConfirmResult struct {
	Confirmation     models.PaymentConfirmation `json:"confirmation"`
	AlreadyConfirmed bool                       `json:"alreadyConfirmed"`
	Notification     dispatch.Outcome           `json:"notification"`
}

type RemindResult struct {
	Reminded     []models.PaymentReminder `json:"reminded"`
	Notification dispatch.Outcome         `json:"notification"`
}

// Summary is the reconciliation view of one payment.
type Summary struct {
	Payment          models.Payment               `json:"payment"`
	Reminders        []models.PaymentReminder     `json:"reminders"`
	Confirmations    []models.PaymentConfirmation `json:"confirmations"`
	Outstanding      []string                     `json:"outstandingUserIds"`
	ConfirmedTotal   models.Money                 `json:"confirmedTotal"`
	OutstandingTotal models.Money                 `json:"outstandingTotal"`
}

// RecordPayment freezes the split at the member count read in this
// transaction and opens a reminder row for every other member.
func (e *Engine) RecordPayment(ctx context.Context, caller auth.Identity, in RecordInput) (*RecordResult, error) {
	amount, err := ParseAmount(in.Amount)
	if err != nil {
		return nil, err
	}
	var res RecordResult
	err = e.Store.WithTx(ctx, func(tx storage.Tx) error {
		res = RecordResult{}
		ride, err := tx.GetRide(ctx, in.RideID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("ride", in.RideID)
		}
		if err != nil {
			return err
		}
		members, err := tx.ListMembers(ctx, in.RideID)
		if err != nil {
			return err
		}
		if !isMember(members, caller.UserID) {
			return apperr.New(apperr.KindPayerNotAMember, "payer is not a member of ride %s", in.RideID).With("ride_id", in.RideID)
		}
		costType := in.CostType
		if costType == "" {
			costType = ride.TravelMode.Policy().DefaultCostType
		}
		if !costType.Valid() {
			return apperr.New(apperr.KindInvalidInput, "costType must be rideshare or gas")
		}
		now := e.Now().UTC()
		res.Payment = models.Payment{
			ID:          uuid.NewString(),
			RideID:      in.RideID,
			PayerUserID: caller.UserID,
			Amount:      amount,
			CostType:    costType,
			MemberCount: len(members),
			SplitAmount: amount.Split(len(members)),
			CreatedAt:   now,
		}
		if err := tx.InsertPayment(ctx, &res.Payment); err != nil {
			return err
		}
		for _, m := range members {
			if m.UserID == caller.UserID {
				continue
			}
			r := models.PaymentReminder{PaymentID: res.Payment.ID, UserID: m.UserID, CreatedAt: now}
			if err := tx.InsertReminder(ctx, r); err != nil {
				return err
			}
			res.Reminders = append(res.Reminders, r)
		}
		return nil
	})
	if err != nil {
		return nil, e.fail("record_payment", err, "ride_id", in.RideID, "user_id", caller.UserID)
	}
	observability.PaymentsRecorded.WithLabelValues(string(res.Payment.CostType)).Inc()
	e.Logger.Info("payment recorded", "payment_id", res.Payment.ID, "ride_id", in.RideID, "user_id", caller.UserID,
		"amount", res.Payment.Amount.String(), "split", res.Payment.SplitAmount.String(), "member_count", res.Payment.MemberCount)
	res.Notification = dispatch.Send(ctx, e.Notifier, e.Logger, dispatch.Notification{
		EventType:  dispatch.EventPaymentRecorded,
		RideID:     in.RideID,
		Recipients: reminderUsers(res.Reminders),
		Payload: map[string]any{
			"paymentId":   res.Payment.ID,
			"payerUserId": caller.UserID,
			"amount":      res.Payment.Amount.String(),
			"splitAmount": res.Payment.SplitAmount.String(),
			"costType":    res.Payment.CostType,
		},
	})
	return &res, nil
}

// ConfirmPayment records the caller's acknowledgement. Confirming again is a no-op.
func (e *Engine) ConfirmPayment(ctx context.Context, caller auth.Identity, paymentID string) (*ConfirmResult, error) {
	var (
		res    ConfirmResult
		payer  string
		rideID string
	)
	confirm := func(tx storage.Tx) error {
		res = ConfirmResult{}
		p, reminders, err := loadPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		payer, rideID = p.PayerUserID, p.RideID
		if findReminder(reminders, caller.UserID) == nil {
			return apperr.New(apperr.KindNotAuthorized, "payment %s has no share owed by the caller", paymentID)
		}
		confirmations, err := tx.ListConfirmations(ctx, paymentID)
		if err != nil {
			return err
		}
		for _, c := range confirmations {
			if c.UserID == caller.UserID {
				res.Confirmation = c
				res.AlreadyConfirmed = true
				return nil
			}
		}
		res.Confirmation = models.PaymentConfirmation{PaymentID: paymentID, UserID: caller.UserID, ConfirmedAt: e.Now().UTC()}
		return tx.InsertConfirmation(ctx, res.Confirmation)
	}
	err := e.Store.WithTx(ctx, confirm)
	if errors.Is(err, storage.ErrConflict) {
		// a concurrent confirm won the insert; a fresh transaction sees its row
		err = e.Store.WithTx(ctx, confirm)
	}
	if err != nil {
		return nil, e.fail("confirm_payment", err, "payment_id", paymentID, "user_id", caller.UserID)
	}
	if !res.AlreadyConfirmed {
		e.Logger.Info("payment confirmed", "payment_id", paymentID, "user_id", caller.UserID)
		res.Notification = dispatch.Send(ctx, e.Notifier, e.Logger, dispatch.Notification{
			EventType:  dispatch.EventPaymentConfirmed,
			RideID:     rideID,
			Recipients: []string{payer},
			Payload:    map[string]any{"paymentId": paymentID, "userId": caller.UserID},
		})
	}
	return &res, nil
}

// RemindPayment nudges every member who has not confirmed. Payer only.
func (e *Engine) RemindPayment(ctx context.Context, caller auth.Identity, paymentID string) (*RemindResult, error) {
	var (
		res    RemindResult
		rideID string
		split  models.Money
	)
	err := e.Store.WithTx(ctx, func(tx storage.Tx) error {
		res = RemindResult{}
		p, reminders, err := loadPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if p.PayerUserID != caller.UserID {
			return apperr.New(apperr.KindNotAuthorized, "only the payer may send reminders for payment %s", paymentID)
		}
		rideID, split = p.RideID, p.SplitAmount
		confirmations, err := tx.ListConfirmations(ctx, paymentID)
		if err != nil {
			return err
		}
		now := e.Now().UTC()
		for _, r := range outstanding(reminders, confirmations) {
			r.ReminderCount++
			r.LastRemindedAt = &now
			if err := tx.UpdateReminder(ctx, r); err != nil {
				return err
			}
			res.Reminded = append(res.Reminded, r)
		}
		return nil
	})
	if err != nil {
		return nil, e.fail("remind_payment", err, "payment_id", paymentID, "user_id", caller.UserID)
	}
	res.Notification = dispatch.Send(ctx, e.Notifier, e.Logger, dispatch.Notification{
		EventType:  dispatch.EventPaymentReminder,
		RideID:     rideID,
		Recipients: reminderUsers(res.Reminded),
		Payload:    map[string]any{"paymentId": paymentID, "splitAmount": split.String()},
	})
	return &res, nil
}

// Get returns the reconciliation summary to the payer, the members who owe a
// share, and admins.
func (e *Engine) Get(ctx context.Context, caller auth.Identity, paymentID string) (*Summary, error) {
	var sum Summary
	err := e.Store.WithTx(ctx, func(tx storage.Tx) error {
		p, reminders, err := loadPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if !caller.Admin && p.PayerUserID != caller.UserID && findReminder(reminders, caller.UserID) == nil {
			return apperr.New(apperr.KindNotAuthorized, "payment %s is not visible to the caller", paymentID)
		}
		confirmations, err := tx.ListConfirmations(ctx, paymentID)
		if err != nil {
			return err
		}
		open := outstanding(reminders, confirmations)
		sum = Summary{
			Payment:          *p,
			Reminders:        reminders,
			Confirmations:    confirmations,
			Outstanding:      reminderUsers(open),
			ConfirmedTotal:   p.SplitAmount * models.Money(len(confirmations)),
			OutstandingTotal: p.SplitAmount * models.Money(len(open)),
		}
		return nil
	})
	if err != nil {
		return nil, e.fail("get_payment", err, "payment_id", paymentID)
	}
	return &sum, nil
}

func loadPayment(ctx context.Context, tx storage.Tx, paymentID string) (*models.Payment, []models.PaymentReminder, error) {
	p, err := tx.GetPayment(ctx, paymentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, apperr.NotFound("payment", paymentID)
	}
	if err != nil {
		return nil, nil, err
	}
	reminders, err := tx.ListReminders(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}
	return p, reminders, nil
}

func outstanding(reminders []models.PaymentReminder, confirmations []models.PaymentConfirmation) []models.PaymentReminder {
	done := make(map[string]bool, len(confirmations))
	for _, c := range confirmations {
		done[c.UserID] = true
	}
	var out []models.PaymentReminder
	for _, r := range reminders {
		if !done[r.UserID] {
			out = append(out, r)
		}
	}
	return out
}

func findReminder(rs []models.PaymentReminder, userID string) *models.PaymentReminder {
	for i := range rs {
		if rs[i].UserID == userID {
			return &rs[i]
		}
	}
	return nil
}

func reminderUsers(rs []models.PaymentReminder) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.UserID)
	}
	return out
}

func isMember(ms []models.RideMember, userID string) bool {
	for _, m := range ms {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

func (e *Engine) fail(op string, err error, attrs ...any) error {
	err = apperr.Normalize(op, err)
	args := append([]any{"op", op, "error", err}, attrs...)
	if apperr.KindOf(err) == apperr.KindTransient {
		e.Logger.Error("payment operation failed", args...)
	} else {
		e.Logger.Info("payment operation rejected", args...)
	}
	return err
}
