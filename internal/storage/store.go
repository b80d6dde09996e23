package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-coordination/internal/models"
)

var (
	// ErrNotFound is returned when a single-row lookup matches nothing.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when an insert violates a unique key.
	ErrConflict = errors.New("storage: unique constraint violated")
)

// Store is the single source of truth. Every check that guards a write runs
// inside WithTx against current rows; nothing is cached across calls.
type Store interface {
	// WithTx runs fn atomically. Concurrent transactions behave as if run one
	// after another. Returning an error rolls back.
	WithTx(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx exposes row operations valid inside one transaction.
type Tx interface {
	InsertRide(ctx context.Context, r *models.RideGroup) error
	// GetRide locks the ride row for the remainder of the transaction.
	GetRide(ctx context.Context, rideID string) (*models.RideGroup, error)
	// DeleteRide removes the ride with its members, votes, survey, responses,
	// completions and payments.
	DeleteRide(ctx context.Context, rideID string) error
	ListRidesAwaitingSurvey(ctx context.Context, departedBy time.Time) ([]models.RideGroup, error)

	ListMembers(ctx context.Context, rideID string) ([]models.RideMember, error)
	// FindEventMembership returns the user's joined row for any ride of eventID.
	FindEventMembership(ctx context.Context, eventID, userID string) (*models.RideMember, error)
	InsertMember(ctx context.Context, m models.RideMember) error
	DeleteMember(ctx context.Context, rideID, userID string) error

	UpsertVote(ctx context.Context, v models.MeetingVote) error
	ListVotes(ctx context.Context, rideID string) ([]models.MeetingVote, error)

	InsertSurvey(ctx context.Context, s *models.AttendanceSurvey) error
	// GetSurvey locks the survey row for the remainder of the transaction.
	GetSurvey(ctx context.Context, surveyID string) (*models.AttendanceSurvey, error)
	GetSurveyByRide(ctx context.Context, rideID string) (*models.AttendanceSurvey, error)
	UpdateSurvey(ctx context.Context, s *models.AttendanceSurvey) error
	ListOpenSurveysPastDeadline(ctx context.Context, now time.Time) ([]models.AttendanceSurvey, error)
	InsertResponse(ctx context.Context, r models.AttendanceResponse) error
	ListResponses(ctx context.Context, surveyID string) ([]models.AttendanceResponse, error)
	// InsertCompletion is a no-op when the (ride, user) row already exists.
	InsertCompletion(ctx context.Context, c models.RideCompletion) error
	ListCompletions(ctx context.Context, rideID string) ([]models.RideCompletion, error)

	InsertPayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, paymentID string) (*models.Payment, error)
	InsertReminder(ctx context.Context, r models.PaymentReminder) error
	UpdateReminder(ctx context.Context, r models.PaymentReminder) error
	ListReminders(ctx context.Context, paymentID string) ([]models.PaymentReminder, error)
	InsertConfirmation(ctx context.Context, c models.PaymentConfirmation) error
	ListConfirmations(ctx context.Context, paymentID string) ([]models.PaymentConfirmation, error)
}
