// Package membership owns ride-group membership: creation, joins under the
// capacity and one-group-per-event rules, leaves and deletion.
package membership

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/auth"
	"github.com/example/ride-coordination/internal/dispatch"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/observability"
	"github.com/example/ride-coordination/internal/storage"
)

type Ledger struct {
	Store    storage.Store
	Notifier dispatch.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewLedger(store storage.Store, notifier dispatch.Notifier, logger *slog.Logger) *Ledger {
	return &Ledger{Store: store, Notifier: notifier, Logger: logger, Now: time.Now}
}

type CreateRideInput struct {
	EventID       string            `json:"eventId"`
	DepartureTime time.Time         `json:"departureTime"`
	TravelMode    models.TravelMode `json:"travelMode"`
	Capacity      *int              `json:"capacity"`
	MinCapacity   int               `json:"minCapacity"`
	MeetingPoint  string            `json:"meetingPoint"`
	DriverSeats   *int              `json:"driverSeats"`
}

type RideView struct {
	Ride    models.RideGroup    `json:"ride"`
	Members []models.RideMember `json:"members"`
}

type JoinResult struct {
	Member       models.RideMember `json:"member"`
	MemberCount  int               `json:"memberCount"`
	Notification dispatch.Outcome  `json:"notification"`
}

type LeaveResult struct {
	RideID       string           `json:"rideId"`
	RideDeleted  bool             `json:"rideDeleted"`
	Notification dispatch.Outcome `json:"notification"`
}

type DeleteResult struct {
	RideID       string           `json:"rideId"`
	Notification dispatch.Outcome `json:"notification"`
}

func (l *Ledger) now() time.Time { return l.Now().UTC() }

func (in *CreateRideInput) validate() error {
	in.EventID = strings.TrimSpace(in.EventID)
	in.MeetingPoint = strings.TrimSpace(in.MeetingPoint)
	switch {
	case in.EventID == "":
		return apperr.New(apperr.KindInvalidInput, "eventId is required")
	case in.DepartureTime.IsZero():
		return apperr.New(apperr.KindInvalidInput, "departureTime is required")
	case !in.TravelMode.Valid():
		return apperr.New(apperr.KindInvalidInput, "unknown travelMode %q", in.TravelMode)
	case in.MinCapacity < 0:
		return apperr.New(apperr.KindInvalidInput, "minCapacity must not be negative")
	}
	if in.TravelMode.Policy().DriverDeclared {
		if in.DriverSeats == nil || *in.DriverSeats < 1 {
			return apperr.New(apperr.KindInvalidInput, "carpool rides need driverSeats >= 1")
		}
		in.Capacity = nil
		return nil
	}
	in.DriverSeats = nil
	if in.Capacity != nil {
		if *in.Capacity < 1 {
			return apperr.New(apperr.KindInvalidInput, "capacity must be at least 1")
		}
		if in.MinCapacity > *in.Capacity {
			return apperr.New(apperr.KindInvalidInput, "minCapacity exceeds capacity")
		}
	}
	return nil
}

// CreateRide inserts the ride and the creator's membership in one transaction.
func (l *Ledger) CreateRide(ctx context.Context, caller auth.Identity, in CreateRideInput) (*RideView, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := l.now()
	ride := models.RideGroup{
		ID:            uuid.NewString(),
		EventID:       in.EventID,
		DepartureTime: in.DepartureTime.UTC(),
		TravelMode:    in.TravelMode,
		Capacity:      in.Capacity,
		MinCapacity:   in.MinCapacity,
		MeetingPoint:  in.MeetingPoint,
		DriverSeats:   in.DriverSeats,
		CreatedBy:     caller.UserID,
		CreatedAt:     now,
	}
	var creator models.RideMember
	err := l.Store.WithTx(ctx, func(tx storage.Tx) error {
		if err := checkNoEventMembership(ctx, tx, ride.EventID, caller.UserID); err != nil {
			return err
		}
		if err := tx.InsertRide(ctx, &ride); err != nil {
			return err
		}
		creator = models.RideMember{
			RideID:   ride.ID,
			EventID:  ride.EventID,
			UserID:   caller.UserID,
			Role:     ride.TravelMode.Policy().AssignRole(&ride, caller.UserID),
			Status:   models.MemberJoined,
			JoinedAt: now,
		}
		return insertMember(ctx, tx, creator)
	})
	if err != nil {
		return nil, l.fail("create_ride", err, "event_id", in.EventID, "user_id", caller.UserID)
	}
	l.Logger.Info("ride created", "ride_id", ride.ID, "event_id", ride.EventID, "travel_mode", ride.TravelMode, "user_id", caller.UserID)
	return &RideView{Ride: ride, Members: []models.RideMember{creator}}, nil
}

// Join adds userID to the ride. The departure check, the event-uniqueness
// check, the seat-limit check and the insert share one transaction with the
// ride row locked.
func (l *Ledger) Join(ctx context.Context, caller auth.Identity, rideID string) (*JoinResult, error) {
	var (
		member  models.RideMember
		members []models.RideMember
	)
	err := l.Store.WithTx(ctx, func(tx storage.Tx) error {
		ride, err := getRide(ctx, tx, rideID)
		if err != nil {
			return err
		}
		now := l.now()
		if err := checkOpenForJoin(ctx, tx, ride, now); err != nil {
			return err
		}
		if err := checkNoEventMembership(ctx, tx, ride.EventID, caller.UserID); err != nil {
			return err
		}
		members, err = tx.ListMembers(ctx, rideID)
		if err != nil {
			return err
		}
		policy := ride.TravelMode.Policy()
		if limit, ok := policy.SeatLimit(ride); ok && len(members) >= limit {
			return apperr.New(apperr.KindCapacityExceeded, "ride %s is full", rideID).
				With("ride_id", rideID).With("capacity", strconv.Itoa(limit))
		}
		member = models.RideMember{
			RideID:   rideID,
			EventID:  ride.EventID,
			UserID:   caller.UserID,
			Role:     policy.AssignRole(ride, caller.UserID),
			Status:   models.MemberJoined,
			JoinedAt: now,
		}
		return insertMember(ctx, tx, member)
	})
	observability.JoinsTotal.WithLabelValues(joinResult(err)).Inc()
	if err != nil {
		return nil, l.fail("join", err, "ride_id", rideID, "user_id", caller.UserID)
	}
	l.Logger.Info("member joined", "ride_id", rideID, "user_id", caller.UserID)
	out := dispatch.Send(ctx, l.Notifier, l.Logger, dispatch.Notification{
		EventType:  dispatch.EventMemberJoined,
		RideID:     rideID,
		Recipients: userIDs(members),
		Payload:    map[string]any{"userId": caller.UserID, "memberCount": len(members) + 1},
	})
	return &JoinResult{Member: member, MemberCount: len(members) + 1, Notification: out}, nil
}

// Leave removes the caller's row. The last member leaving deletes the ride.
func (l *Ledger) Leave(ctx context.Context, caller auth.Identity, rideID string) (*LeaveResult, error) {
	var remaining []models.RideMember
	deleted := false
	err := l.Store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := getRide(ctx, tx, rideID); err != nil {
			return err
		}
		members, err := tx.ListMembers(ctx, rideID)
		if err != nil {
			return err
		}
		var self *models.RideMember
		remaining, deleted = remaining[:0], false
		for i := range members {
			if members[i].UserID == caller.UserID {
				self = &members[i]
				continue
			}
			remaining = append(remaining, members[i])
		}
		if self == nil {
			return apperr.New(apperr.KindNotFound, "not a member of ride %s", rideID).With("ride_id", rideID)
		}
		if self.IsDriver() && len(remaining) > 0 {
			return apperr.New(apperr.KindDriverCannotLeaveWithPassengers,
				"driver cannot leave ride %s while %d passengers remain", rideID, len(remaining)).With("ride_id", rideID)
		}
		if len(remaining) == 0 {
			deleted = true
			return tx.DeleteRide(ctx, rideID)
		}
		return tx.DeleteMember(ctx, rideID, caller.UserID)
	})
	if err != nil {
		return nil, l.fail("leave", err, "ride_id", rideID, "user_id", caller.UserID)
	}
	l.Logger.Info("member left", "ride_id", rideID, "user_id", caller.UserID, "ride_deleted", deleted)
	out := dispatch.Send(ctx, l.Notifier, l.Logger, dispatch.Notification{
		EventType:  dispatch.EventMemberLeft,
		RideID:     rideID,
		Recipients: userIDs(remaining),
		Payload:    map[string]any{"userId": caller.UserID, "memberCount": len(remaining)},
	})
	return &LeaveResult{RideID: rideID, RideDeleted: deleted, Notification: out}, nil
}

// Delete removes the ride and everything tied to it. Only the creator or an
// admin may do this.
func (l *Ledger) Delete(ctx context.Context, caller auth.Identity, rideID string) (*DeleteResult, error) {
	var members []models.RideMember
	err := l.Store.WithTx(ctx, func(tx storage.Tx) error {
		ride, err := getRide(ctx, tx, rideID)
		if err != nil {
			return err
		}
		if !caller.CanManage(ride.CreatedBy) {
			return apperr.New(apperr.KindNotAuthorized, "only the ride creator or an admin may delete ride %s", rideID).With("ride_id", rideID)
		}
		if members, err = tx.ListMembers(ctx, rideID); err != nil {
			return err
		}
		return tx.DeleteRide(ctx, rideID)
	})
	if err != nil {
		return nil, l.fail("delete", err, "ride_id", rideID, "user_id", caller.UserID)
	}
	l.Logger.Info("ride deleted", "ride_id", rideID, "user_id", caller.UserID, "members", len(members))
	out := dispatch.Send(ctx, l.Notifier, l.Logger, dispatch.Notification{
		EventType:  dispatch.EventRideDeleted,
		RideID:     rideID,
		Recipients: dispatch.Others(userIDs(members), caller.UserID),
	})
	return &DeleteResult{RideID: rideID, Notification: out}, nil
}

// Get returns the ride and its members to members and admins.
func (l *Ledger) Get(ctx context.Context, caller auth.Identity, rideID string) (*RideView, error) {
	var view RideView
	err := l.Store.WithTx(ctx, func(tx storage.Tx) error {
		ride, err := getRide(ctx, tx, rideID)
		if err != nil {
			return err
		}
		members, err := tx.ListMembers(ctx, rideID)
		if err != nil {
			return err
		}
		if !caller.Admin && !containsUser(members, caller.UserID) {
			return apperr.New(apperr.KindNotAuthorized, "ride %s is visible to its members only", rideID)
		}
		view = RideView{Ride: *ride, Members: members}
		return nil
	})
	if err != nil {
		return nil, l.fail("get_ride", err, "ride_id", rideID)
	}
	return &view, nil
}

func getRide(ctx context.Context, tx storage.Tx, rideID string) (*models.RideGroup, error) {
	ride, err := tx.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("ride", rideID)
	}
	return ride, err
}

// checkOpenForJoin rejects joins once the ride has left. The attendance
// survey snapshots membership at departure, so later rows would never be
// part of it.
func checkOpenForJoin(ctx context.Context, tx storage.Tx, ride *models.RideGroup, now time.Time) error {
	if !ride.DepartureTime.After(now) {
		return apperr.New(apperr.KindInvalidInput, "ride %s departed at %s", ride.ID, ride.DepartureTime.Format(time.RFC3339)).
			With("ride_id", ride.ID)
	}
	_, err := tx.GetSurveyByRide(ctx, ride.ID)
	if err == nil {
		return apperr.New(apperr.KindInvalidInput, "ride %s already has an attendance survey", ride.ID).With("ride_id", ride.ID)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

func checkNoEventMembership(ctx context.Context, tx storage.Tx, eventID, userID string) error {
	existing, err := tx.FindEventMembership(ctx, eventID, userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	return apperr.New(apperr.KindAlreadyInGroupForEvent, "already in ride group %s for event %s", existing.RideID, eventID).
		With("blocking_ride_id", existing.RideID).With("event_id", eventID)
}

func insertMember(ctx context.Context, tx storage.Tx, m models.RideMember) error {
	err := tx.InsertMember(ctx, m)
	if errors.Is(err, storage.ErrConflict) {
		// a concurrent join for the same event committed first
		return apperr.New(apperr.KindAlreadyInGroupForEvent, "already in a ride group for event %s", m.EventID).With("event_id", m.EventID)
	}
	return err
}

func joinResult(err error) string {
	if err == nil {
		return "ok"
	}
	return string(apperr.KindOf(err))
}

func (l *Ledger) fail(op string, err error, attrs ...any) error {
	err = apperr.Normalize(op, err)
	args := append([]any{"op", op, "error", err}, attrs...)
	if apperr.KindOf(err) == apperr.KindTransient {
		l.Logger.Error("membership operation failed", args...)
	} else {
		l.Logger.Info("membership operation rejected", args...)
	}
	return err
}

func userIDs(ms []models.RideMember) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.UserID)
	}
	return out
}

func containsUser(ms []models.RideMember, userID string) bool {
	for _, m := range ms {
		if m.UserID == userID {
			return true
		}
	}
	return false
}
