package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-coordination/internal/observability"
)

type EventType string

const (
	EventMemberJoined        EventType = "member_joined"
	EventMemberLeft          EventType = "member_left"
	EventRideDeleted         EventType = "ride_deleted"
	EventMeetingPointChanged EventType = "meeting_point_changed"
	EventSurveyOpened        EventType = "survey_opened"
	EventSurveyExpired       EventType = "survey_expired"
	EventConsensusCompleted  EventType = "consensus_completed"
	EventPaymentRecorded     EventType = "payment_recorded"
	EventPaymentReminder     EventType = "payment_reminder"
	EventPaymentConfirmed    EventType = "payment_confirmed"
)

type Notification struct {
	ID         string         `json:"id"`
	EventType  EventType      `json:"eventType"`
	RideID     string         `json:"rideId"`
	Recipients []string       `json:"recipientUserIds"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Notifier delivers a notification on a best-effort basis and reports how
// many recipients it reached.
type Notifier interface {
	Notify(ctx context.Context, n Notification) (int, error)
}

// Outcome is attached to successful operation results. A non-empty Error
// means the write committed but delivery failed.
type Outcome struct {
	Delivered int    `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

func (o Outcome) Degraded() bool { return o.Error != "" }

// Send is called after the triggering transaction committed. Failures are
// logged and counted, never returned as errors.
func Send(ctx context.Context, notifier Notifier, logger *slog.Logger, n Notification) Outcome {
	if notifier == nil || len(n.Recipients) == 0 {
		return Outcome{}
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	delivered, err := notifier.Notify(ctx, n)
	if err != nil {
		observability.NotificationFailures.WithLabelValues(string(n.EventType)).Inc()
		if logger != nil {
			logger.Warn("notification failed", "event_type", n.EventType, "ride_id", n.RideID, "notification_id", n.ID, "error", err)
		}
		return Outcome{Delivered: delivered, Error: err.Error()}
	}
	return Outcome{Delivered: delivered}
}

// Fanout delivers to every notifier. The count is the best any single
// notifier reached, since each one addresses the same recipients.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n Notification) (int, error) {
	best := 0
	var errs []error
	for _, nt := range f {
		c, err := nt.Notify(ctx, n)
		best = max(best, c)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return best, errors.Join(errs...)
}

// LogNotifier writes notifications to the log. Used when no transport is configured.
type LogNotifier struct{ Logger *slog.Logger }

func (l LogNotifier) Notify(_ context.Context, n Notification) (int, error) {
	l.Logger.Debug("notification", "event_type", n.EventType, "ride_id", n.RideID, "recipients", len(n.Recipients))
	return 0, nil
}

// Others returns ids without exclude, preserving order.
func Others(ids []string, exclude string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}
