// Package attendance runs the post-ride attendance survey: survey creation
// once a ride departs, response collection, the one-time consensus
// computation and expiry of surveys that miss their deadline.
package attendance

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

const DefaultGraceWindow = 48 * time.Hour

type Engine struct {
	Store    storage.Store
	Notifier dispatch.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
	// Grace is added to the departure time to form the survey deadline.
	Grace time.Duration
}

func NewEngine(store storage.Store, notifier dispatch.Notifier, logger *slog.Logger, grace time.Duration) *Engine {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Engine{Store: store, Notifier: notifier, Logger: logger, Now: time.Now, Grace: grace}
}

func (e *Engine) now() time.Time { return e.Now().UTC() }

type SubmitResult struct {
	Response           models.AttendanceResponse `json:"response"`
	Survey             models.AttendanceSurvey   `json:"survey"`
	ConsensusTriggered bool                      `json:"consensusTriggered"`
	Completions        []models.RideCompletion   `json:"completions,omitempty"`
	Notification       dispatch.Outcome          `json:"notification"`
}

type SurveyView struct {
	Survey      models.AttendanceSurvey `json:"survey"`
	Completions []models.RideCompletion `json:"completions"`
	Responded   bool                    `json:"responded"`
}

// SubmitResponse stores the caller's attendance report. The duplicate check,
// the counter increment and the consensus compare-and-set commit together
// with the survey row locked, so only one response can trigger processing.
func (e *Engine) SubmitResponse(ctx context.Context, caller auth.Identity, surveyID string, attended []string) (*SubmitResult, error) {
	var (
		res     SubmitResult
		members []models.RideMember
	)
	err := e.Store.WithTx(ctx, func(tx storage.Tx) error {
		res = SubmitResult{}
		survey, err := loadSurvey(ctx, tx, surveyID)
		if err != nil {
			return err
		}
		responses, err := tx.ListResponses(ctx, surveyID)
		if err != nil {
			return err
		}
		for _, r := range responses {
			if r.RespondentUserID == caller.UserID {
				return apperr.New(apperr.KindDuplicateResponse, "already responded to survey %s", surveyID).With("survey_id", surveyID)
			}
		}
		now := e.now()
		// past the deadline is rejected even before the expiry sweep runs
		if survey.SurveyStatus == models.SurveyExpired || now.After(survey.SurveyDeadline) {
			return apperr.New(apperr.KindSurveyExpired, "survey %s closed at %s", surveyID, survey.SurveyDeadline.Format(time.RFC3339)).
				With("survey_id", surveyID)
		}
		if members, err = tx.ListMembers(ctx, survey.RideID); err != nil {
			return err
		}
		if !isMember(members, caller.UserID) {
			return apperr.New(apperr.KindNotAuthorized, "only members of ride %s may respond", survey.RideID)
		}
		ids, err := normalizeAttended(attended, members)
		if err != nil {
			return err
		}
		res.Response = models.AttendanceResponse{SurveyID: surveyID, RespondentUserID: caller.UserID, AttendedUserIDs: ids, SubmittedAt: now}
		if err := tx.InsertResponse(ctx, res.Response); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return apperr.New(apperr.KindDuplicateResponse, "already responded to survey %s", surveyID).With("survey_id", surveyID)
			}
			return err
		}
		survey.ResponsesReceived++
		if survey.SurveyStatus == models.SurveyPending {
			survey.SurveyStatus = models.SurveyInProgress
		}
		if ShouldProcess(*survey, now) {
			res.Completions, err = e.process(ctx, tx, survey, members, append(responses, res.Response), now)
			if err != nil {
				return err
			}
			res.ConsensusTriggered = true
		}
		if err := tx.UpdateSurvey(ctx, survey); err != nil {
			return err
		}
		res.Survey = *survey
		return nil
	})
	if err != nil {
		return nil, e.fail("submit_response", err, "survey_id", surveyID, "user_id", caller.UserID)
	}
	e.Logger.Info("attendance response recorded", "survey_id", surveyID, "ride_id", res.Survey.RideID,
		"user_id", caller.UserID, "responses", res.Survey.ResponsesReceived, "consensus", res.ConsensusTriggered)
	if res.ConsensusTriggered {
		res.Notification = e.notifyConsensus(ctx, res.Survey, members, res.Completions)
	}
	return &res, nil
}

// process writes completions and sets the flag on survey. The caller persists survey.
func (e *Engine) process(ctx context.Context, tx storage.Tx, survey *models.AttendanceSurvey, members []models.RideMember, responses []models.AttendanceResponse, now time.Time) ([]models.RideCompletion, error) {
	completions := Tally(survey.RideID, members, responses, survey.ResponsesReceived, now)
	for _, c := range completions {
		if err := tx.InsertCompletion(ctx, c); err != nil {
			return nil, err
		}
	}
	survey.ConsensusProcessed = true
	survey.SurveyStatus = models.SurveyCompleted
	observability.ConsensusRunsTotal.Inc()
	return completions, nil
}

type ProcessResult struct {
	Survey           models.AttendanceSurvey `json:"survey"`
	Completions      []models.RideCompletion `json:"completions"`
	AlreadyProcessed bool                    `json:"alreadyProcessed"`
	Notification     dispatch.Outcome        `json:"notification"`
}

// ProcessConsensus runs consensus for a survey that reached its threshold.
// When consensus already ran it returns the stored completions unchanged.
func (e *Engine) ProcessConsensus(ctx context.Context, surveyID string) (*ProcessResult, error) {
	var (
		res     ProcessResult
		members []models.RideMember
	)
	err := e.Store.WithTx(ctx, func(tx storage.Tx) error {
		res = ProcessResult{}
		survey, err := loadSurvey(ctx, tx, surveyID)
		if err != nil {
			return err
		}
		if survey.ConsensusProcessed {
			res.AlreadyProcessed = true
			res.Survey = *survey
			res.Completions, err = tx.ListCompletions(ctx, survey.RideID)
			return err
		}
		now := e.now()
		if survey.SurveyStatus == models.SurveyExpired || now.After(survey.SurveyDeadline) {
			return apperr.New(apperr.KindSurveyExpired, "survey %s expired before reaching consensus", surveyID).With("survey_id", surveyID)
		}
		if !ShouldProcess(*survey, now) {
			return apperr.New(apperr.KindInvalidInput, "survey %s has %d of %d responses needed", surveyID, survey.ResponsesReceived, survey.Threshold())
		}
		if members, err = tx.ListMembers(ctx, survey.RideID); err != nil {
			return err
		}
		responses, err := tx.ListResponses(ctx, surveyID)
		if err != nil {
			return err
		}
		if res.Completions, err = e.process(ctx, tx, survey, members, responses, now); err != nil {
			return err
		}
		res.Survey = *survey
		return tx.UpdateSurvey(ctx, survey)
	})
	if err != nil {
		return nil, e.fail("process_consensus", err, "survey_id", surveyID)
	}
	if !res.AlreadyProcessed {
		res.Notification = e.notifyConsensus(ctx, res.Survey, members, res.Completions)
	}
	return &res, nil
}

// CreateDueSurveys opens a survey for every departed ride that has none.
// Safe to run at any frequency.
func (e *Engine) CreateDueSurveys(ctx context.Context) ([]models.AttendanceSurvey, error) {
	now := e.now()
	var due []models.RideGroup
	err := e.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		due, err = tx.ListRidesAwaitingSurvey(ctx, now)
		return err
	})
	if err != nil {
		return nil, e.fail("list_due_rides", err)
	}
	var created []models.AttendanceSurvey
	for _, ride := range due {
		survey, members, err := e.openSurvey(ctx, ride.ID, now)
		if err != nil {
			// one bad ride must not stall the sweep
			e.Logger.Error("open survey failed", "ride_id", ride.ID, "error", err)
			continue
		}
		if survey == nil {
			continue
		}
		observability.SurveysOpenedTotal.Inc()
		e.Logger.Info("attendance survey opened", "survey_id", survey.ID, "ride_id", survey.RideID,
			"total_members", survey.TotalMembers, "deadline", survey.SurveyDeadline)
		dispatch.Send(ctx, e.Notifier, e.Logger, dispatch.Notification{
			EventType:  dispatch.EventSurveyOpened,
			RideID:     ride.ID,
			Recipients: userIDs(members),
			Payload:    map[string]any{"surveyId": survey.ID, "surveyDeadline": survey.SurveyDeadline},
		})
		created = append(created, *survey)
	}
	return created, nil
}

func (e *Engine) openSurvey(ctx context.Context, rideID string, now time.Time) (*models.AttendanceSurvey, []models.RideMember, error) {
	var (
		survey  *models.AttendanceSurvey
		members []models.RideMember
	)
	err := e.Store.WithTx(ctx, func(tx storage.Tx) error {
		survey = nil
		ride, err := tx.GetRide(ctx, rideID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.GetSurveyByRide(ctx, rideID); err == nil {
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if members, err = tx.ListMembers(ctx, rideID); err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		s := &models.AttendanceSurvey{
			ID:             uuid.NewString(),
			RideID:         rideID,
			TotalMembers:   len(members),
			SurveyDeadline: ride.DepartureTime.Add(e.Grace),
			SurveyStatus:   models.SurveyPending,
			CreatedAt:      now,
		}
		if err := tx.InsertSurvey(ctx, s); err != nil {
			return err
		}
		survey = s
		return nil
	})
	if errors.Is(err, storage.ErrConflict) {
		// another sweeper opened it first; the conflict rolled this one back
		return nil, nil, nil
	}
	return survey, members, err
}

// ExpireSurveys moves open surveys past their deadline to expired. Expired is
// terminal: consensus never runs for them afterwards.
func (e *Engine) ExpireSurveys(ctx context.Context) ([]models.AttendanceSurvey, error) {
	now := e.now()
	var (
		expired    []models.AttendanceSurvey
		recipients = map[string][]string{}
	)
	err := e.Store.WithTx(ctx, func(tx storage.Tx) error {
		expired = expired[:0]
		open, err := tx.ListOpenSurveysPastDeadline(ctx, now)
		if err != nil {
			return err
		}
		for _, s := range open {
			if s.ConsensusProcessed {
				continue
			}
			s.SurveyStatus = models.SurveyExpired
			if err := tx.UpdateSurvey(ctx, &s); err != nil {
				return err
			}
			members, err := tx.ListMembers(ctx, s.RideID)
			if err != nil {
				return err
			}
			recipients[s.ID] = userIDs(members)
			expired = append(expired, s)
		}
		return nil
	})
	if err != nil {
		return nil, e.fail("expire_surveys", err)
	}
	for _, s := range expired {
		observability.SurveysExpiredTotal.Inc()
		e.Logger.Info("attendance survey expired", "survey_id", s.ID, "ride_id", s.RideID,
			"responses", s.ResponsesReceived, "threshold", s.Threshold())
		dispatch.Send(ctx, e.Notifier, e.Logger, dispatch.Notification{
			EventType:  dispatch.EventSurveyExpired,
			RideID:     s.RideID,
			Recipients: recipients[s.ID],
			Payload:    map[string]any{"surveyId": s.ID},
		})
	}
	return expired, nil
}

// Get returns the ride's survey and completions to members and admins.
func (e *Engine) Get(ctx context.Context, caller auth.Identity, rideID string) (*SurveyView, error) {
	var view SurveyView
	err := e.Store.WithTx(ctx, func(tx storage.Tx) error {
		members, err := tx.ListMembers(ctx, rideID)
		if err != nil {
			return err
		}
		if !caller.Admin && !isMember(members, caller.UserID) {
			return apperr.New(apperr.KindNotAuthorized, "ride %s is visible to its members only", rideID)
		}
		survey, err := tx.GetSurveyByRide(ctx, rideID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.New(apperr.KindNotFound, "ride %s has no attendance survey", rideID).With("ride_id", rideID)
		}
		if err != nil {
			return err
		}
		responses, err := tx.ListResponses(ctx, survey.ID)
		if err != nil {
			return err
		}
		for _, r := range responses {
			if r.RespondentUserID == caller.UserID {
				view.Responded = true
			}
		}
		view.Survey = *survey
		view.Completions, err = tx.ListCompletions(ctx, rideID)
		return err
	})
	if err != nil {
		return nil, e.fail("get_survey", err, "ride_id", rideID)
	}
	return &view, nil
}

func (e *Engine) notifyConsensus(ctx context.Context, s models.AttendanceSurvey, members []models.RideMember, cs []models.RideCompletion) dispatch.Outcome {
	e.Logger.Info("attendance consensus completed", "survey_id", s.ID, "ride_id", s.RideID,
		"responses", s.ResponsesReceived, "confirmed", len(Confirmed(cs)))
	return dispatch.Send(ctx, e.Notifier, e.Logger, dispatch.Notification{
		EventType:  dispatch.EventConsensusCompleted,
		RideID:     s.RideID,
		Recipients: userIDs(members),
		Payload:    map[string]any{"surveyId": s.ID, "confirmedUserIds": Confirmed(cs), "totalVoters": s.ResponsesReceived},
	})
}

func loadSurvey(ctx context.Context, tx storage.Tx, surveyID string) (*models.AttendanceSurvey, error) {
	s, err := tx.GetSurvey(ctx, surveyID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("survey", surveyID)
	}
	return s, err
}

func normalizeAttended(ids []string, members []models.RideMember) ([]string, error) {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		if !isMember(members, id) {
			return nil, apperr.New(apperr.KindInvalidInput, "attendedUserIds contains a non-member")
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

func isMember(ms []models.RideMember, userID string) bool {
	for _, m := range ms {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

func userIDs(ms []models.RideMember) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.UserID)
	}
	return out
}

func (e *Engine) fail(op string, err error, attrs ...any) error {
	err = apperr.Normalize(op, err)
	args := append([]any{"op", op, "error", err}, attrs...)
	if apperr.KindOf(err) == apperr.KindTransient {
		e.Logger.Error("attendance operation failed", args...)
	} else {
		e.Logger.Info("attendance operation rejected", args...)
	}
	return err
}
