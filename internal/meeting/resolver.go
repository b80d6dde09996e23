package meeting

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/auth"
	"github.com/example/ride-coordination/internal/dispatch"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/storage"
)

const (
	tieSeparator    = " OR "
	maxOptionLength = 200
)

// Resolution is the outcome of tallying a ride's votes.
type Resolution struct {
	RideID       string `json:"rideId"`
	MeetingPoint string `json:"meetingPoint"`
	// Options holds every option tied at the top count, ascending.
	Options    []string       `json:"options"`
	Tied       bool           `json:"tied"`
	TopCount   int            `json:"topCount"`
	TotalVotes int            `json:"totalVotes"`
	Fallback   bool           `json:"fallback"`
	Tally      map[string]int `json:"tally"`
}

// Resolve tallies votes by option. All options sharing the maximum count are
// returned in lexicographic order and joined with " OR "; with no votes the
// ride's static meeting point is used.
func Resolve(ride *models.RideGroup, votes []models.MeetingVote) Resolution {
	res := Resolution{RideID: ride.ID, Tally: make(map[string]int, len(votes)), TotalVotes: len(votes)}
	for _, v := range votes {
		res.Tally[v.VoteOption]++
	}
	for _, c := range res.Tally {
		if c > res.TopCount {
			res.TopCount = c
		}
	}
	for opt, c := range res.Tally {
		if c == res.TopCount {
			res.Options = append(res.Options, opt)
		}
	}
	if len(res.Options) == 0 {
		res.Fallback = true
		res.MeetingPoint = ride.MeetingPoint
		res.Options = []string{}
		return res
	}
	sort.Strings(res.Options)
	res.Tied = len(res.Options) > 1
	res.MeetingPoint = strings.Join(res.Options, tieSeparator)
	return res
}

type Resolver struct {
	Store    storage.Store
	Notifier dispatch.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewResolver(store storage.Store, notifier dispatch.Notifier, logger *slog.Logger) *Resolver {
	return &Resolver{Store: store, Notifier: notifier, Logger: logger, Now: time.Now}
}

type VoteResult struct {
	Vote         models.MeetingVote `json:"vote"`
	Resolution   Resolution         `json:"resolution"`
	Changed      bool               `json:"changed"`
	Notification dispatch.Outcome   `json:"notification"`
}

// Vote records or replaces the caller's vote and recomputes the resolution.
// Members are told when the resolved label changes.
func (r *Resolver) Vote(ctx context.Context, caller auth.Identity, rideID, option string) (*VoteResult, error) {
	option = strings.TrimSpace(option)
	if option == "" || utf8.RuneCountInString(option) > maxOptionLength {
		return nil, apperr.New(apperr.KindInvalidInput, "voteOption must be 1-%d characters", maxOptionLength)
	}
	var (
		res     VoteResult
		members []models.RideMember
	)
	err := r.Store.WithTx(ctx, func(tx storage.Tx) error {
		ride, err := loadRide(ctx, tx, rideID)
		if err != nil {
			return err
		}
		if members, err = tx.ListMembers(ctx, rideID); err != nil {
			return err
		}
		if !isMember(members, caller.UserID) {
			return apperr.New(apperr.KindNotAuthorized, "only members of ride %s may vote", rideID)
		}
		before, err := tx.ListVotes(ctx, rideID)
		if err != nil {
			return err
		}
		res.Vote = models.MeetingVote{RideID: rideID, UserID: caller.UserID, VoteOption: option, UpdatedAt: r.Now().UTC()}
		if err := tx.UpsertVote(ctx, res.Vote); err != nil {
			return err
		}
		after, err := tx.ListVotes(ctx, rideID)
		if err != nil {
			return err
		}
		prev := Resolve(ride, before)
		res.Resolution = Resolve(ride, after)
		res.Changed = prev.MeetingPoint != res.Resolution.MeetingPoint
		return nil
	})
	if err != nil {
		return nil, r.fail("vote", err, rideID)
	}
	if res.Changed {
		recipients := make([]string, 0, len(members))
		for _, m := range members {
			recipients = append(recipients, m.UserID)
		}
		res.Notification = dispatch.Send(ctx, r.Notifier, r.Logger, dispatch.Notification{
			EventType:  dispatch.EventMeetingPointChanged,
			RideID:     rideID,
			Recipients: recipients,
			Payload:    map[string]any{"meetingPoint": res.Resolution.MeetingPoint, "tied": res.Resolution.Tied},
		})
	}
	return &res, nil
}

// Resolve returns the current resolution for members and admins.
func (r *Resolver) Resolve(ctx context.Context, caller auth.Identity, rideID string) (*Resolution, error) {
	var res Resolution
	err := r.Store.WithTx(ctx, func(tx storage.Tx) error {
		ride, err := loadRide(ctx, tx, rideID)
		if err != nil {
			return err
		}
		if !caller.Admin {
			members, err := tx.ListMembers(ctx, rideID)
			if err != nil {
				return err
			}
			if !isMember(members, caller.UserID) {
				return apperr.New(apperr.KindNotAuthorized, "ride %s is visible to its members only", rideID)
			}
		}
		votes, err := tx.ListVotes(ctx, rideID)
		if err != nil {
			return err
		}
		res = Resolve(ride, votes)
		return nil
	})
	if err != nil {
		return nil, r.fail("resolve", err, rideID)
	}
	return &res, nil
}

func loadRide(ctx context.Context, tx storage.Tx, rideID string) (*models.RideGroup, error) {
	ride, err := tx.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("ride", rideID)
	}
	return ride, err
}

func isMember(ms []models.RideMember, userID string) bool {
	for _, m := range ms {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

func (r *Resolver) fail(op string, err error, rideID string) error {
	err = apperr.Normalize(op, err)
	if apperr.KindOf(err) == apperr.KindTransient {
		r.Logger.Error("meeting point operation failed", "op", op, "ride_id", rideID, "error", err)
	}
	return err
}
