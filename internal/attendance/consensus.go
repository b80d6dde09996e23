package attendance

import (
	"sort"
	"time"

	"github.com/example/ride-coordination/internal/models"
)

// ShouldProcess reports whether consensus may run for s at now: the
// response count reached ceil(total/2), the flag is unset and the survey has
// neither expired nor passed its deadline.
func ShouldProcess(s models.AttendanceSurvey, now time.Time) bool {
	return !s.ConsensusProcessed &&
		s.SurveyStatus.Open() &&
		!now.After(s.SurveyDeadline) &&
		s.ResponsesReceived >= s.Threshold()
}

// Tally builds one completion per member. A member is confirmed when named by
// strictly more than half of the responses received.
func Tally(rideID string, members []models.RideMember, responses []models.AttendanceResponse, responsesReceived int, now time.Time) []models.RideCompletion {
	named := make(map[string]int, len(members))
	for _, r := range responses {
		seen := make(map[string]bool, len(r.AttendedUserIDs))
		for _, uid := range r.AttendedUserIDs {
			if seen[uid] {
				continue
			}
			seen[uid] = true
			named[uid]++
		}
	}
	out := make([]models.RideCompletion, 0, len(members))
	for _, m := range members {
		c := named[m.UserID]
		out = append(out, models.RideCompletion{
			RideID:               rideID,
			UserID:               m.UserID,
			VoteCount:            c,
			TotalVoters:          responsesReceived,
			ConfirmedByConsensus: 2*c > responsesReceived,
			CreatedAt:            now,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Confirmed returns the user ids confirmed by consensus.
func Confirmed(cs []models.RideCompletion) []string {
	var out []string
	for _, c := range cs {
		if c.ConfirmedByConsensus {
			out = append(out, c.UserID)
		}
	}
	return out
}
