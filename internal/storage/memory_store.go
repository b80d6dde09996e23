package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-coordination/internal/models"
)

// MemoryStore keeps all rows in maps. Transactions are serialized by a single
// mutex and run against a copy that replaces the live state only on commit.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	rides         map[string]models.RideGroup
	members       map[string]map[string]models.RideMember
	votes         map[string]map[string]models.MeetingVote
	surveys       map[string]models.AttendanceSurvey
	responses     map[string]map[string]models.AttendanceResponse
	completions   map[string]map[string]models.RideCompletion
	payments      map[string]models.Payment
	reminders     map[string]map[string]models.PaymentReminder
	confirmations map[string]map[string]models.PaymentConfirmation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		rides:         map[string]models.RideGroup{},
		members:       map[string]map[string]models.RideMember{},
		votes:         map[string]map[string]models.MeetingVote{},
		surveys:       map[string]models.AttendanceSurvey{},
		responses:     map[string]map[string]models.AttendanceResponse{},
		completions:   map[string]map[string]models.RideCompletion{},
		payments:      map[string]models.Payment{},
		reminders:     map[string]map[string]models.PaymentReminder{},
		confirmations: map[string]map[string]models.PaymentConfirmation{},
	}}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) Close() error { return nil }

func cloneNested[V any](in map[string]map[string]V) map[string]map[string]V {
	out := make(map[string]map[string]V, len(in))
	for k, inner := range in {
		c := make(map[string]V, len(inner))
		for ik, v := range inner {
			c[ik] = v
		}
		out[k] = c
	}
	return out
}

func cloneFlat[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *memState) clone() *memState {
	return &memState{
		rides:         cloneFlat(s.rides),
		members:       cloneNested(s.members),
		votes:         cloneNested(s.votes),
		surveys:       cloneFlat(s.surveys),
		responses:     cloneNested(s.responses),
		completions:   cloneNested(s.completions),
		payments:      cloneFlat(s.payments),
		reminders:     cloneNested(s.reminders),
		confirmations: cloneNested(s.confirmations),
	}
}

func put[V any](m map[string]map[string]V, outer, inner string, v V) {
	if m[outer] == nil {
		m[outer] = map[string]V{}
	}
	m[outer][inner] = v
}

type memTx struct{ s *memState }

func (t *memTx) InsertRide(_ context.Context, r *models.RideGroup) error {
	if _, ok := t.s.rides[r.ID]; ok {
		return ErrConflict
	}
	t.s.rides[r.ID] = *r
	return nil
}

func (t *memTx) GetRide(_ context.Context, rideID string) (*models.RideGroup, error) {
	r, ok := t.s.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (t *memTx) DeleteRide(_ context.Context, rideID string) error {
	if _, ok := t.s.rides[rideID]; !ok {
		return ErrNotFound
	}
	delete(t.s.rides, rideID)
	delete(t.s.members, rideID)
	delete(t.s.votes, rideID)
	delete(t.s.completions, rideID)
	for id, sv := range t.s.surveys {
		if sv.RideID == rideID {
			delete(t.s.surveys, id)
			delete(t.s.responses, id)
		}
	}
	for id, p := range t.s.payments {
		if p.RideID == rideID {
			delete(t.s.payments, id)
			delete(t.s.reminders, id)
			delete(t.s.confirmations, id)
		}
	}
	return nil
}

func (t *memTx) ListRidesAwaitingSurvey(_ context.Context, departedBy time.Time) ([]models.RideGroup, error) {
	surveyed := make(map[string]bool, len(t.s.surveys))
	for _, sv := range t.s.surveys {
		surveyed[sv.RideID] = true
	}
	var out []models.RideGroup
	for _, r := range t.s.rides {
		if !surveyed[r.ID] && !r.DepartureTime.After(departedBy) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) ListMembers(_ context.Context, rideID string) ([]models.RideMember, error) {
	out := make([]models.RideMember, 0, len(t.s.members[rideID]))
	for _, m := range t.s.members[rideID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (t *memTx) FindEventMembership(_ context.Context, eventID, userID string) (*models.RideMember, error) {
	for _, byUser := range t.s.members {
		if m, ok := byUser[userID]; ok && m.EventID == eventID {
			return &m, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) InsertMember(ctx context.Context, m models.RideMember) error {
	if _, ok := t.s.members[m.RideID][m.UserID]; ok {
		return ErrConflict
	}
	if _, err := t.FindEventMembership(ctx, m.EventID, m.UserID); err == nil {
		return ErrConflict
	}
	put(t.s.members, m.RideID, m.UserID, m)
	return nil
}

func (t *memTx) DeleteMember(_ context.Context, rideID, userID string) error {
	if _, ok := t.s.members[rideID][userID]; !ok {
		return ErrNotFound
	}
	delete(t.s.members[rideID], userID)
	return nil
}

func (t *memTx) UpsertVote(_ context.Context, v models.MeetingVote) error {
	put(t.s.votes, v.RideID, v.UserID, v)
	return nil
}

func (t *memTx) ListVotes(_ context.Context, rideID string) ([]models.MeetingVote, error) {
	out := make([]models.MeetingVote, 0, len(t.s.votes[rideID]))
	for _, v := range t.s.votes[rideID] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (t *memTx) InsertSurvey(_ context.Context, s *models.AttendanceSurvey) error {
	for _, existing := range t.s.surveys {
		if existing.RideID == s.RideID {
			return ErrConflict
		}
	}
	t.s.surveys[s.ID] = *s
	return nil
}

func (t *memTx) GetSurvey(_ context.Context, surveyID string) (*models.AttendanceSurvey, error) {
	s, ok := t.s.surveys[surveyID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (t *memTx) GetSurveyByRide(_ context.Context, rideID string) (*models.AttendanceSurvey, error) {
	for _, s := range t.s.surveys {
		if s.RideID == rideID {
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) UpdateSurvey(_ context.Context, s *models.AttendanceSurvey) error {
	if _, ok := t.s.surveys[s.ID]; !ok {
		return ErrNotFound
	}
	t.s.surveys[s.ID] = *s
	return nil
}

func (t *memTx) ListOpenSurveysPastDeadline(_ context.Context, now time.Time) ([]models.AttendanceSurvey, error) {
	var out []models.AttendanceSurvey
	for _, s := range t.s.surveys {
		if s.SurveyStatus.Open() && now.After(s.SurveyDeadline) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) InsertResponse(_ context.Context, r models.AttendanceResponse) error {
	if _, ok := t.s.responses[r.SurveyID][r.RespondentUserID]; ok {
		return ErrConflict
	}
	r.AttendedUserIDs = append([]string(nil), r.AttendedUserIDs...)
	put(t.s.responses, r.SurveyID, r.RespondentUserID, r)
	return nil
}

func (t *memTx) ListResponses(_ context.Context, surveyID string) ([]models.AttendanceResponse, error) {
	out := make([]models.AttendanceResponse, 0, len(t.s.responses[surveyID]))
	for _, r := range t.s.responses[surveyID] {
		r.AttendedUserIDs = append([]string(nil), r.AttendedUserIDs...)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RespondentUserID < out[j].RespondentUserID })
	return out, nil
}

func (t *memTx) InsertCompletion(_ context.Context, c models.RideCompletion) error {
	if _, ok := t.s.completions[c.RideID][c.UserID]; ok {
		return nil
	}
	put(t.s.completions, c.RideID, c.UserID, c)
	return nil
}

func (t *memTx) ListCompletions(_ context.Context, rideID string) ([]models.RideCompletion, error) {
	out := make([]models.RideCompletion, 0, len(t.s.completions[rideID]))
	for _, c := range t.s.completions[rideID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (t *memTx) InsertPayment(_ context.Context, p *models.Payment) error {
	if _, ok := t.s.payments[p.ID]; ok {
		return ErrConflict
	}
	t.s.payments[p.ID] = *p
	return nil
}

func (t *memTx) GetPayment(_ context.Context, paymentID string) (*models.Payment, error) {
	p, ok := t.s.payments[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t *memTx) InsertReminder(_ context.Context, r models.PaymentReminder) error {
	if _, ok := t.s.reminders[r.PaymentID][r.UserID]; ok {
		return ErrConflict
	}
	put(t.s.reminders, r.PaymentID, r.UserID, r)
	return nil
}

func (t *memTx) UpdateReminder(_ context.Context, r models.PaymentReminder) error {
	if _, ok := t.s.reminders[r.PaymentID][r.UserID]; !ok {
		return ErrNotFound
	}
	t.s.reminders[r.PaymentID][r.UserID] = r
	return nil
}

func (t *memTx) ListReminders(_ context.Context, paymentID string) ([]models.PaymentReminder, error) {
	out := make([]models.PaymentReminder, 0, len(t.s.reminders[paymentID]))
	for _, r := range t.s.reminders[paymentID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (t *memTx) InsertConfirmation(_ context.Context, c models.PaymentConfirmation) error {
	if _, ok := t.s.confirmations[c.PaymentID][c.UserID]; ok {
		return ErrConflict
	}
	put(t.s.confirmations, c.PaymentID, c.UserID, c)
	return nil
}

func (t *memTx) ListConfirmations(_ context.Context, paymentID string) ([]models.PaymentConfirmation, error) {
	out := make([]models.PaymentConfirmation, 0, len(t.s.confirmations[paymentID]))
	for _, c := range t.s.confirmations[paymentID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
