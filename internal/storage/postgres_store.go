package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-coordination/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore runs every transaction at SERIALIZABLE isolation and locks the
// ride or survey row it guards, so the capacity and consensus checks are
// evaluated at the same isolation boundary as the writes they protect.
type PostgresStore struct {
	db         *sql.DB
	maxRetries int
}

func NewPostgresStore(dsn string, maxRetries int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &PostgresStore{db: db, maxRetries: maxRetries}, nil
}

// Migrate applies the embedded schema files in lexical order.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrationFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return names, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

// WithTx retries on serialization failures and deadlocks; any other error,
// including business-rule errors returned by fn, ends the attempt.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	var err error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		err = p.runTx(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("transaction retries exhausted: %w", err)
}

func (p *PostgresStore) runTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	// serialization_failure, deadlock_detected
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

func mapWriteErr(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrConflict
	}
	return fmt.Errorf("%s: %w", op, err)
}

func mapReadErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

type pgTx struct{ tx *sql.Tx }

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intFromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

const rideColumns = `id, event_id, departure_time, travel_mode, capacity, min_capacity, meeting_point, driver_seats, created_by, created_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanRide(row rowScanner) (*models.RideGroup, error) {
	var r models.RideGroup
	var capacity, seats sql.NullInt64
	if err := row.Scan(&r.ID, &r.EventID, &r.DepartureTime, &r.TravelMode, &capacity, &r.MinCapacity, &r.MeetingPoint, &seats, &r.CreatedBy, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Capacity = intFromNull(capacity)
	r.DriverSeats = intFromNull(seats)
	return &r, nil
}

func (t *pgTx) InsertRide(ctx context.Context, r *models.RideGroup) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO ride_groups(`+rideColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.EventID, r.DepartureTime, r.TravelMode, nullInt(r.Capacity), r.MinCapacity, r.MeetingPoint, nullInt(r.DriverSeats), r.CreatedBy, r.CreatedAt)
	if err != nil {
		return mapWriteErr("insert ride", err)
	}
	return nil
}

func (t *pgTx) GetRide(ctx context.Context, rideID string) (*models.RideGroup, error) {
	r, err := scanRide(t.tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM ride_groups WHERE id=$1 FOR UPDATE`, rideID))
	if err != nil {
		return nil, mapReadErr("select ride", err)
	}
	return r, nil
}

func (t *pgTx) DeleteRide(ctx context.Context, rideID string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM ride_groups WHERE id=$1`, rideID)
	if err != nil {
		return fmt.Errorf("delete ride: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ListRidesAwaitingSurvey(ctx context.Context, departedBy time.Time) ([]models.RideGroup, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT r.id, r.event_id, r.departure_time, r.travel_mode, r.capacity, r.min_capacity, r.meeting_point, r.driver_seats, r.created_by, r.created_at
		FROM ride_groups r LEFT JOIN attendance_surveys s ON s.ride_id = r.id
		WHERE s.id IS NULL AND r.departure_time <= $1 ORDER BY r.id`, departedBy)
	if err != nil {
		return nil, fmt.Errorf("select rides awaiting survey: %w", err)
	}
	defer rows.Close()
	var out []models.RideGroup
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanMember(row rowScanner) (*models.RideMember, error) {
	var m models.RideMember
	var role sql.NullString
	if err := row.Scan(&m.RideID, &m.EventID, &m.UserID, &role, &m.Status, &m.JoinedAt); err != nil {
		return nil, err
	}
	if role.Valid {
		r := models.Role(role.String)
		m.Role = &r
	}
	return &m, nil
}

func (t *pgTx) ListMembers(ctx context.Context, rideID string) ([]models.RideMember, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT ride_id, event_id, user_id, role, status, joined_at FROM ride_members WHERE ride_id=$1 ORDER BY joined_at, user_id`, rideID)
	if err != nil {
		return nil, fmt.Errorf("select members: %w", err)
	}
	defer rows.Close()
	var out []models.RideMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (t *pgTx) FindEventMembership(ctx context.Context, eventID, userID string) (*models.RideMember, error) {
	m, err := scanMember(t.tx.QueryRowContext(ctx, `SELECT ride_id, event_id, user_id, role, status, joined_at FROM ride_members WHERE event_id=$1 AND user_id=$2`, eventID, userID))
	if err != nil {
		return nil, mapReadErr("select event membership", err)
	}
	return m, nil
}

func (t *pgTx) InsertMember(ctx context.Context, m models.RideMember) error {
	var role sql.NullString
	if m.Role != nil {
		role = sql.NullString{String: string(*m.Role), Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO ride_members(ride_id, event_id, user_id, role, status, joined_at) VALUES($1,$2,$3,$4,$5,$6)`,
		m.RideID, m.EventID, m.UserID, role, m.Status, m.JoinedAt)
	if err != nil {
		return mapWriteErr("insert member", err)
	}
	return nil
}

func (t *pgTx) DeleteMember(ctx context.Context, rideID, userID string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM ride_members WHERE ride_id=$1 AND user_id=$2`, rideID, userID)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) UpsertVote(ctx context.Context, v models.MeetingVote) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO meeting_votes(ride_id, user_id, vote_option, updated_at) VALUES($1,$2,$3,$4)
		ON CONFLICT (ride_id, user_id) DO UPDATE SET vote_option = EXCLUDED.vote_option, updated_at = EXCLUDED.updated_at`,
		v.RideID, v.UserID, v.VoteOption, v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert vote: %w", err)
	}
	return nil
}

func (t *pgTx) ListVotes(ctx context.Context, rideID string) ([]models.MeetingVote, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT ride_id, user_id, vote_option, updated_at FROM meeting_votes WHERE ride_id=$1 ORDER BY user_id`, rideID)
	if err != nil {
		return nil, fmt.Errorf("select votes: %w", err)
	}
	defer rows.Close()
	var out []models.MeetingVote
	for rows.Next() {
		var v models.MeetingVote
		if err := rows.Scan(&v.RideID, &v.UserID, &v.VoteOption, &v.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const surveyColumns = `id, ride_id, total_members, responses_received, survey_deadline, survey_status, consensus_processed, created_at`

func scanSurvey(row rowScanner) (*models.AttendanceSurvey, error) {
	var s models.AttendanceSurvey
	if err := row.Scan(&s.ID, &s.RideID, &s.TotalMembers, &s.ResponsesReceived, &s.SurveyDeadline, &s.SurveyStatus, &s.ConsensusProcessed, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) InsertSurvey(ctx context.Context, s *models.AttendanceSurvey) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO attendance_surveys(`+surveyColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.ID, s.RideID, s.TotalMembers, s.ResponsesReceived, s.SurveyDeadline, s.SurveyStatus, s.ConsensusProcessed, s.CreatedAt)
	if err != nil {
		return mapWriteErr("insert survey", err)
	}
	return nil
}

func (t *pgTx) GetSurvey(ctx context.Context, surveyID string) (*models.AttendanceSurvey, error) {
	s, err := scanSurvey(t.tx.QueryRowContext(ctx, `SELECT `+surveyColumns+` FROM attendance_surveys WHERE id=$1 FOR UPDATE`, surveyID))
	if err != nil {
		return nil, mapReadErr("select survey", err)
	}
	return s, nil
}

func (t *pgTx) GetSurveyByRide(ctx context.Context, rideID string) (*models.AttendanceSurvey, error) {
	s, err := scanSurvey(t.tx.QueryRowContext(ctx, `SELECT `+surveyColumns+` FROM attendance_surveys WHERE ride_id=$1`, rideID))
	if err != nil {
		return nil, mapReadErr("select survey by ride", err)
	}
	return s, nil
}

func (t *pgTx) UpdateSurvey(ctx context.Context, s *models.AttendanceSurvey) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE attendance_surveys SET responses_received=$2, survey_status=$3, consensus_processed=$4 WHERE id=$1`,
		s.ID, s.ResponsesReceived, s.SurveyStatus, s.ConsensusProcessed)
	if err != nil {
		return fmt.Errorf("update survey: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ListOpenSurveysPastDeadline(ctx context.Context, now time.Time) ([]models.AttendanceSurvey, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+surveyColumns+` FROM attendance_surveys
		WHERE survey_status IN ('pending', 'in_progress') AND survey_deadline < $1 ORDER BY id FOR UPDATE`, now)
	if err != nil {
		return nil, fmt.Errorf("select expiring surveys: %w", err)
	}
	defer rows.Close()
	var out []models.AttendanceSurvey
	for rows.Next() {
		s, err := scanSurvey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertResponse(ctx context.Context, r models.AttendanceResponse) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO attendance_responses(survey_id, respondent_user_id, attended_user_ids, submitted_at) VALUES($1,$2,$3,$4)`,
		r.SurveyID, r.RespondentUserID, pq.Array(r.AttendedUserIDs), r.SubmittedAt)
	if err != nil {
		return mapWriteErr("insert response", err)
	}
	return nil
}

func (t *pgTx) ListResponses(ctx context.Context, surveyID string) ([]models.AttendanceResponse, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT survey_id, respondent_user_id, attended_user_ids, submitted_at FROM attendance_responses WHERE survey_id=$1 ORDER BY respondent_user_id`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("select responses: %w", err)
	}
	defer rows.Close()
	var out []models.AttendanceResponse
	for rows.Next() {
		var r models.AttendanceResponse
		if err := rows.Scan(&r.SurveyID, &r.RespondentUserID, pq.Array(&r.AttendedUserIDs), &r.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertCompletion(ctx context.Context, c models.RideCompletion) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO ride_completions(ride_id, user_id, vote_count, total_voters, confirmed_by_consensus, created_at) VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (ride_id, user_id) DO NOTHING`,
		c.RideID, c.UserID, c.VoteCount, c.TotalVoters, c.ConfirmedByConsensus, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert completion: %w", err)
	}
	return nil
}

func (t *pgTx) ListCompletions(ctx context.Context, rideID string) ([]models.RideCompletion, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT ride_id, user_id, vote_count, total_voters, confirmed_by_consensus, created_at FROM ride_completions WHERE ride_id=$1 ORDER BY user_id`, rideID)
	if err != nil {
		return nil, fmt.Errorf("select completions: %w", err)
	}
	defer rows.Close()
	var out []models.RideCompletion
	for rows.Next() {
		var c models.RideCompletion
		if err := rows.Scan(&c.RideID, &c.UserID, &c.VoteCount, &c.TotalVoters, &c.ConfirmedByConsensus, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertPayment(ctx context.Context, p *models.Payment) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO payments(id, ride_id, payer_user_id, amount_cents, cost_type, member_count, split_cents, created_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.ID, p.RideID, p.PayerUserID, int64(p.Amount), p.CostType, p.MemberCount, int64(p.SplitAmount), p.CreatedAt)
	if err != nil {
		return mapWriteErr("insert payment", err)
	}
	return nil
}

func (t *pgTx) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	var p models.Payment
	err := t.tx.QueryRowContext(ctx, `SELECT id, ride_id, payer_user_id, amount_cents, cost_type, member_count, split_cents, created_at FROM payments WHERE id=$1`, paymentID).
		Scan(&p.ID, &p.RideID, &p.PayerUserID, &p.Amount, &p.CostType, &p.MemberCount, &p.SplitAmount, &p.CreatedAt)
	if err != nil {
		return nil, mapReadErr("select payment", err)
	}
	return &p, nil
}

func (t *pgTx) InsertReminder(ctx context.Context, r models.PaymentReminder) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO payment_reminders(payment_id, user_id, reminder_count, last_reminded_at, created_at) VALUES($1,$2,$3,$4,$5)`,
		r.PaymentID, r.UserID, r.ReminderCount, r.LastRemindedAt, r.CreatedAt)
	if err != nil {
		return mapWriteErr("insert reminder", err)
	}
	return nil
}

func (t *pgTx) UpdateReminder(ctx context.Context, r models.PaymentReminder) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE payment_reminders SET reminder_count=$3, last_reminded_at=$4 WHERE payment_id=$1 AND user_id=$2`,
		r.PaymentID, r.UserID, r.ReminderCount, r.LastRemindedAt)
	if err != nil {
		return fmt.Errorf("update reminder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ListReminders(ctx context.Context, paymentID string) ([]models.PaymentReminder, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT payment_id, user_id, reminder_count, last_reminded_at, created_at FROM payment_reminders WHERE payment_id=$1 ORDER BY user_id`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("select reminders: %w", err)
	}
	defer rows.Close()
	var out []models.PaymentReminder
	for rows.Next() {
		var r models.PaymentReminder
		var last sql.NullTime
		if err := rows.Scan(&r.PaymentID, &r.UserID, &r.ReminderCount, &last, &r.CreatedAt); err != nil {
			return nil, err
		}
		if last.Valid {
			r.LastRemindedAt = &last.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertConfirmation(ctx context.Context, c models.PaymentConfirmation) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO payment_confirmations(payment_id, user_id, confirmed_at) VALUES($1,$2,$3)`,
		c.PaymentID, c.UserID, c.ConfirmedAt)
	if err != nil {
		return mapWriteErr("insert confirmation", err)
	}
	return nil
}

func (t *pgTx) ListConfirmations(ctx context.Context, paymentID string) ([]models.PaymentConfirmation, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT payment_id, user_id, confirmed_at FROM payment_confirmations WHERE payment_id=$1 ORDER BY user_id`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("select confirmations: %w", err)
	}
	defer rows.Close()
	var out []models.PaymentConfirmation
	for rows.Next() {
		var c models.PaymentConfirmation
		if err := rows.Scan(&c.PaymentID, &c.UserID, &c.ConfirmedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
