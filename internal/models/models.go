package models

import "time"

type Role string

const (
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
)

// MemberStatus has a single persisted value; leaving deletes the row.
type MemberStatus string

const MemberJoined MemberStatus = "joined"

// RideGroup is an event-scoped travel unit.
type RideGroup struct {
	ID            string     `json:"id"`
	EventID       string     `json:"eventId"`
	DepartureTime time.Time  `json:"departureTime"`
	TravelMode    TravelMode `json:"travelMode"`
	Capacity      *int       `json:"capacity"`
	MinCapacity   int        `json:"minCapacity"`
	MeetingPoint  string     `json:"meetingPoint"`
	// DriverSeats is the passenger seat count declared by a carpool driver.
	DriverSeats *int      `json:"driverSeats,omitempty"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

type RideMember struct {
	RideID   string       `json:"rideId"`
	EventID  string       `json:"eventId"`
	UserID   string       `json:"userId"`
	Role     *Role        `json:"role"`
	Status   MemberStatus `json:"status"`
	JoinedAt time.Time    `json:"joinedAt"`
}

func (m RideMember) IsDriver() bool { return m.Role != nil && *m.Role == RoleDriver }

type MeetingVote struct {
	RideID     string    `json:"rideId"`
	UserID     string    `json:"userId"`
	VoteOption string    `json:"voteOption"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type SurveyStatus string

const (
	SurveyPending    SurveyStatus = "pending"
	SurveyInProgress SurveyStatus = "in_progress"
	SurveyCompleted  SurveyStatus = "completed"
	SurveyExpired    SurveyStatus = "expired"
)

// Open reports whether the survey still accepts responses.
func (s SurveyStatus) Open() bool { return s == SurveyPending || s == SurveyInProgress }

type AttendanceSurvey struct {
	ID                 string       `json:"id"`
	RideID             string       `json:"rideId"`
	TotalMembers       int          `json:"totalMembers"`
	ResponsesReceived  int          `json:"responsesReceived"`
	SurveyDeadline     time.Time    `json:"surveyDeadline"`
	SurveyStatus       SurveyStatus `json:"surveyStatus"`
	ConsensusProcessed bool         `json:"consensusProcessed"`
	CreatedAt          time.Time    `json:"createdAt"`
}

// Threshold is ceil(TotalMembers * 0.5).
func (s AttendanceSurvey) Threshold() int { return (s.TotalMembers + 1) / 2 }

type AttendanceResponse struct {
	SurveyID         string    `json:"surveyId"`
	RespondentUserID string    `json:"respondentUserId"`
	AttendedUserIDs  []string  `json:"attendedUserIds"`
	SubmittedAt      time.Time `json:"submittedAt"`
}

type RideCompletion struct {
	RideID               string    `json:"rideId"`
	UserID               string    `json:"userId"`
	VoteCount            int       `json:"voteCount"`
	TotalVoters          int       `json:"totalVoters"`
	ConfirmedByConsensus bool      `json:"confirmedByConsensus"`
	CreatedAt            time.Time `json:"createdAt"`
}

type CostType string

const (
	CostRideshare CostType = "rideshare"
	CostGas       CostType = "gas"
)

func (c CostType) Valid() bool { return c == CostRideshare || c == CostGas }

type Payment struct {
	ID          string   `json:"id"`
	RideID      string   `json:"rideId"`
	PayerUserID string   `json:"payerUserId"`
	Amount      Money    `json:"amount"`
	CostType    CostType `json:"costType"`
	// MemberCount is frozen at record time; SplitAmount is derived from it.
	MemberCount int       `json:"memberCount"`
	SplitAmount Money     `json:"splitAmount"`
	CreatedAt   time.Time `json:"createdAt"`
}

type PaymentReminder struct {
	PaymentID      string     `json:"paymentId"`
	UserID         string     `json:"userId"`
	ReminderCount  int        `json:"reminderCount"`
	LastRemindedAt *time.Time `json:"lastRemindedAt"`
	CreatedAt      time.Time  `json:"createdAt"`
}

type PaymentConfirmation struct {
	PaymentID   string    `json:"paymentId"`
	UserID      string    `json:"userId"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}
