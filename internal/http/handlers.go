package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/auth"
	"github.com/example/ride-coordination/internal/meeting"
	"github.com/example/ride-coordination/internal/membership"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/payments"
)

const maxBodyBytes = 1 << 20

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func caller(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var in membership.CreateRideInput
	if !decode(w, r, &in) {
		return
	}
	view, err := s.ledger.CreateRide(r.Context(), caller(r), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

type rideResponse struct {
	*membership.RideView
	MeetingPoint *meeting.Resolution `json:"meetingPoint"`
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	view, err := s.ledger.Get(r.Context(), caller(r), rideID)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.resolver.Resolve(r.Context(), caller(r), rideID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rideResponse{RideView: view, MeetingPoint: res})
}

func (s *Server) handleDeleteRide(w http.ResponseWriter, r *http.Request) {
	res, err := s.ledger.Delete(r.Context(), caller(r), mux.Vars(r)["ride_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	res, err := s.ledger.Join(r.Context(), caller(r), mux.Vars(r)["ride_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	res, err := s.ledger.Leave(r.Context(), caller(r), mux.Vars(r)["ride_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type voteRequest struct {
	VoteOption string `json:"voteOption"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.resolver.Vote(r.Context(), caller(r), mux.Vars(r)["ride_id"], req.VoteOption)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMeetingPoint(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolver.Resolve(r.Context(), caller(r), mux.Vars(r)["ride_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetSurvey(w http.ResponseWriter, r *http.Request) {
	view, err := s.attendance.Get(r.Context(), caller(r), mux.Vars(r)["ride_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type responseRequest struct {
	AttendedUserIDs []string `json:"attendedUserIds"`
}

func (s *Server) handleSubmitResponse(w http.ResponseWriter, r *http.Request) {
	var req responseRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.attendance.SubmitResponse(r.Context(), caller(r), mux.Vars(r)["survey_id"], req.AttendedUserIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleProcessConsensus is the administrative trigger. Normal processing
// happens inline when the threshold response arrives.
func (s *Server) handleProcessConsensus(w http.ResponseWriter, r *http.Request) {
	if !caller(r).Admin {
		writeError(w, apperr.New(apperr.KindNotAuthorized, "consensus processing requires the admin role"))
		return
	}
	res, err := s.attendance.ProcessConsensus(r.Context(), mux.Vars(r)["survey_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// amountField keeps the submitted decimal text so precision is validated on
// exactly what the client sent. Both 30.5 and "30.50" are accepted.
type amountField string

func (a *amountField) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = amountField(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*a = amountField(n)
	return nil
}

type paymentRequest struct {
	Amount   amountField     `json:"amount"`
	CostType models.CostType `json:"costType"`
}

func (s *Server) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.payments.RecordPayment(r.Context(), caller(r), payments.RecordInput{
		RideID:   mux.Vars(r)["ride_id"],
		Amount:   string(req.Amount),
		CostType: req.CostType,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	sum, err := s.payments.Get(r.Context(), caller(r), mux.Vars(r)["payment_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	res, err := s.payments.ConfirmPayment(r.Context(), caller(r), mux.Vars(r)["payment_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemindPayment(w http.ResponseWriter, r *http.Request) {
	res, err := s.payments.RemindPayment(r.Context(), caller(r), mux.Vars(r)["payment_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// handleWS registers the caller's live session. The read loop only services
// control frames; clients never send data on this socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "user_id", id.UserID, "error", err)
		return
	}
	sess := s.wsreg.Add(id.UserID, conn)
	s.logger.Info("websocket connected", "user_id", id.UserID)

	done := make(chan struct{})
	go func() {
		t := time.NewTicker(wsPingPeriod)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := sess.Ping(); err != nil {
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(done)
	s.wsreg.Remove(id.UserID, sess)
	s.logger.Info("websocket disconnected", "user_id", id.UserID)
}
