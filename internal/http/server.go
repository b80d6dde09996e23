package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-coordination/internal/attendance"
	"github.com/example/ride-coordination/internal/auth"
	"github.com/example/ride-coordination/internal/dispatch"
	"github.com/example/ride-coordination/internal/meeting"
	"github.com/example/ride-coordination/internal/membership"
	"github.com/example/ride-coordination/internal/payments"
)

// Checker is a readiness dependency such as the database or Redis.
type Checker interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Ledger     *membership.Ledger
	Resolver   *meeting.Resolver
	Attendance *attendance.Engine
	Payments   *payments.Engine
	Verifier   *auth.Verifier
	WSReg      *dispatch.WSRegistry
	Ready      map[string]Checker
	Logger     *slog.Logger
}

type Server struct {
	ledger     *membership.Ledger
	resolver   *meeting.Resolver
	attendance *attendance.Engine
	payments   *payments.Engine
	verifier   *auth.Verifier
	wsreg      *dispatch.WSRegistry
	ready      map[string]Checker
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	mux        *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		ledger:     d.Ledger,
		resolver:   d.Resolver,
		attendance: d.Attendance,
		payments:   d.Payments,
		verifier:   d.Verifier,
		wsreg:      d.WSReg,
		ready:      d.Ready,
		logger:     d.Logger,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{ride_id}", s.handleDeleteRide).Methods("DELETE")
	api.HandleFunc("/rides/{ride_id}/join", s.handleJoin).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/leave", s.handleLeave).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/vote", s.handleVote).Methods("PUT")
	api.HandleFunc("/rides/{ride_id}/meeting-point", s.handleMeetingPoint).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/survey", s.handleGetSurvey).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/payments", s.handleRecordPayment).Methods("POST")
	api.HandleFunc("/surveys/{survey_id}/responses", s.handleSubmitResponse).Methods("POST")
	api.HandleFunc("/surveys/{survey_id}/process", s.handleProcessConsensus).Methods("POST")
	api.HandleFunc("/payments/{payment_id}", s.handleGetPayment).Methods("GET")
	api.HandleFunc("/payments/{payment_id}/confirm", s.handleConfirmPayment).Methods("POST")
	api.HandleFunc("/payments/{payment_id}/remind", s.handleRemindPayment).Methods("POST")

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("", s.handleWS).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for name, c := range s.ready {
		if err := c.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "dependency", name, "error", err)
			http.Error(w, name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}
