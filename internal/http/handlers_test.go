package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/ride-coordination/internal/attendance"
	"github.com/example/ride-coordination/internal/auth"
	"github.com/example/ride-coordination/internal/dispatch"
	"github.com/example/ride-coordination/internal/meeting"
	"github.com/example/ride-coordination/internal/membership"
	"github.com/example/ride-coordination/internal/payments"
	"github.com/example/ride-coordination/internal/storage"
)

type testAPI struct {
	srv      *Server
	verifier *auth.Verifier
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	wsreg := dispatch.NewWSRegistry()
	notifier := dispatch.Fanout{wsreg, dispatch.LogNotifier{Logger: logger}}
	verifier := auth.NewVerifier("test-secret", "ride-coordination")
	srv := NewServer(Deps{
		Ledger:     membership.NewLedger(store, notifier, logger),
		Resolver:   meeting.NewResolver(store, notifier, logger),
		Attendance: attendance.NewEngine(store, notifier, logger, attendance.DefaultGraceWindow),
		Payments:   payments.NewEngine(store, notifier, logger),
		Verifier:   verifier,
		WSReg:      wsreg,
		Ready:      map[string]Checker{"store": store},
		Logger:     logger,
	})
	return &testAPI{srv: srv, verifier: verifier}
}

func (a *testAPI) do(t *testing.T, method, path string, id auth.Identity, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if id.UserID != "" {
		tok, err := a.verifier.Issue(id, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rr := httptest.NewRecorder()
	a.srv.ServeHTTP(rr, req)
	var out map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	return rr, out
}

func errKind(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	k, _ := e["kind"].(string)
	return k
}

func (a *testAPI) createRide(t *testing.T, creator string, capacity int) string {
	t.Helper()
	body := fmt.Sprintf(`{"eventId":"concert-1","departureTime":"2099-10-20T18:00:00Z","travelMode":"rideshare","capacity":%d,"meetingPoint":"Gate A"}`, capacity)
	rr, out := a.do(t, "POST", "/api/v1/rides", auth.Identity{UserID: creator}, body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create ride: %d %s", rr.Code, rr.Body.String())
	}
	return out["ride"].(map[string]any)["id"].(string)
}

func TestHealthAndAuth(t *testing.T) {
	a := newTestAPI(t)
	if rr, _ := a.do(t, "GET", "/healthz", auth.Identity{}, ""); rr.Code != 200 {
		t.Fatalf("healthz = %d", rr.Code)
	}
	if rr, _ := a.do(t, "GET", "/ready", auth.Identity{}, ""); rr.Code != 200 {
		t.Fatalf("ready = %d", rr.Code)
	}
	rr, body := a.do(t, "GET", "/api/v1/rides/x", auth.Identity{}, "")
	if rr.Code != http.StatusUnauthorized || errKind(body) != "not_authorized" {
		t.Fatalf("unauthenticated = %d %v", rr.Code, body)
	}
	req := httptest.NewRequest("GET", "/api/v1/rides/x", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	a.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
}

func TestJoinFlowMapsErrors(t *testing.T) {
	a := newTestAPI(t)
	alice, bob, carol := auth.Identity{UserID: "alice"}, auth.Identity{UserID: "bob"}, auth.Identity{UserID: "carol"}
	rideID := a.createRide(t, "alice", 2)

	if rr, _ := a.do(t, "POST", "/api/v1/rides/"+rideID+"/join", bob, ""); rr.Code != http.StatusCreated {
		t.Fatalf("bob join = %d %s", rr.Code, rr.Body.String())
	}
	rr, body := a.do(t, "POST", "/api/v1/rides/"+rideID+"/join", carol, "")
	if rr.Code != http.StatusConflict || errKind(body) != "capacity_exceeded" {
		t.Fatalf("carol join = %d %v", rr.Code, body)
	}

	other := a.createRide(t, "carol", 4)
	rr, body = a.do(t, "POST", "/api/v1/rides/"+other+"/join", bob, "")
	if rr.Code != http.StatusConflict || errKind(body) != "already_in_group_for_event" {
		t.Fatalf("second group = %d %v", rr.Code, body)
	}
	details := body["error"].(map[string]any)["details"].(map[string]any)
	if details["blocking_ride_id"] != rideID {
		t.Fatalf("details = %v", details)
	}

	if rr, _ := a.do(t, "GET", "/api/v1/rides/"+rideID, carol, ""); rr.Code != http.StatusForbidden {
		t.Fatalf("non-member view = %d", rr.Code)
	}
	if rr, _ := a.do(t, "GET", "/api/v1/rides/missing", alice, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("missing ride = %d", rr.Code)
	}
	if rr, _ := a.do(t, "DELETE", "/api/v1/rides/"+rideID, bob, ""); rr.Code != http.StatusForbidden {
		t.Fatalf("non-creator delete = %d", rr.Code)
	}
	if rr, _ := a.do(t, "DELETE", "/api/v1/rides/"+rideID, alice, ""); rr.Code != http.StatusOK {
		t.Fatalf("creator delete = %d", rr.Code)
	}
}

func TestVoteAndMeetingPoint(t *testing.T) {
	a := newTestAPI(t)
	alice := auth.Identity{UserID: "alice"}
	rideID := a.createRide(t, "alice", 4)

	rr, body := a.do(t, "GET", "/api/v1/rides/"+rideID+"/meeting-point", alice, "")
	if rr.Code != 200 || body["meetingPoint"] != "Gate A" {
		t.Fatalf("fallback = %d %v", rr.Code, body)
	}
	if rr, _ := a.do(t, "PUT", "/api/v1/rides/"+rideID+"/vote", alice, `{"voteOption":"North lot"}`); rr.Code != 200 {
		t.Fatalf("vote = %d %s", rr.Code, rr.Body.String())
	}
	_, body = a.do(t, "GET", "/api/v1/rides/"+rideID+"/meeting-point", alice, "")
	if body["meetingPoint"] != "North lot" {
		t.Fatalf("resolved = %v", body)
	}
	if rr, _ := a.do(t, "PUT", "/api/v1/rides/"+rideID+"/vote", alice, `{"option":"x"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field = %d", rr.Code)
	}
}

func TestPaymentEndpoints(t *testing.T) {
	a := newTestAPI(t)
	alice, bob := auth.Identity{UserID: "alice"}, auth.Identity{UserID: "bob"}
	rideID := a.createRide(t, "alice", 4)
	a.do(t, "POST", "/api/v1/rides/"+rideID+"/join", bob, "")

	rr, body := a.do(t, "POST", "/api/v1/rides/"+rideID+"/payments", alice, `{"amount":12.345}`)
	if rr.Code != http.StatusUnprocessableEntity || errKind(body) != "invalid_amount" {
		t.Fatalf("precision = %d %v", rr.Code, body)
	}
	rr, body = a.do(t, "POST", "/api/v1/rides/"+rideID+"/payments", auth.Identity{UserID: "eve"}, `{"amount":"10"}`)
	if rr.Code != http.StatusUnprocessableEntity || errKind(body) != "payer_not_a_member" {
		t.Fatalf("outsider = %d %v", rr.Code, body)
	}
	rr, body = a.do(t, "POST", "/api/v1/rides/"+rideID+"/payments", alice, `{"amount":25,"costType":"rideshare"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("record = %d %s", rr.Code, rr.Body.String())
	}
	p := body["payment"].(map[string]any)
	if p["splitAmount"] != "12.50" {
		t.Fatalf("split = %v", p["splitAmount"])
	}
	paymentID := p["id"].(string)

	for i := 0; i < 2; i++ {
		if rr, _ := a.do(t, "POST", "/api/v1/payments/"+paymentID+"/confirm", bob, ""); rr.Code != 200 {
			t.Fatalf("confirm %d = %d", i, rr.Code)
		}
	}
	rr, body = a.do(t, "GET", "/api/v1/payments/"+paymentID, alice, "")
	if rr.Code != 200 || len(body["confirmations"].([]any)) != 1 {
		t.Fatalf("summary = %d %v", rr.Code, body)
	}
	if rr, _ := a.do(t, "POST", "/api/v1/payments/"+paymentID+"/remind", bob, ""); rr.Code != http.StatusForbidden {
		t.Fatalf("non-payer remind = %d", rr.Code)
	}
}

func TestSurveyEndpoints(t *testing.T) {
	a := newTestAPI(t)
	alice := auth.Identity{UserID: "alice"}
	rideID := a.createRide(t, "alice", 4)

	rr, body := a.do(t, "GET", "/api/v1/rides/"+rideID+"/survey", alice, "")
	if rr.Code != http.StatusNotFound || errKind(body) != "not_found" {
		t.Fatalf("no survey = %d %v", rr.Code, body)
	}
	if rr, _ := a.do(t, "POST", "/api/v1/surveys/s1/process", alice, ""); rr.Code != http.StatusForbidden {
		t.Fatalf("non-admin process = %d", rr.Code)
	}
	if rr, _ := a.do(t, "POST", "/api/v1/surveys/s1/process", auth.Identity{UserID: "ops", Admin: true}, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("admin process unknown = %d", rr.Code)
	}
	if rr, _ := a.do(t, "POST", "/api/v1/surveys/s1/responses", alice, `{"attendedUserIds":["alice"]}`); rr.Code != http.StatusNotFound {
		t.Fatalf("respond unknown = %d", rr.Code)
	}
}
