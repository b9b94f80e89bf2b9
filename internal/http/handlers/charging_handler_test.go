package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"

	httpserver "tactcharge/internal/http"
	"tactcharge/internal/models"
	"tactcharge/internal/service"
)

const testSecret = "test-secret"

type stubService struct {
	session *models.ChargingSession
	err     error
	history []models.ChargingSession
	cleared int
	status  string
}

func (s *stubService) StartCharging(_ context.Context, _ service.StartRequest) (*models.ChargingSession, error) {
	return s.session, s.err
}

func (s *stubService) StopCharging(_ context.Context, _, _ string) (*models.ChargingSession, error) {
	return s.session, s.err
}

func (s *stubService) ReportFault(_ context.Context, _, _, _, _ string) (*models.ChargingSession, error) {
	return s.session, s.err
}

func (s *stubService) GetActiveSession(_ context.Context, _ string) (*models.ChargingSession, error) {
	return s.session, s.err
}

func (s *stubService) GetSession(_ context.Context, _, _ string) (*models.ChargingSession, error) {
	return s.session, s.err
}

func (s *stubService) ListHistory(_ context.Context, _ string, _, _ int) ([]models.ChargingSession, int, error) {
	return s.history, len(s.history), s.err
}

func (s *stubService) CancelAll(_ context.Context, _ string) (int, error) {
	return s.cleared, s.err
}

func (s *stubService) ConnectorStatus(_ context.Context, _ int) (string, error) {
	return s.status, s.err
}

type okPinger struct{}

func (okPinger) PingContext(_ context.Context) error { return nil }

func newTestRouter(t *testing.T, svc *stubService) http.Handler {
	t.Helper()
	logger := zaptest.NewLogger(t)
	charging := NewChargingHandler(svc, logger)
	return httpserver.NewRouter(httpserver.Routes{
		Charging: &httpserver.ChargingRoutes{
			Start:     charging.Start,
			Stop:      charging.Stop,
			Fault:     charging.Fault,
			Active:    charging.Active,
			Get:       charging.Get,
			History:   charging.History,
			CancelAll: charging.CancelAll,
		},
		ConnectorStatus: charging.ConnectorStatus,
		Health:          NewHealthHandler(okPinger{}),
	}, testSecret)
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"userId": userID})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func doRequest(t *testing.T, router http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var resp apiResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return resp
}

func TestStartChargingEndpoint(t *testing.T) {
	svc := &stubService{session: &models.ChargingSession{ID: "s1", State: models.StatePreparing}}
	router := newTestRouter(t, svc)
	token := signToken(t, "u1")

	rec := doRequest(t, router, http.MethodPost, "/api/charging/start", token,
		map[string]interface{}{"stationId": "st1", "connectorId": 1})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if !resp.Success {
		t.Fatalf("success = false: %+v", resp)
	}
}

func TestStartChargingRequiresToken(t *testing.T) {
	router := newTestRouter(t, &stubService{})

	rec := doRequest(t, router, http.MethodPost, "/api/charging/start", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestStartChargingRejectsBadToken(t *testing.T) {
	router := newTestRouter(t, &stubService{})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"userId": "u1"})
	signed, err := token.SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatal(err)
	}
	rec := doRequest(t, router, http.MethodPost, "/api/charging/start", signed, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestServiceErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{service.ErrValidation, http.StatusBadRequest},
		{service.ErrNotFound, http.StatusNotFound},
		{service.ErrNotOwner, http.StatusForbidden},
		{service.ErrActiveSessionExists, http.StatusConflict},
		{service.ErrUpstreamRejected, http.StatusBadGateway},
		{service.ErrUpstreamUnavailable, http.StatusServiceUnavailable},
	}
	token := signToken(t, "u1")
	for _, tc := range cases {
		router := newTestRouter(t, &stubService{err: tc.err})
		rec := doRequest(t, router, http.MethodPost, "/api/charging/start", token,
			map[string]interface{}{"connectorId": 1})
		if rec.Code != tc.want {
			t.Fatalf("%v: status = %d, want %d", tc.err, rec.Code, tc.want)
		}
		resp := decodeResponse(t, rec)
		if resp.Success {
			t.Fatalf("%v: success = true", tc.err)
		}
	}
}

func TestStopChargingEndpoint(t *testing.T) {
	svc := &stubService{session: &models.ChargingSession{
		ID:     "s1",
		State:  models.StateStopped,
		Status: models.StatusInactive,
	}}
	router := newTestRouter(t, svc)

	rec := doRequest(t, router, http.MethodPost, "/api/charging/s1/stop", signToken(t, "u1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if resp.Message != "charging session stopped" {
		t.Fatalf("message = %q", resp.Message)
	}
}

func TestStopChargingPendingMessage(t *testing.T) {
	svc := &stubService{session: &models.ChargingSession{
		ID:     "s1",
		State:  models.StateCharging,
		Status: models.StatusActive,
	}}
	router := newTestRouter(t, svc)

	rec := doRequest(t, router, http.MethodPost, "/api/charging/s1/stop", signToken(t, "u1"), nil)
	resp := decodeResponse(t, rec)
	if resp.Message != "stop requested, awaiting confirmation" {
		t.Fatalf("message = %q", resp.Message)
	}
}

func TestHistoryEndpointReturnsEmptyList(t *testing.T) {
	router := newTestRouter(t, &stubService{})

	rec := doRequest(t, router, http.MethodGet, "/api/charging/history?page=1&pageSize=10", signToken(t, "u1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Data struct {
			Sessions []models.ChargingSession `json:"sessions"`
			Total    int                      `json:"total"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.Sessions == nil {
		t.Fatal("sessions = null, want []")
	}
}

func TestConnectorStatusIsPublic(t *testing.T) {
	router := newTestRouter(t, &stubService{status: "Available"})

	rec := doRequest(t, router, http.MethodGet, "/api/charging/connector/1/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 without token", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/charging/connector/abc/status", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad id", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, &stubService{})

	rec := doRequest(t, router, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status = %q, want ok", body["status"])
	}
}

func TestCancelAllEndpoint(t *testing.T) {
	router := newTestRouter(t, &stubService{cleared: 3})

	rec := doRequest(t, router, http.MethodDelete, "/api/charging/cancel-all", signToken(t, "admin"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Data map[string]int `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data["cleared"] != 3 {
		t.Fatalf("cleared = %d, want 3", resp.Data["cleared"])
	}
}
