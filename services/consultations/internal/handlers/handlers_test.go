package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/diagnosis/chainconsult/pkg/auth"
	"github.com/diagnosis/chainconsult/pkg/clock"
	"github.com/diagnosis/chainconsult/pkg/config"
	"github.com/diagnosis/chainconsult/pkg/middleware"
	"github.com/diagnosis/chainconsult/services/consultations/internal/clientinfo"
	"github.com/diagnosis/chainconsult/services/consultations/internal/eligibility"
	"github.com/diagnosis/chainconsult/services/consultations/internal/service"
	"github.com/diagnosis/chainconsult/services/consultations/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "handler-test-secret"

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

type testServer struct {
	handler  http.Handler
	bookings *testsupport.Bookings
	users    *testsupport.Users
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clk := clock.NewFixed(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	bookings := testsupport.NewBookings(clk)
	users := testsupport.NewUsers(clk, bookings)
	bus := &testsupport.Bus{}

	cfg := &config.Config{}
	cfg.Auth.JWTSecret = secret
	cfg.Auth.AccessTokenTTL = time.Minute
	cfg.Email.AppBaseURL = "https://app.example.com"

	gate := eligibility.NewChecker(bookings, users, eligibility.DefaultPolicy(), clk, nil)
	h := New(
		service.NewBookingService(bookings, users, gate, bus, clk, cfg),
		service.NewAuthService(users, bus, clk, cfg),
		clientinfo.NewExtractor(""),
		secret,
	)
	idem := middleware.IdempotencyMiddleware(&memoryStore{data: map[string]string{}}, time.Hour)
	return &testServer{handler: h.Routes(idem), bookings: bookings, users: users}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func bookingBody(email, typ string) map[string]interface{} {
	return map[string]interface{}{
		"guestEmail":  email,
		"guestName":   "Ada Lovelace",
		"guestPhone":  "+44 20 7946 0000",
		"type":        typ,
		"description": "Token launch plan",
	}
}

func from(ip, ua string) map[string]string {
	return map[string]string{"X-Forwarded-For": ip, "User-Agent": ua}
}

func TestBookConsultation_Created(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/guest/book-consultation", bookingBody("ada@example.com", "free_consultation"), from("203.0.113.1", "Firefox"))

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	out := decode(t, rr)
	assert.Equal(t, true, out["isFreeConsultation"])
	assert.Equal(t, "pending", out["status"])
	assert.Equal(t, "free_consultation", out["type"])
	assert.NotEmpty(t, out["manageToken"])
	assert.NotContains(t, rr.Body.String(), "203.0.113.1")

	stored := s.bookings.All()
	require.Len(t, stored, 1)
	assert.Equal(t, "203.0.113.1", stored[0].ClientIPAddress)
}

func TestBookConsultation_IneligibleReturns400WithReason(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodPost, "/guest/book-consultation", bookingBody("ada@example.com", "free_consultation"), from("203.0.113.1", "Firefox"))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = s.do(t, http.MethodPost, "/guest/book-consultation", bookingBody("ada@example.com", "free_consultation"), from("198.51.100.9", "Chrome"))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, map[string]interface{}{"error": eligibility.ReasonEmailUsed}, decode(t, rr))
}

func TestBookConsultation_DeviceReuseRefused(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodPost, "/guest/book-consultation", bookingBody("one@example.com", "free_consultation"), from("203.0.113.5", "Safari"))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = s.do(t, http.MethodPost, "/guest/book-consultation", bookingBody("two@example.com", "free_consultation"), from("203.0.113.5", "Safari"))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, eligibility.ReasonFingerprintThreshold, decode(t, rr)["error"])
}

func TestBookConsultation_IdempotentReplay(t *testing.T) {
	s := newTestServer(t)
	headers := from("203.0.113.7", "Edge")
	headers["Idempotency-Key"] = "retry-1"

	first := s.do(t, http.MethodPost, "/guest/book-consultation", bookingBody("idem@example.com", "free_consultation"), headers)
	require.Equal(t, http.StatusCreated, first.Code)

	second := s.do(t, http.MethodPost, "/guest/book-consultation", bookingBody("idem@example.com", "free_consultation"), headers)

	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Len(t, s.bookings.All(), 1)
}

func TestBookConsultation_BadRequests(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/guest/book-consultation", bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodPost, "/guest/book-consultation", bookingBody("bad", "free_consultation"), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decode(t, rr)["error"], "guestEmail")
}

func TestEligibilityEndpoint(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/guest/free-consultation/eligibility", map[string]string{"email": "new@example.com"}, from("192.0.2.1", "UA"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"eligible":true}`, rr.Body.String())

	s.bookings.SeedFree("", "192.0.2.1", "x", time.Time{})
	s.bookings.SeedFree("", "192.0.2.1", "y", time.Time{})
	rr = s.do(t, http.MethodPost, "/guest/free-consultation/eligibility", map[string]string{"email": "new@example.com"}, from("192.0.2.1", "UA"))
	require.Equal(t, http.StatusOK, rr.Code)
	out := decode(t, rr)
	assert.Equal(t, false, out["eligible"])
	assert.Equal(t, eligibility.ReasonIPThreshold, out["reason"])
	assert.NotContains(t, out, "userId")
}

func TestGuestBookingManageLinks(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodPost, "/guest/book-consultation", bookingBody("m@example.com", "strategy_session"), nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	created := decode(t, rr)
	id := int64(created["id"].(float64))
	token := created["manageToken"].(string)

	rr = s.do(t, http.MethodGet, fmt.Sprintf("/guest/bookings/%d?manage_token=%s", id, token), nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "pending_payment", decode(t, rr)["status"])

	rr = s.do(t, http.MethodGet, fmt.Sprintf("/guest/bookings/%d?manage_token=nope", id), nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do(t, http.MethodGet, fmt.Sprintf("/guest/bookings/%d", id), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do(t, http.MethodDelete, fmt.Sprintf("/guest/bookings/%d?manage_token=%s", id, token), nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "canceled", decode(t, rr)["status"])

	rr = s.do(t, http.MethodDelete, fmt.Sprintf("/guest/bookings/%d?manage_token=%s", id, token), nil, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = s.do(t, http.MethodGet, "/guest/bookings/abc?manage_token=x", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRegisterLoginAndUserBookings(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodPost, "/guest/book-consultation", bookingBody("grace@example.com", "free_consultation"), from("203.0.113.20", "Firefox"))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = s.do(t, http.MethodPost, "/auth/register", map[string]string{
		"email": "grace@example.com", "password": "hopper-1906", "name": "Grace",
	}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.NotContains(t, rr.Body.String(), "argon2id")

	rr = s.do(t, http.MethodPost, "/auth/register", map[string]string{
		"email": "grace@example.com", "password": "hopper-1906", "name": "Grace",
	}, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = s.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "grace@example.com", "password": "wrong-pass"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "grace@example.com", "password": "hopper-1906"}, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	token := decode(t, rr)["accessToken"].(string)
	bearer := map[string]string{"Authorization": "Bearer " + token}

	rr = s.do(t, http.MethodGet, "/user/bookings", nil, bearer)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.NotContains(t, list[0], "manageToken")

	paid := map[string]string{"type": "technical_audit", "description": "Bridge audit"}
	rr = s.do(t, http.MethodPost, "/user/bookings", paid, bearer)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.NotContains(t, decode(t, rr), "manageToken")
}

func TestUserBookings_RequireToken(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/user/bookings", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do(t, http.MethodGet, "/user/bookings", nil, map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	token, err := auth.NewAccessToken(1, "x@example.com", auth.RoleClient, "other-secret", time.Minute)
	require.NoError(t, err)
	rr = s.do(t, http.MethodGet, "/user/bookings", nil, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestBookConsultation_StoreFailureFailsClosed(t *testing.T) {
	s := newTestServer(t)
	s.bookings.Err = fmt.Errorf("connection reset")

	rr := s.do(t, http.MethodPost, "/guest/book-consultation", bookingBody("z@example.com", "free_consultation"), nil)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, eligibility.ReasonVerificationFailed, decode(t, rr)["error"])
}
