package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/clinic-queue/internal/audit"
	"github.com/wolfman30/clinic-queue/internal/queue"
	"github.com/wolfman30/clinic-queue/pkg/logging"
)

const testSecret = "router-test-secret"

func newTestRouter(t *testing.T, mutate func(*Config)) http.Handler {
	t.Helper()

	logger := logging.New("error")
	auditLog := audit.NewInMemoryLog()
	svc := queue.NewService(queue.NewMemoryStore(), nil, auditLog, nil, logger)

	cfg := &Config{
		Logger:          logger,
		QueueHandler:    queue.NewHandler(svc, logger),
		AuditHandler:    audit.NewHandler(auditLog, logger),
		StaffAuthSecret: testSecret,
	}
	if mutate != nil {
		mutate(cfg)
	}
	return New(cfg)
}

func staffToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

func TestRouterHealthReportsFailingDependency(t *testing.T) {
	router := newTestRouter(t, func(c *Config) {
		c.HealthChecks = map[string]HealthCheck{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		}
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp["redis"] != "unavailable" || resp["postgres"] != "ok" {
		t.Errorf("unexpected health body: %v", resp)
	}
}

func TestRouterAPIRequiresToken(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/clinics/clinic-1/staff/staff-1/days/2026-03-10/schedule", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
}

func TestRouterCreateAppointmentAuditsTokenSubject(t *testing.T) {
	router := newTestRouter(t, nil)
	token := staffToken(t, "nurse-ann")

	body, _ := json.Marshal(map[string]any{
		"staff_id":   "staff-1",
		"patient_id": "p-1",
		"is_walk_in": true,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/clinics/clinic-1/appointments", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/clinics/clinic-1/audit", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from audit list, got %d", rr.Code)
	}
	var resp struct {
		Records []queue.AuditRecord `json:"records"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if len(resp.Records) != 1 || resp.Records[0].Actor != "nurse-ann" || resp.Records[0].Action != queue.ActionCreate {
		t.Fatalf("unexpected audit records: %+v", resp.Records)
	}
}

func TestRouterHeaderActorInDevelopment(t *testing.T) {
	router := newTestRouter(t, func(c *Config) {
		c.StaffAuthSecret = ""
		c.AllowHeaderActor = true
	})

	req := httptest.NewRequest(http.MethodGet, "/api/clinics/clinic-1/staff/staff-1/days/2026-03-10/schedule", nil)
	req.Header.Set("X-Actor-Id", "dev")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with header actor, got %d", rr.Code)
	}
}

func TestRouterAPIDisabledWithoutAuth(t *testing.T) {
	router := newTestRouter(t, func(c *Config) {
		c.StaffAuthSecret = ""
	})

	req := httptest.NewRequest(http.MethodGet, "/api/clinics/clinic-1/staff/staff-1/days/2026-03-10/schedule", nil)
	req.Header.Set("X-Actor-Id", "dev")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when no auth mode is configured, got %d", rr.Code)
	}
}

func TestRouterMetricsMounted(t *testing.T) {
	router := newTestRouter(t, func(c *Config) {
		c.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected metrics handler to be mounted, got %d", rr.Code)
	}
}
