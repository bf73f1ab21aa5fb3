package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thenexusengine/pubmatic_htb/internal/pubmatic"
	"github.com/thenexusengine/pubmatic_htb/internal/storage"
	"github.com/thenexusengine/pubmatic_htb/pkg/logger"
)

func init() {
	// Only show errors in tests
	logger.Init(logger.Config{
		Level:      "error",
		Format:     "json",
		TimeFormat: time.RFC3339,
	})
}

// writePartnerConfig writes a minimal partner file and returns its path
func writePartnerConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "partner.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write partner config: %v", err)
	}
	return path
}

// newTestServer builds a server on a private metrics registry
func newTestServer(t *testing.T, cfg *ServerConfig) *Server {
	t.Helper()
	clearEnvVars(t)
	if cfg.PartnerConfigFile == "" {
		cfg.PartnerConfigFile = writePartnerConfig(t, "publisherId: \"156209\"\ntimeout: 1s\n")
	}
	if cfg.Port == "" {
		cfg.Port = "0"
	}

	s, err := newServer(cfg, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx) //nolint:errcheck
	})
	return s
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)
	return rr
}

func TestNewServer_MinimalConfig(t *testing.T) {
	s := newTestServer(t, &ServerConfig{Port: "8080", MaxWait: time.Second})

	if s.httpServer == nil {
		t.Fatal("Expected HTTP server to be initialized")
	}
	if s.httpServer.Addr != ":8080" {
		t.Errorf("Expected addr ':8080', got '%s'", s.httpServer.Addr)
	}
	if s.metrics == nil {
		t.Error("Expected metrics to be initialized")
	}
	if s.adapter == nil {
		t.Fatal("Expected partner to be initialized")
	}
	if s.rateLimiter == nil {
		t.Error("Expected rate limiter to be initialized")
	}
	if s.creatives == nil {
		t.Error("Expected in-memory creatives without Redis")
	}
	if s.recorder != nil {
		t.Error("Expected no analytics recorder without an endpoint")
	}
	if s.partnerConf.PublisherID != "156209" || s.partnerConf.Timeout != time.Second {
		t.Errorf("Unexpected partner config %+v", s.partnerConf)
	}
}

func TestNewServer_InvalidPartnerConfig(t *testing.T) {
	clearEnvVars(t)
	cfg := &ServerConfig{
		Port:              "0",
		PartnerConfigFile: writePartnerConfig(t, "publisherId: abc\n"),
	}

	_, err := newServer(cfg, prometheus.NewRegistry())
	if err == nil {
		t.Fatal("Expected error for a non-numeric publisher id")
	}
	if !strings.Contains(err.Error(), "publisherId") {
		t.Errorf("Expected publisherId problem in error, got %v", err)
	}
}

func TestRun_InvalidPartnerConfigReturnsError(t *testing.T) {
	clearEnvVars(t)
	cfg := &ServerConfig{
		Port:              "0",
		PartnerConfigFile: writePartnerConfig(t, "publisherId: abc\n"),
	}

	done := make(chan error, 1)
	go func() { done <- run(cfg) }()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "publisherId") {
			t.Errorf("Expected publisherId error from run, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run should return when the server cannot be built")
	}
}

func TestNewServer_CallbackBaseURL(t *testing.T) {
	s := newTestServer(t, &ServerConfig{CallbackBaseURL: "https://htb.example.com"})

	if s.partnerConf.CallbackBaseURL != "https://htb.example.com" {
		t.Errorf("Expected callback base URL from server config, got '%s'", s.partnerConf.CallbackBaseURL)
	}
}

func TestNewServer_WithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	s := newTestServer(t, &ServerConfig{RedisURL: "redis://" + mr.Addr()})

	if s.redisClient == nil {
		t.Fatal("Expected Redis client to be initialized")
	}
	if s.creatives != nil {
		t.Error("Expected creatives in Redis, not in memory")
	}

	rr := serve(s, "GET", "/health/ready", "")
	if rr.Code != http.StatusOK {
		t.Errorf("Expected ready with Redis up, got %d", rr.Code)
	}

	mr.Close()
	rr = serve(s, "GET", "/health/ready", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 with Redis down, got %d", rr.Code)
	}
}

func TestLoadPartnerConfig_DatabaseOverride(t *testing.T) {
	clearEnvVars(t)
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "partner_id", "publisher_id", "timeout_ms", "targeting_keys", "demand_expiry_ms",
		"analytics_request_time", "status", "created_at", "updated_at",
	}).AddRow("1", pubmatic.PartnerID, "777", 1500, []byte(`{"pm":"db_pm"}`), int64(0), true, "active", now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM partner_configs")).
		WithArgs(pubmatic.PartnerID).
		WillReturnRows(rows)

	s := &Server{
		config:    &ServerConfig{PartnerConfigFile: writePartnerConfig(t, "publisherId: \"156209\"\n")},
		partnerDB: storage.NewPartnerStore(db),
	}
	cfg, err := s.loadPartnerConfig()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.PublisherID != "777" {
		t.Errorf("Expected publisher id from database, got '%s'", cfg.PublisherID)
	}
	if cfg.Timeout != 1500*time.Millisecond {
		t.Errorf("Expected timeout from database, got %v", cfg.Timeout)
	}
	if cfg.TargetingKeys.PM != "db_pm" {
		t.Errorf("Expected pm key from database, got '%s'", cfg.TargetingKeys.PM)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestServer_HealthHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	healthHandler().ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", response["status"])
	}
	if response["version"] != pubmatic.Version {
		t.Errorf("Expected version '%s', got '%v'", pubmatic.Version, response["version"])
	}
}

func TestServer_ReadyHandler_NoDependencies(t *testing.T) {
	rr := httptest.NewRecorder()
	readyHandler(nil, nil).ServeHTTP(rr, httptest.NewRequest("GET", "/health/ready", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	checks, ok := response["checks"].(map[string]interface{})
	if !ok {
		t.Fatal("Expected 'checks' field to be a map")
	}
	for _, name := range []string{"redis", "postgres"} {
		check, ok := checks[name].(map[string]interface{})
		if !ok || check["status"] != "disabled" {
			t.Errorf("Expected %s check disabled, got %v", name, checks[name])
		}
	}
}

func TestServer_ReadyHandler_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectPing()

	rr := httptest.NewRecorder()
	readyHandler(nil, db).ServeHTTP(rr, httptest.NewRequest("GET", "/health/ready", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	mock.ExpectPing().WillReturnError(context.DeadlineExceeded)
	rr = httptest.NewRecorder()
	readyHandler(nil, db).ServeHTTP(rr, httptest.NewRequest("GET", "/health/ready", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rr.Code)
	}
}

func TestServer_AllRoutes(t *testing.T) {
	s := newTestServer(t, &ServerConfig{MaxWait: time.Second})

	routes := []struct {
		method string
		path   string
		status int
	}{
		{"GET", "/health", http.StatusOK},
		{"GET", "/health/ready", http.StatusOK},
		{"GET", "/metrics", http.StatusOK},
		{"GET", "/admin/partner", http.StatusOK},
		{"GET", "/frames/missing", http.StatusNotFound},
		{"GET", "/ads/missing", http.StatusNotFound},
		{"GET", "/v1/demand/missing", http.StatusNotFound},
		{"POST", "/sessions/s1/unload", http.StatusOK},
		{"GET", "/nope", http.StatusNotFound},
	}

	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			rr := serve(s, rt.method, rt.path, "")
			if rr.Code != rt.status {
				t.Errorf("Expected %d, got %d", rt.status, rr.Code)
			}
		})
	}
}

func TestServer_DemandThroughMiddleware(t *testing.T) {
	s := newTestServer(t, &ServerConfig{MaxWait: time.Second})

	body := `{"sessionId":"s1","async":true,"parcels":[{"htSlotId":"h1","requestId":"r1","xSlotName":"x1","xSlotRef":{"adUnitName":"A","size":{"w":300,"h":250}}}]}`
	rr := serve(s, "POST", "/v1/demand", body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("Expected request id header")
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("Expected security headers on API responses")
	}

	var resp struct {
		Groups []struct {
			ID       string `json:"id"`
			FrameURL string `json:"frameUrl"`
		} `json:"groups"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil || len(resp.Groups) != 1 {
		t.Fatalf("Unexpected demand response %s", rr.Body.String())
	}

	rr = serve(s, "GET", resp.Groups[0].FrameURL, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected frame markup, got %d", rr.Code)
	}
	if rr.Header().Get("X-Frame-Options") != "" {
		t.Error("Frames must be embeddable")
	}

	if s.adapter.Pending() != 1 {
		t.Errorf("Expected one pending request, got %d", s.adapter.Pending())
	}
	rr = serve(s, "POST", "/sessions/s1/unload", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected unload to succeed, got %d", rr.Code)
	}
	if s.adapter.Pending() != 0 {
		t.Errorf("Expected unload to resolve the request, got %d pending", s.adapter.Pending())
	}
}

func TestServer_Sweep(t *testing.T) {
	s := newTestServer(t, &ServerConfig{})
	// nothing to reap on an idle server
	s.sweep()
	if s.adapter.Pending() != 0 {
		t.Errorf("Expected no pending requests, got %d", s.adapter.Pending())
	}
}

func TestServer_Shutdown(t *testing.T) {
	s := newTestServer(t, &ServerConfig{AnalyticsEndpoint: "http://127.0.0.1:1/events"})
	if s.recorder == nil {
		t.Fatal("Expected analytics recorder")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Unexpected shutdown error: %v", err)
	}
	// a second shutdown is harmless
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Unexpected error on second shutdown: %v", err)
	}
}
