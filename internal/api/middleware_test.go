package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/hyperengineering/waypoint/internal/auth"
)

var testSecret = []byte("test-jwt-secret-0123456789abcdef")

func testToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken(userID, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

// captureLogs swaps the default logger for one writing JSON to a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(old) })
	return &buf
}

// mockHandler records whether it was called and the user it saw.
func mockHandler() (http.Handler, *bool, *string) {
	called := false
	user := ""
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		user, _ = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}), &called, &user
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	handler, called, user := mockHandler()
	middleware := AuthMiddleware(testSecret)(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/places", nil)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "u1"))
	w := httptest.NewRecorder()

	middleware.ServeHTTP(w, req)

	if !*called {
		t.Error("handler was not called for valid token")
	}
	if *user != "u1" {
		t.Errorf("user id in context = %q, want u1", *user)
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	otherSecret, _ := auth.IssueToken("u1", []byte("a-different-secret"), time.Hour)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"garbage token", "Bearer wrong-token"},
		{"signed with another secret", "Bearer " + otherSecret},
		{"no bearer prefix", testToken(t, "u1")},
		{"empty token", "Bearer "},
		{"whitespace only token", "Bearer    "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			captureLogs(t)
			handler, called, _ := mockHandler()
			middleware := AuthMiddleware(testSecret)(handler)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/places", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			middleware.ServeHTTP(w, req)

			if *called {
				t.Error("handler should not be called")
			}
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestAuthMiddleware_ResponseFormat_RFC7807(t *testing.T) {
	captureLogs(t)
	handler, _, _ := mockHandler()
	middleware := AuthMiddleware(testSecret)(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/places", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	w := httptest.NewRecorder()

	middleware.ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %v, want application/problem+json", ct)
	}

	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal response as RFC 7807: %v", err)
	}
	if p.Type != "https://waypoint.dev/errors/unauthorized" {
		t.Errorf("type = %v, want https://waypoint.dev/errors/unauthorized", p.Type)
	}
	if p.Status != 401 {
		t.Errorf("status = %d, want 401", p.Status)
	}
	if p.Instance != "/api/v1/places" {
		t.Errorf("instance = %v, want /api/v1/places", p.Instance)
	}
}

func TestAuthMiddleware_NoSecretLeak(t *testing.T) {
	logs := captureLogs(t)
	handler, _, _ := mockHandler()
	middleware := AuthMiddleware(testSecret)(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/places", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	w := httptest.NewRecorder()

	middleware.ServeHTTP(w, req)

	if strings.Contains(w.Body.String(), string(testSecret)) || strings.Contains(logs.String(), string(testSecret)) {
		t.Error("secret leaked into response or logs")
	}
	if strings.Contains(logs.String(), "wrong-token") {
		t.Error("token leaked into logs")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected string
	}{
		{"valid token", "Bearer abc123", "abc123"},
		{"missing header", "", ""},
		{"no bearer prefix", "abc123", ""},
		{"empty after bearer", "Bearer ", ""},
		{"whitespace after bearer", "Bearer    ", ""},
		{"lowercase bearer", "bearer abc123", ""},
		{"basic auth", "Basic abc123", ""},
		{"token with spaces trimmed", "Bearer  abc123 ", "abc123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			got := extractBearerToken(req)
			if got != tt.expected {
				t.Errorf("extractBearerToken() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestLoggingMiddleware_NoAuthHeaderLeak(t *testing.T) {
	logs := captureLogs(t)
	token := testToken(t, "u1")

	middleware := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/places", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	middleware.ServeHTTP(httptest.NewRecorder(), req)

	if strings.Contains(logs.String(), token) {
		t.Error("log output contains the bearer token - security violation!")
	}
	if !strings.Contains(logs.String(), "request completed") {
		t.Error("expected 'request completed' in log output")
	}
}

func TestAuthMiddleware_HealthBypass_ViaRoutes(t *testing.T) {
	// Given: The router built by NewRouter
	captureLogs(t)
	h := NewHandler(&mockReader{stats: okStats()}, &mockProcessor{}, &mockDelta{}, testSecret, "test")
	router := NewRouter(h)

	// When/Then: health is public
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health without auth: status = %d, want %d", w.Code, http.StatusOK)
	}

	// When/Then: every other route requires a token
	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/api/v1/sync/bulk"},
		{http.MethodGet, "/api/v1/sync/delta"},
		{http.MethodGet, "/api/v1/places"},
		{http.MethodGet, "/api/v1/places/abc"},
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(route.method, route.path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without auth: status = %d, want 401", route.method, route.path, w.Code)
		}
	}
}

func TestGetRequestID(t *testing.T) {
	router := chi.NewRouter()
	router.Use(chiMiddleware.RequestID)
	router.Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetRequestID(r.Context())))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	if w.Body.String() == "" {
		t.Error("expected non-empty request ID in response body")
	}
}

func TestGetRequestID_NoContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if reqID := GetRequestID(req.Context()); reqID != "" {
		t.Errorf("GetRequestID without context = %q, want empty string", reqID)
	}
}

func TestLogLevelForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   slog.Level
	}{
		{200, slog.LevelInfo},
		{204, slog.LevelInfo},
		{304, slog.LevelInfo},
		{400, slog.LevelWarn},
		{401, slog.LevelWarn},
		{413, slog.LevelWarn},
		{499, slog.LevelWarn},
		{500, slog.LevelError},
		{503, slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			if got := logLevelForStatus(tt.status); got != tt.want {
				t.Errorf("logLevelForStatus(%d) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestLoggingMiddleware_LogLevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, `"level":"INFO"`},
		{http.StatusBadRequest, `"level":"WARN"`},
		{http.StatusInternalServerError, `"level":"ERROR"`},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			logs := captureLogs(t)
			middleware := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			middleware.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))

			if !strings.Contains(logs.String(), tt.level) {
				t.Errorf("expected %s, got: %s", tt.level, logs.String())
			}
		})
	}
}

func TestLoggingMiddleware_SnakeCaseFields(t *testing.T) {
	logs := captureLogs(t)

	router := chi.NewRouter()
	router.Use(chiMiddleware.RequestID)
	router.Use(LoggingMiddleware)
	router.Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "192.168.1.100:54321"
	router.ServeHTTP(httptest.NewRecorder(), req)

	var logEntry map[string]interface{}
	if err := json.Unmarshal(logs.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to parse log as JSON: %v", err)
	}

	for key := range logEntry {
		if strings.Contains(key, "-") || key != strings.ToLower(key) {
			t.Errorf("field %q is not snake_case", key)
		}
	}

	for _, field := range []string{"request_id", "method", "path", "status", "duration_ms", "remote_addr"} {
		if _, ok := logEntry[field]; !ok {
			t.Errorf("missing expected field: %s", field)
		}
	}
	if logEntry["remote_addr"] != "192.168.1.100:54321" {
		t.Errorf("remote_addr = %v", logEntry["remote_addr"])
	}
	if logEntry["msg"] != "request completed" {
		t.Errorf("msg = %v, want 'request completed'", logEntry["msg"])
	}
}

func TestRecoveryMiddleware_NoPanic(t *testing.T) {
	middleware := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))

	w := httptest.NewRecorder()
	middleware.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/places", nil))

	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("status = %d body = %q", w.Code, w.Body.String())
	}
}

func TestRecoveryMiddleware_PanicNoLeak(t *testing.T) {
	logs := captureLogs(t)

	secretMessage := "super-secret-database-password-12345"
	middleware := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(secretMessage)
	}))

	w := httptest.NewRecorder()
	middleware.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/places", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if strings.Contains(w.Body.String(), secretMessage) {
		t.Error("response body contains secret panic message - security violation!")
	}

	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if p.Type != "https://waypoint.dev/errors/internal-error" || p.Detail != "Internal Server Error" {
		t.Errorf("problem = %+v", p)
	}

	// Logs keep the detail for debugging
	if !strings.Contains(logs.String(), "panic recovered") || !strings.Contains(logs.String(), secretMessage) {
		t.Error("expected panic details in log output")
	}
}
