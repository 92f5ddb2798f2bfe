package util

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientIP(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8", "192.168.1.10"})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		trusted    *TrustedProxies
		want       string
	}{
		{name: "untrusted peer ignores header", remoteAddr: "198.51.100.10:1234", xff: "203.0.113.5", want: "198.51.100.10"},
		{name: "trusted peer reads header", remoteAddr: "10.0.0.20:1234", xff: "203.0.113.5", trusted: trusted, want: "203.0.113.5"},
		{name: "rightmost untrusted hop", remoteAddr: "10.0.0.20:1234", xff: "203.0.113.5, 10.0.0.10", trusted: trusted, want: "203.0.113.5"},
		{name: "garbage header falls back to peer", remoteAddr: "192.168.1.10:80", xff: "invalid", trusted: trusted, want: "192.168.1.10"},
		{name: "all trusted returns leftmost", remoteAddr: "10.0.0.20:1234", xff: "10.0.0.5, 10.0.0.10", trusted: trusted, want: "10.0.0.5"},
		{name: "mapped ipv4 peer", remoteAddr: "[::ffff:198.51.100.7]:99", want: "198.51.100.7"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if got := ClientIP(req, tc.trusted); got != tc.want {
				t.Fatalf("client ip = %q, want %q", got, tc.want)
			}
		})
	}

	if _, err := NewTrustedProxies([]string{"bad-cidr/8"}); err == nil {
		t.Fatalf("expected parse error for invalid entry")
	}
	if tp, err := NewTrustedProxies([]string{" "}); err != nil || tp != nil {
		t.Fatalf("blank entries should mean trust none: %v %v", tp, err)
	}
}

func TestWithRequestIDPropagatesAndLogs(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	initLogger(&buf, "test", "info")
	t.Cleanup(func() { slog.SetDefault(prev) })

	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := RequestIDFromContext(r.Context()); got != "req-123" {
			t.Errorf("request id in context = %q", got)
		}
		w.WriteHeader(http.StatusTeapot)
	}), WithRequestID, WithAccessLog)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "req-123" {
		t.Fatalf("response request id = %q", got)
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("access log is not one JSON line: %v: %s", err, buf.String())
	}
	if line["request_id"] != "req-123" || line["service"] != "test" || line["status"] != float64(http.StatusTeapot) {
		t.Fatalf("unexpected access log: %v", line)
	}
}

func TestWithRequestIDGeneratesWhenMissing(t *testing.T) {
	var seen string
	handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rec.Header().Get("X-Request-Id") != seen {
		t.Fatalf("generated id mismatch: ctx=%q header=%q", seen, rec.Header().Get("X-Request-Id"))
	}
}

func TestLoggerFromContextDefaults(t *testing.T) {
	if LoggerFromContext(context.Background()) != slog.Default() {
		t.Fatalf("expected default logger")
	}
	custom := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if LoggerFromContext(ContextWithLogger(context.Background(), custom)) != custom {
		t.Fatalf("expected stored logger")
	}
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := Chain(next, WithCORS([]string{"http://localhost:3000"}), WithSecurityHeaders)

	preflight := httptest.NewRequest(http.MethodOptions, "/api/books", nil)
	preflight.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, preflight)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("unexpected preflight: %d %v", rec.Code, rec.Header())
	}

	other := httptest.NewRequest(http.MethodGet, "/api/books", nil)
	other.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unlisted origin must not be allowed")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get("Strict-Transport-Security") != "" {
		t.Fatalf("unexpected security headers: %v", rec.Header())
	}
	if !strings.Contains(rec.Header().Get("Cache-Control"), "no-store") {
		t.Fatalf("expected no-store")
	}
}

func TestNewIDIsHex(t *testing.T) {
	a, b := NewID(), NewID()
	if len(a) != 24 || a == b {
		t.Fatalf("unexpected ids %q %q", a, b)
	}
}
