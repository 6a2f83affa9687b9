package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/csai/lab-shell/internal/metrics"
)

func TestMiddlewareAssignsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "info")
	reg := metrics.New()

	var seen string
	h := Middleware(logger, reg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusNotFound)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/6f1c/connect", nil))

	if seen == "" || rr.Header().Get("X-Request-ID") != seen {
		t.Fatalf("request id not propagated: ctx=%q header=%q", seen, rr.Header().Get("X-Request-ID"))
	}
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log is not json: %v: %s", err, buf.String())
	}
	if rec["msg"] != "http_request" || rec["status"] != float64(404) || rec["session_id"] != "6f1c" {
		t.Fatalf("unexpected log record %v", rec)
	}
	out := reg.RenderPrometheus()
	if !strings.Contains(out, `lab_shell_requests_by_path_total{path="/v1/sessions/{id}/connect"} 1`) {
		t.Fatalf("path label not normalised:\n%s", out)
	}
	if !strings.Contains(out, "lab_shell_request_errors_total 1") {
		t.Fatalf("error not counted:\n%s", out)
	}
}

func TestMiddlewareKeepsCallerRequestID(t *testing.T) {
	h := Middleware(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), metrics.New(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Header().Get("X-Request-ID") != "abc-123" {
		t.Fatalf("caller request id replaced: %q", rr.Header().Get("X-Request-ID"))
	}
}

func TestClassifyPath(t *testing.T) {
	cases := []struct {
		path, route, session string
	}{
		{"/v1/sessions", "/v1/sessions", ""},
		{"/v1/sessions/", "/v1/sessions/", ""},
		{"/v1/sessions/abc", "/v1/sessions/{id}", "abc"},
		{"/v1/sessions/abc/retry", "/v1/sessions/{id}/retry", "abc"},
		{"/v1/connections/ubuntu-ssh", "/v1/connections/ubuntu-ssh", ""},
	}
	for _, tc := range cases {
		route, session := classifyPath(tc.path)
		if route != tc.route || session != tc.session {
			t.Fatalf("classifyPath(%q) = %q, %q; want %q, %q", tc.path, route, session, tc.route, tc.session)
		}
	}
}
