package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func serve(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, Report) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var report Report
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	return w, report
}

func TestHandler_Report(t *testing.T) {
	tests := []struct {
		name     string
		checkers map[string]Checker
		code     int
		status   Status
	}{
		{
			name:     "all healthy",
			checkers: map[string]Checker{"sequence": Critical("sequence", ok), "records": Critical("records", ok)},
			code:     http.StatusOK,
			status:   StatusHealthy,
		},
		{
			name:     "optional failure degrades",
			checkers: map[string]Checker{"records": Critical("records", ok), "events": Optional("events", failWith("broker unreachable"))},
			code:     http.StatusOK,
			status:   StatusDegraded,
		},
		{
			name:     "critical failure wins over degraded",
			checkers: map[string]Checker{"records": Critical("records", failWith("database unavailable")), "smtp": Optional("smtp", failWith("smtp unavailable"))},
			code:     http.StatusServiceUnavailable,
			status:   StatusUnhealthy,
		},
		{
			name:   "no checks",
			code:   http.StatusOK,
			status: StatusHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler("v1.0.0")
			for name, c := range tt.checkers {
				h.RegisterChecker(name, c)
			}

			w, report := serve(t, h, "/healthz")
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Equal(t, tt.status, report.Status)
			assert.Equal(t, "v1.0.0", report.Version)
			assert.Len(t, report.Checks, len(tt.checkers))
		})
	}
}

func TestHandler_KeysChecksByRegisteredName(t *testing.T) {
	h := NewHandler("v1")
	h.RegisterChecker("storage", Critical("postgres", failWith("connection refused")))
	h.RegisterChecker("smtp", Optional("smtp", failWith("auth failed")))

	report := h.Run(context.Background())
	require.Contains(t, report.Checks, "storage")
	assert.Equal(t, "postgres", report.Checks["storage"].Name)
	assert.Equal(t, "connection refused", report.Checks["storage"].Message)
	assert.Equal(t, StatusDegraded, report.Checks["smtp"].Status)
}

func TestHandler_CheckTimeout(t *testing.T) {
	h := NewHandler("v1", WithCheckTimeout(20*time.Millisecond))
	h.RegisterChecker("slow", Critical("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	started := time.Now()
	report := h.Run(context.Background())
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), report.Checks["slow"].Message)
}

func TestProbes(t *testing.T) {
	w := httptest.NewRecorder()
	LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	ready := NewHandler("v1")
	ready.RegisterChecker("sequence", Critical("sequence", ok))
	ready.RegisterChecker("archive", Optional("archive", failWith("bucket missing")))
	w = httptest.NewRecorder()
	ready.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", w.Body.String())

	notReady := NewHandler("v1")
	notReady.RegisterChecker("sequence", Critical("sequence", failWith("redis down")))
	w = httptest.NewRecorder()
	notReady.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not ready", w.Body.String())
}
