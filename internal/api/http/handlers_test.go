package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alembic/alembic/internal/aggregate"
	alerrors "github.com/alembic/alembic/internal/errors"
	"github.com/alembic/alembic/internal/query"
	"github.com/alembic/alembic/pkg/types"
)

type fakeIngester struct {
	err      error
	payloads [][]byte
}

func (f *fakeIngester) Handle(_ context.Context, payload []byte) (types.EventID, error) {
	if f.err != nil {
		return types.EventID{}, f.err
	}
	f.payloads = append(f.payloads, payload)
	return types.NewIDGenerator().Next()
}

type fakeInsights struct {
	ins *query.Insights
	err error
}

func (f *fakeInsights) GetInsights(context.Context) (*query.Insights, error) {
	return f.ins, f.err
}

type fakeScheduler struct {
	running  bool
	requests int
}

func (f *fakeScheduler) Request() bool {
	if f.running {
		f.requests++
	}
	return f.running
}

func (f *fakeScheduler) Status() aggregate.Status {
	return aggregate.Status{Running: f.running, Runs: 4, Failures: 1, EfficiencyRows: 9}
}

func newTestRouter(ing Ingester, ins InsightsReader, sched Scheduler, burst int) http.Handler {
	return NewRouter(RouterConfig{
		MaxBodyBytes: 16 * 1024,
		RatePeriod:   time.Hour,
		RateBurst:    burst,
	}, Handlers{
		Ingest:   NewIngestHandler(ing),
		Insights: NewInsightsHandler(ins),
		Trigger:  NewTriggerHandler(sched),
		Status:   NewStatusHandler(sched),
	})
}

func do(h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIngest_Accepted(t *testing.T) {
	ing := &fakeIngester{}
	h := newTestRouter(ing, &fakeInsights{}, &fakeScheduler{}, 100)

	rec := do(h, http.MethodPost, "/v1/event", `{"app_version":"1.0","event_type":"job_started"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%s)", rec.Code, rec.Body)
	}
	var resp IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if len(resp.ID) != 26 || resp.RequestID == "" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if rec.Header().Get("X-Request-ID") != resp.RequestID {
		t.Error("request id header and body disagree")
	}
	if len(ing.payloads) != 1 {
		t.Errorf("ingester called %d times", len(ing.payloads))
	}
}

func TestIngest_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", alerrors.NewValidationError(alerrors.CodeMalformedPayload, "invalid JSON"), http.StatusBadRequest},
		{"missing field", alerrors.NewValidationError(alerrors.CodeMissingField, "app_version is required"), http.StatusBadRequest},
		{"store", alerrors.NewStoreError(alerrors.CodeAppendFailed, "failed to append event", errors.New("disk I/O error at /var/lib/alembic.db")), http.StatusInternalServerError},
		{"busy", alerrors.NewStoreError(alerrors.CodeStoreBusy, "failed to append event", errors.New("database is locked")), http.StatusServiceUnavailable},
		{"plain", errors.New("secret detail"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(&fakeIngester{err: tt.err}, &fakeInsights{}, &fakeScheduler{}, 100)
			rec := do(h, http.MethodPost, "/v1/event", `{}`)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			body := rec.Body.String()
			if strings.Contains(body, "disk I/O") || strings.Contains(body, "secret") || strings.Contains(body, "locked") {
				t.Errorf("internal detail leaked: %s", body)
			}
		})
	}
}

func TestIngest_BodyTooLarge(t *testing.T) {
	ing := &fakeIngester{}
	h := newTestRouter(ing, &fakeInsights{}, &fakeScheduler{}, 100)

	big := `{"app_version":"` + strings.Repeat("a", 17*1024) + `","event_type":"job_started"}`
	rec := do(h, http.MethodPost, "/v1/event", big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
	if len(ing.payloads) != 0 {
		t.Error("oversized body must not reach the ingester")
	}
}

func TestIngest_MethodNotAllowed(t *testing.T) {
	h := newTestRouter(&fakeIngester{}, &fakeInsights{}, &fakeScheduler{}, 100)
	if rec := do(h, http.MethodGet, "/v1/event", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestInsights_ETag(t *testing.T) {
	ins := &query.Insights{
		Schema:      query.SchemaVersion,
		Coverage:    query.CoverageView{TotalJobs: 2, UniqueHardware: 1},
		Leaderboard: []query.LeaderboardEntry{},
		Stability:   []query.StabilityEntry{},
	}
	h := newTestRouter(&fakeIngester{}, &fakeInsights{ins: ins}, &fakeScheduler{}, 100)

	rec := do(h, http.MethodGet, "/api/v1/stats/insights", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	want := `{"schema":1,"coverage":{"total_jobs":2,"unique_hardware":1},"leaderboard":[],"stability":[]}`
	if rec.Body.String() != want {
		t.Errorf("body = %s\nwant %s", rec.Body, want)
	}
	etag := rec.Header().Get("ETag")
	if etag != ETag([]byte(want)) {
		t.Errorf("etag = %s, want %s", etag, ETag([]byte(want)))
	}

	rec = do(h, http.MethodGet, "/api/v1/stats/insights", "", "If-None-Match", etag)
	if rec.Code != http.StatusNotModified {
		t.Errorf("status = %d, want 304", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Error("304 must not carry a body")
	}

	rec = do(h, http.MethodGet, "/api/v1/stats/insights", "", "If-None-Match", `"stale"`)
	if rec.Code != http.StatusOK {
		t.Errorf("stale etag status = %d, want 200", rec.Code)
	}
}

func TestInsights_StoreErrorIsGeneric(t *testing.T) {
	err := alerrors.NewStoreError(alerrors.CodeReadFailed, "failed to read efficiency stats", errors.New("no such table: efficiency_stats"))
	h := newTestRouter(&fakeIngester{}, &fakeInsights{err: err}, &fakeScheduler{}, 100)

	rec := do(h, http.MethodGet, "/api/v1/stats/insights", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "no such table") {
		t.Errorf("internal detail leaked: %s", rec.Body)
	}
}

func TestRateLimit(t *testing.T) {
	h := newTestRouter(&fakeIngester{}, &fakeInsights{ins: &query.Insights{}}, &fakeScheduler{}, 2)

	for i := 0; i < 2; i++ {
		if rec := do(h, http.MethodGet, "/api/v1/stats/insights", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}
	rec := do(h, http.MethodGet, "/api/v1/stats/insights", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	// Health is never limited.
	if rec := do(h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter(time.Hour, 1)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("first request should pass")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("second request from same client should be limited")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("other clients have their own bucket")
	}
}

func TestHealth(t *testing.T) {
	h := newTestRouter(&fakeIngester{}, &fakeInsights{}, &fakeScheduler{}, 1)
	rec := do(h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Status != "healthy" {
		t.Errorf("unexpected health response: %s", rec.Body)
	}
}

func TestCORS(t *testing.T) {
	h := newTestRouter(&fakeIngester{}, &fakeInsights{}, &fakeScheduler{}, 100)

	rec := do(h, http.MethodOptions, "/v1/event", "",
		"Origin", "https://example.org",
		"Access-Control-Request-Method", "POST")
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing permissive CORS header")
	}
}

func TestAggregationEndpoints(t *testing.T) {
	sched := &fakeScheduler{running: true}
	h := newTestRouter(&fakeIngester{}, &fakeInsights{}, sched, 100)

	if rec := do(h, http.MethodPost, "/v1/aggregation/trigger", ""); rec.Code != http.StatusAccepted {
		t.Errorf("trigger status = %d, want 202", rec.Code)
	}
	if sched.requests != 1 {
		t.Errorf("requests = %d, want 1", sched.requests)
	}

	rec := do(h, http.MethodGet, "/v1/aggregation/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status status = %d, want 200", rec.Code)
	}
	var st aggregate.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("invalid status body: %v", err)
	}
	if !st.Running || st.Runs != 4 || st.EfficiencyRows != 9 {
		t.Errorf("unexpected status: %+v", st)
	}

	sched.running = false
	if rec := do(h, http.MethodPost, "/v1/aggregation/trigger", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("trigger while stopped = %d, want 503", rec.Code)
	}
}

func TestRecovery(t *testing.T) {
	h := DefaultMiddleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := do(h, http.MethodGet, "/", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestCorrelationID_DefaultsToRequestID(t *testing.T) {
	h := newTestRouter(&fakeIngester{}, &fakeInsights{}, &fakeScheduler{}, 100)

	rec := do(h, http.MethodGet, "/health", "", "X-Request-ID", "req-1")
	if got := rec.Header().Get("X-Correlation-ID"); got != "req-1" {
		t.Errorf("correlation id = %q, want request id", got)
	}

	rec = do(h, http.MethodGet, "/health", "", "X-Correlation-ID", "flow-7")
	if got := rec.Header().Get("X-Correlation-ID"); got != "flow-7" {
		t.Errorf("correlation id = %q, want flow-7", got)
	}
}
