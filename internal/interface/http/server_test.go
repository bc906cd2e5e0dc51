package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/application/eventhandler"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/application/orchestrator"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/application/session"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/persistence/memory"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/scheduler"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/interface/http/handlers"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
	Meta    *ResponseMeta   `json:"meta"`
}

type testServer struct {
	t       *testing.T
	handler http.Handler
	apiKey  string
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := memory.NewEventStore()
	inbox := eventhandler.NewInbox(10)
	monitor := eventhandler.NewErrorMonitor(logger)

	reg, err := session.NewRegistry(session.Config{
		Catalog:    training.DefaultCatalog(),
		Repository: memory.NewSnapshotRepository(),
		Consumers: []eventhandler.Registrar{
			eventhandler.NewAuditRecorder(events, logger),
			eventhandler.NewMilestoneNotifier(logger, inbox),
			monitor,
		},
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	health := handlers.NewCompositeHealthChecker("test")
	health.AddCheck("memory", func(context.Context) error { return nil })

	jobs := scheduler.New(scheduler.Config{Logger: logger})
	require.NoError(t, jobs.Register(scheduler.NewJob("session_sweep", func(ctx context.Context) error {
		reg.Sweep(ctx)
		return nil
	}), scheduler.Every(time.Minute)))

	cfg := DefaultConfig()
	cfg.RateLimitPerMinute = 0
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg, Dependencies{
		Registry:      reg,
		Inbox:         inbox,
		Events:        events,
		Monitor:       monitor,
		HealthChecker: health,
		Jobs:          jobs,
		Version:       "test",
		Logger:        logger,
	})
	require.NoError(t, err)
	return &testServer{t: t, handler: srv.Handler()}
}

func (ts *testServer) do(method, path, body string) (int, envelope) {
	ts.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if ts.apiKey != "" {
		req.Header.Set("X-API-Key", ts.apiKey)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(ts.t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func decodeResult(t *testing.T, env envelope) orchestrator.Result {
	t.Helper()
	var res orchestrator.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	return res
}

func TestNewServer_RequiresRegistry(t *testing.T) {
	_, err := NewServer(DefaultConfig(), Dependencies{})
	assert.Error(t, err)
}

func TestServer_SessionLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	code, env := ts.do(http.MethodPost, "/api/v1/sessions", `{"learner_id":"alice","session_id":"s1"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.True(t, decodeResult(t, env).Success)

	code, env = ts.do(http.MethodPost, "/api/v1/sessions", `{"learner_id":"alice","session_id":"s1"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_exists", env.Error.Code)

	code, env = ts.do(http.MethodPost, "/api/v1/sessions/s1/steps/discovery/start", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "illegal_transition", env.Error.Code)
	assert.Equal(t, orchestrator.ActionRenavigate, decodeResult(t, env).NextAction)

	code, _ = ts.do(http.MethodPost, "/api/v1/sessions/s1/steps/onboarding/progress", `{"percent":50,"minutes":3}`)
	assert.Equal(t, http.StatusOK, code)

	code, env = ts.do(http.MethodPost, "/api/v1/sessions/s1/steps/1/validate",
		`{"evidence":{"values":{"completion":100,"level_test_score":40}},"minutes":2}`)
	assert.Equal(t, http.StatusOK, code, "a failed checkpoint is a normal outcome")
	res := decodeResult(t, env)
	assert.False(t, res.Success)
	assert.Equal(t, orchestrator.ActionRetryValidation, res.NextAction)

	code, env = ts.do(http.MethodPost, "/api/v1/sessions/s1/steps/1/validate",
		`{"evidence":{"values":{"completion":100,"level_test_score":90}},"minutes":2}`)
	require.Equal(t, http.StatusOK, code)
	res = decodeResult(t, env)
	assert.True(t, res.Success)
	assert.Equal(t, orchestrator.ActionProceedNextStep, res.NextAction)

	code, _ = ts.do(http.MethodPost, "/api/v1/sessions/s1/advance", "")
	require.Equal(t, http.StatusOK, code)

	code, env = ts.do(http.MethodGet, "/api/v1/sessions/s1", "")
	require.Equal(t, http.StatusOK, code)
	var view orchestrator.StateView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, 2, view.Snapshot.CurrentStep)
	assert.Equal(t, []int{1}, view.Snapshot.CompletedSteps)
	assert.Equal(t, 7, view.Snapshot.TimeSpentTotal)

	for _, path := range []string{"navigation", "compliance", "report"} {
		code, _ = ts.do(http.MethodGet, "/api/v1/sessions/s1/"+path, "")
		assert.Equal(t, http.StatusOK, code, path)
	}

	code, env = ts.do(http.MethodGet, "/api/v1/sessions/s1/notifications", "")
	require.Equal(t, http.StatusOK, code)
	var notes []eventhandler.Notification
	require.NoError(t, json.Unmarshal(env.Data, &notes))
	assert.NotEmpty(t, notes)

	code, env = ts.do(http.MethodGet, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, env.Meta.TotalCount)

	code, _ = ts.do(http.MethodDelete, "/api/v1/sessions/s1", "")
	assert.Equal(t, http.StatusOK, code)

	code, env = ts.do(http.MethodGet, "/api/v1/sessions/s1", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", env.Error.Code)

	// the audit trail outlives the session
	code, env = ts.do(http.MethodGet, "/api/v1/sessions/s1/events?limit=500", "")
	require.Equal(t, http.StatusOK, code)
	assert.Greater(t, env.Meta.TotalCount, 5)

	code, env = ts.do(http.MethodGet, "/api/v1/errors", "")
	require.Equal(t, http.StatusOK, code)
	var stats eventhandler.ErrorStats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 1, stats.ByKind["illegal_transition"])
}

func TestServer_BadRequests(t *testing.T) {
	ts := newTestServer(t, nil)
	code, _ := ts.do(http.MethodPost, "/api/v1/sessions", `{"learner_id":"bob","session_id":"s2"}`)
	require.Equal(t, http.StatusCreated, code)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"empty learner", http.MethodPost, "/api/v1/sessions", `{}`, http.StatusBadRequest, "invalid_learner_id"},
		{"unknown field", http.MethodPost, "/api/v1/sessions", `{"learner":"x"}`, http.StatusBadRequest, "invalid_body"},
		{"unknown step", http.MethodPost, "/api/v1/sessions/s2/steps/nine/start", "", http.StatusBadRequest, "invalid_step"},
		{"unknown session", http.MethodPost, "/api/v1/sessions/nope/advance", "", http.StatusNotFound, "not_found"},
		{"negative minutes", http.MethodPost, "/api/v1/sessions/s2/steps/1/progress", `{"percent":10,"minutes":-1}`, http.StatusBadRequest, "invalid_input"},
		{"advance before completion", http.MethodPost, "/api/v1/sessions/s2/advance", "", http.StatusConflict, "illegal_transition"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := ts.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestServer_APIKey(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.APIKeys = []string{"k1"} })

	code, env := ts.do(http.MethodGet, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "missing_api_key", env.Error.Code)

	ts.apiKey = "k1"
	code, _ = ts.do(http.MethodGet, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusOK, code)

	ts.apiKey = ""
	code, _ = ts.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code, "health stays public")
}

func TestServer_HealthAndRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.RateLimitPerMinute = 2 })

	code, env := ts.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, code)
	var status handlers.HealthStatus
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.True(t, status.Healthy)
	assert.Contains(t, status.Checks, "memory")

	code, _ = ts.do(http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusOK, code)

	code, env = ts.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate_limit_exceeded", env.Error.Code)
}

func TestServer_Jobs(t *testing.T) {
	ts := newTestServer(t, nil)

	code, env := ts.do(http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, code)

	var jobs []scheduler.JobInfo
	require.NoError(t, json.Unmarshal(env.Data, &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "session_sweep", jobs[0].Name)
	assert.Equal(t, "@every 1m0s", jobs[0].Schedule)
	assert.True(t, jobs[0].Enabled)
}
