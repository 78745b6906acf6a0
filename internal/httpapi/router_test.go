package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_fanout/internal/auth"
	"llm_fanout/internal/config"
	"llm_fanout/internal/metrics"
	"llm_fanout/internal/models"
	"llm_fanout/internal/orchestrator"
	"llm_fanout/internal/providers"
	"llm_fanout/internal/queue"
	"llm_fanout/internal/storage"
)

var testJWT = config.JWTConfig{
	Secret:   []byte("router-test-secret"),
	Issuer:   "llm-fanout-test",
	TokenTTL: time.Hour,
}

type denyLimiter struct{}

func (denyLimiter) AllowWithDetails(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	return false, 0, time.Now().Add(time.Minute), nil
}

type testServer struct {
	server  *httptest.Server
	metrics *metrics.Prometheus
}

type serverOptions struct {
	limiter orchestrator.SubmissionLimiter
	health  HealthCheck
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()

	registry, err := providers.NewRegistry([]providers.Definition{
		{Key: "alpha", DisplayName: "Alpha", UpstreamModelID: "vendor/alpha-1"},
		{Key: "beta", DisplayName: "Beta", UpstreamModelID: "vendor/beta-1"},
	}, providers.RegistryOptions{MockMode: true, Getenv: func(string) string { return "" }})
	require.NoError(t, err)

	aggregates := storage.NewMemoryAggregateStore()
	caller := providers.NewCaller(registry, orchestrator.NewHistoryLookup(aggregates), providers.CallerConfig{})
	q := queue.NewMemoryQueue(queue.DefaultConfig("http-test"))
	prom := metrics.NewPrometheus()

	service, err := orchestrator.NewService(orchestrator.Dependencies{
		Aggregates:           aggregates,
		Projects:             storage.NewMemoryProjectStore(),
		Registry:             registry,
		Caller:               caller,
		Queue:                q,
		Metrics:              prom,
		StatsCache:           storage.NewLRUCache[models.StatsSummary](8, time.Minute),
		Limiter:              opts.limiter,
		SubmissionsPerMinute: 10,
	})
	require.NoError(t, err)

	cfg := queue.DefaultConfig("http-test")
	cfg.BatchTimeout = 20 * time.Millisecond
	dispatcher := orchestrator.NewDispatcher(service, queue.NewMemoryDeadLetterQueue(), cfg, orchestrator.DispatcherOptions{Workers: 1, MaxInFlight: 8})
	dispatcher.Start(context.Background())

	server := httptest.NewServer(NewRouter(Dependencies{
		Service:        service,
		JWT:            testJWT,
		Metrics:        prom,
		MetricsHandler: prom.Handler(),
		Health:         opts.health,
	}))

	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = dispatcher.Stop(ctx)
		_ = q.Close()
	})
	return &testServer{server: server, metrics: prom}
}

func tokenFor(t *testing.T, owner string) string {
	t.Helper()
	token, _, err := auth.IssueToken(owner, testJWT)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decodeAggregate(t *testing.T, data []byte) models.ResponseAggregate {
	t.Helper()
	var agg models.ResponseAggregate
	require.NoError(t, json.Unmarshal(data, &agg), string(data))
	return agg
}

func TestRouter_ResponseLifecycle(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	token := tokenFor(t, "owner-1")

	status, body := s.do(t, http.MethodPost, "/api/v1/responses", token, map[string]any{
		"prompt":   "Explain goroutines",
		"settings": map[string]any{"temperature": 0.2, "maxTokens": 128},
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	created := decodeAggregate(t, body)
	assert.Equal(t, models.StatusProcessing, created.OverallStatus)
	assert.Equal(t, 2, created.TotalCount)
	assert.Equal(t, 0.2, created.Settings.Temperature)

	var done models.ResponseAggregate
	require.Eventually(t, func() bool {
		status, body := s.do(t, http.MethodGet, "/api/v1/responses/"+created.ID, token, nil)
		if status != http.StatusOK {
			return false
		}
		done = decodeAggregate(t, body)
		return done.OverallStatus == models.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, done.CompletedCount)
	assert.Contains(t, done.Results["alpha"].ResponseText, "Explain goroutines")

	status, body = s.do(t, http.MethodPost, "/api/v1/responses/"+created.ID+"/retry", token, nil)
	assert.Equal(t, http.StatusBadRequest, status, string(body))

	status, body = s.do(t, http.MethodPatch, "/api/v1/responses/"+created.ID+"/results/alpha", token, map[string]string{"responseText": "edited"})
	require.Equal(t, http.StatusOK, status, string(body))
	edited := decodeAggregate(t, body)
	assert.True(t, edited.Results["alpha"].IsEdited)

	status, _ = s.do(t, http.MethodPatch, "/api/v1/responses/"+created.ID+"/results/gamma", token, map[string]string{"responseText": "x"})
	assert.Equal(t, http.StatusNotFound, status)

	status, body = s.do(t, http.MethodPost, "/api/v1/responses/"+created.ID+"/select", token, map[string]string{"provider": "alpha"})
	require.Equal(t, http.StatusOK, status, string(body))
	selected := decodeAggregate(t, body)
	require.NotNil(t, selected.SelectedProvider)
	assert.Equal(t, "alpha", *selected.SelectedProvider)
	assert.Len(t, selected.Results, 1)

	status, _ = s.do(t, http.MethodPost, "/api/v1/responses/"+created.ID+"/select", token, map[string]string{"provider": "beta"})
	assert.Equal(t, http.StatusBadRequest, status, "beta was dropped by the selection")

	status, body = s.do(t, http.MethodDelete, "/api/v1/responses/"+created.ID+"/select", token, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	cleared := decodeAggregate(t, body)
	assert.Nil(t, cleared.SelectedProvider)
	assert.Equal(t, []string{"alpha"}, cleared.RequestedProviders)

	status, body = s.do(t, http.MethodGet, "/api/v1/responses?limit=5", token, nil)
	require.Equal(t, http.StatusOK, status)
	var page ListResponse
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Equal(t, 1, page.TotalCount)
	assert.Equal(t, 5, page.Limit)
	require.Len(t, page.Items, 1)

	status, body = s.do(t, http.MethodGet, "/api/v1/responses/stats?provider=alpha", token, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var stats models.StatsSummary
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 1, stats.TotalRequests)
	require.Len(t, stats.Providers, 1)
	assert.Equal(t, "alpha", stats.Providers[0].ProviderKey)

	status, _ = s.do(t, http.MethodDelete, "/api/v1/responses/"+created.ID, token, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = s.do(t, http.MethodGet, "/api/v1/responses/"+created.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRouter_Validation(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	token := tokenFor(t, "owner-1")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"empty prompt", http.MethodPost, "/api/v1/responses", map[string]any{"prompt": ""}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/v1/responses", map[string]any{"prompt": "hi", "bogus": 1}, http.StatusBadRequest},
		{"temperature out of range", http.MethodPost, "/api/v1/responses", map[string]any{"prompt": "hi", "settings": map[string]any{"temperature": 3}}, http.StatusBadRequest},
		{"no providers", http.MethodPost, "/api/v1/responses", map[string]any{"prompt": "hi", "settings": map[string]any{"enabledModels": []string{"nope"}}}, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/v1/responses?limit=abc", nil, http.StatusBadRequest},
		{"bad status", http.MethodGet, "/api/v1/responses?status=done", nil, http.StatusBadRequest},
		{"bad from", http.MethodGet, "/api/v1/responses/stats?from=yesterday", nil, http.StatusBadRequest},
		{"missing aggregate", http.MethodGet, "/api/v1/responses/does-not-exist", nil, http.StatusNotFound},
		{"select without provider", http.MethodPost, "/api/v1/responses/x/select", map[string]any{}, http.StatusBadRequest},
		{"unknown route", http.MethodGet, "/api/v2/nothing", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := s.do(t, tt.method, tt.path, token, tt.body)
			assert.Equal(t, tt.want, status, string(body))

			var errBody map[string]string
			require.NoError(t, json.Unmarshal(body, &errBody))
			assert.NotEmpty(t, errBody["error"])
		})
	}
}

func TestRouter_AuthAndOwnership(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	status, _ := s.do(t, http.MethodGet, "/api/v1/responses", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.do(t, http.MethodGet, "/api/v1/responses", "forged.token.value", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := s.do(t, http.MethodPost, "/api/v1/responses", tokenFor(t, "owner-1"), map[string]any{"prompt": "mine"})
	require.Equal(t, http.StatusCreated, status, string(body))
	created := decodeAggregate(t, body)

	intruder := tokenFor(t, "owner-2")
	status, _ = s.do(t, http.MethodGet, "/api/v1/responses/"+created.ID, intruder, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = s.do(t, http.MethodDelete, "/api/v1/responses/"+created.ID, intruder, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRouter_RateLimited(t *testing.T) {
	s := newTestServer(t, serverOptions{limiter: denyLimiter{}})

	req, err := http.NewRequest(http.MethodPost, s.server.URL+"/api/v1/responses", strings.NewReader(`{"prompt":"hi"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, "owner-1"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}

func TestRouter_ProvidersHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	status, body := s.do(t, http.MethodGet, "/api/v1/providers", tokenFor(t, "owner-1"), nil)
	require.Equal(t, http.StatusOK, status)
	var list ProvidersResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Providers, 2)
	assert.Equal(t, "alpha", list.Providers[0].Key)
	assert.True(t, list.Providers[0].Enabled)
	assert.NotContains(t, string(body), "credential")

	status, body = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "ok")

	status, body = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "fanout_http_requests_total")
	assert.Contains(t, string(body), `route="/api/v1/providers"`)
}

func TestRouter_HealthUnavailable(t *testing.T) {
	s := newTestServer(t, serverOptions{health: func(ctx context.Context) error {
		return errors.New("database is down")
	}})

	status, body := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, string(body), "database is down")
}

func TestRouter_CORSPreflight(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	req, err := http.NewRequest(http.MethodOptions, s.server.URL+"/api/v1/responses", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	// browsers send the lowercase, comma-joined form
	req.Header.Set("Access-Control-Request-Headers", "authorization,content-type")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Less(t, resp.StatusCode, 300)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, strings.ToLower(resp.Header.Get("Access-Control-Allow-Headers")), "authorization")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{orchestrator.ErrValidation, http.StatusBadRequest},
		{orchestrator.ErrNoProvidersAvailable, http.StatusBadRequest},
		{orchestrator.ErrNothingToRetry, http.StatusBadRequest},
		{models.ErrInvalidSelection, http.StatusBadRequest},
		{models.ErrResultNotEditable, http.StatusBadRequest},
		{storage.ErrAggregateNotFound, http.StatusNotFound},
		{models.ErrResultNotFound, http.StatusNotFound},
		{orchestrator.ErrRateLimited, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
