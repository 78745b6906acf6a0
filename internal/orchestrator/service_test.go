package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_fanout/internal/models"
	"llm_fanout/internal/providers"
	"llm_fanout/internal/queue"
	"llm_fanout/internal/storage"
)

var testDefinitions = []providers.Definition{
	{Key: "alpha", DisplayName: "Alpha", UpstreamModelID: "vendor/alpha-1"},
	{Key: "beta", DisplayName: "Beta", UpstreamModelID: "vendor/beta-1"},
	{Key: "gamma", DisplayName: "Gamma", UpstreamModelID: "vendor/gamma-1"},
}

// scriptedCaller answers each provider from a per-key script. The n-th call
// to a key gets the n-th answer; the last answer repeats.
type scriptedCaller struct {
	mu      sync.Mutex
	scripts map[string][]answer
	calls   map[string]int
	opts    map[string]providers.CallOptions
}

type answer struct {
	text   string
	tokens int
	err    string
}

func newScriptedCaller(scripts map[string][]answer) *scriptedCaller {
	return &scriptedCaller{
		scripts: scripts,
		calls:   make(map[string]int),
		opts:    make(map[string]providers.CallOptions),
	}
}

func (c *scriptedCaller) Call(ctx context.Context, key, prompt string, opts providers.CallOptions) (models.ProviderResult, error) {
	c.mu.Lock()
	n := c.calls[key]
	c.calls[key] = n + 1
	c.opts[key] = opts
	script := c.scripts[key]
	c.mu.Unlock()

	now := time.Now().UTC()
	if len(script) == 0 {
		return models.ProviderResult{}, providers.ErrProviderNotFound
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	a := script[n]
	if a.err != "" {
		return models.NewErrorResult(key, "vendor/"+key, a.err, 5*time.Millisecond, now), nil
	}
	usage := models.TokenUsage{Prompt: 1, Completion: a.tokens - 1, Total: a.tokens}
	return models.NewSuccessResult(key, "vendor/"+key, a.text, usage, 5*time.Millisecond, 0.001, now), nil
}

func (c *scriptedCaller) callCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key]
}

func (c *scriptedCaller) lastOptions(key string) providers.CallOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts[key]
}

// countingMetrics records the finished aggregates it is told about.
type countingMetrics struct {
	mu       sync.Mutex
	finished map[string]int
	dispatch map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{finished: make(map[string]int), dispatch: make(map[string]int)}
}

func (m *countingMetrics) ObserveProviderCall(string, string, time.Duration, int) {}
func (m *countingMetrics) IncSubmission(string)                                  {}
func (m *countingMetrics) ObserveHTTPRequest(string, string, int, time.Duration) {}

func (m *countingMetrics) IncAggregateFinished(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[status]++
}

func (m *countingMetrics) IncDispatch(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatch[outcome]++
}

func (m *countingMetrics) finishedCount(status string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished[status]
}

func (m *countingMetrics) dispatchCount(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dispatch[outcome]
}

type fakeLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (l *fakeLimiter) AllowWithDetails(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	l.keys = append(l.keys, key)
	return l.allowed, 0, time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC), l.err
}

type testEnv struct {
	service    *Service
	aggregates *storage.MemoryAggregateStore
	projects   *storage.MemoryProjectStore
	queue      *queue.MemoryQueue
	caller     *scriptedCaller
	metrics    *countingMetrics
}

func newTestEnv(t *testing.T, scripts map[string][]answer) *testEnv {
	t.Helper()

	registry, err := providers.NewRegistry(testDefinitions, providers.RegistryOptions{
		MockMode: true,
		Getenv:   func(string) string { return "" },
	})
	require.NoError(t, err)

	env := &testEnv{
		aggregates: storage.NewMemoryAggregateStore(),
		projects:   storage.NewMemoryProjectStore(),
		queue:      queue.NewMemoryQueue(queue.DefaultConfig("test")),
		caller:     newScriptedCaller(scripts),
		metrics:    newCountingMetrics(),
	}
	t.Cleanup(func() { env.queue.Close() })

	env.service, err = NewService(Dependencies{
		Aggregates: env.aggregates,
		Projects:   env.projects,
		Registry:   registry,
		Caller:     env.caller,
		Queue:      env.queue,
		Metrics:    env.metrics,
		StatsCache: storage.NewLRUCache[models.StatsSummary](16, time.Minute),
	})
	require.NoError(t, err)
	return env
}

// drain runs every queued job synchronously, the way one dispatcher
// goroutine per job would.
func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	jobs, err := e.queue.DequeueWithTimeout(ctx, 100, 10*time.Millisecond)
	require.NoError(t, err)
	for _, job := range jobs {
		result := e.service.callProvider(ctx, job, false)
		if _, err := e.service.applyResult(ctx, job.AggregateID, result); err != nil && !isDiscarded(err) {
			t.Fatalf("apply %s: %v", job.ProviderKey, err)
		}
	}
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func TestNewService_RequiresCollaborators(t *testing.T) {
	_, err := NewService(Dependencies{})
	assert.Error(t, err)
}

func TestSubmit_ReturnsPendingSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	agg, err := env.service.Submit(ctx, SubmitRequest{Prompt: "  What is Go?  ", OwnerID: "owner-1"})
	require.NoError(t, err)

	assert.Equal(t, "What is Go?", agg.Prompt)
	assert.Equal(t, models.StatusProcessing, agg.OverallStatus)
	assert.Equal(t, 3, agg.TotalCount)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, agg.RequestedProviders)
	assert.Len(t, agg.Results, 3)
	for key, r := range agg.Results {
		assert.Equal(t, models.ResultPending, r.Status, key)
	}
	assert.Equal(t, DefaultTemperature, agg.Settings.Temperature)
	assert.Equal(t, DefaultMaxTokens, agg.Settings.MaxTokens)
	assert.NotEmpty(t, agg.ProjectID)

	length, err := env.queue.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, length)

	stored, err := env.service.Get(ctx, agg.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, agg.ID, stored.ID)

	// a second submission reuses the owner's default project
	again, err := env.service.Submit(ctx, SubmitRequest{Prompt: "again", OwnerID: "owner-1"})
	require.NoError(t, err)
	assert.Equal(t, agg.ProjectID, again.ProjectID)
}

func TestSubmit_EnabledModelsAndSettings(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	agg, err := env.service.Submit(ctx, SubmitRequest{
		Prompt:  "compare",
		OwnerID: "owner-1",
		Settings: SubmitSettings{
			Temperature:   floatPtr(0),
			MaxTokens:     intPtr(256),
			EnabledModels: []string{"gamma", "alpha", "unknown"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "gamma"}, agg.RequestedProviders)
	assert.Equal(t, 0.0, agg.Settings.Temperature)
	assert.Equal(t, 256, agg.Settings.MaxTokens)

	jobs, err := env.queue.DequeueWithTimeout(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		assert.Equal(t, agg.ID, job.AggregateID)
		assert.Equal(t, "owner-1", job.OwnerID)
		assert.Equal(t, 256, job.MaxTokens)
		assert.Equal(t, 0.0, job.Temperature)
	}
}

func TestSubmit_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	foreign := env.projects.AddProject("someone-else")

	tests := []struct {
		name    string
		req     SubmitRequest
		wantErr error
	}{
		{"empty prompt", SubmitRequest{Prompt: "   ", OwnerID: "o"}, ErrValidation},
		{"missing owner", SubmitRequest{Prompt: "hi"}, ErrValidation},
		{"prompt too long", SubmitRequest{Prompt: strings.Repeat("é", models.MaxPromptLength+1), OwnerID: "o"}, ErrValidation},
		{"temperature too high", SubmitRequest{Prompt: "hi", OwnerID: "o", Settings: SubmitSettings{Temperature: floatPtr(2.5)}}, ErrValidation},
		{"temperature negative", SubmitRequest{Prompt: "hi", OwnerID: "o", Settings: SubmitSettings{Temperature: floatPtr(-0.1)}}, ErrValidation},
		{"max tokens zero", SubmitRequest{Prompt: "hi", OwnerID: "o", Settings: SubmitSettings{MaxTokens: intPtr(0)}}, ErrValidation},
		{"max tokens too high", SubmitRequest{Prompt: "hi", OwnerID: "o", Settings: SubmitSettings{MaxTokens: intPtr(MaxTokensLimit + 1)}}, ErrValidation},
		{"no matching providers", SubmitRequest{Prompt: "hi", OwnerID: "o", Settings: SubmitSettings{EnabledModels: []string{"nope"}}}, ErrNoProvidersAvailable},
		{"foreign project", SubmitRequest{Prompt: "hi", OwnerID: "o", ProjectID: foreign}, ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg, err := env.service.Submit(context.Background(), tt.req)
			assert.Nil(t, agg)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	length, err := env.queue.Length(context.Background())
	require.NoError(t, err)
	assert.Zero(t, length, "rejected submissions must not enqueue jobs")
}

func TestSubmit_PromptAtLimitAccepted(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.service.Submit(context.Background(), SubmitRequest{
		Prompt:  strings.Repeat("a", models.MaxPromptLength),
		OwnerID: "o",
	})
	assert.NoError(t, err)
}

func TestSubmit_EnqueueFailureRecordsErrorResults(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.queue.Close())

	agg, err := env.service.Submit(context.Background(), SubmitRequest{Prompt: "hi", OwnerID: "owner-1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, agg.OverallStatus, "snapshot is taken before scheduling")

	stored, err := env.service.Get(context.Background(), agg.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.OverallStatus)
	assert.Equal(t, 3, stored.FailedCount)
	for _, r := range stored.Results {
		assert.Equal(t, models.ResultError, r.Status)
		assert.Contains(t, r.ErrorMessage, "queue is closed")
		assert.Empty(t, r.ResponseText)
	}
	assert.Equal(t, 1, env.metrics.finishedCount("failed"))
}

func TestSubmit_RateLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	limiter := &fakeLimiter{allowed: false}
	env.service.limiter = limiter
	env.service.rateLimit = 5

	_, err := env.service.Submit(context.Background(), SubmitRequest{Prompt: "hi", OwnerID: "owner-1"})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, []string{"submit:owner-1"}, limiter.keys)

	// an unreachable limiter lets submissions through
	limiter.err = errors.New("redis: connection refused")
	_, err = env.service.Submit(context.Background(), SubmitRequest{Prompt: "hi", OwnerID: "owner-1"})
	assert.NoError(t, err)
}

func TestScenario_AlphaSucceedsBetaFails(t *testing.T) {
	env := newTestEnv(t, map[string][]answer{
		"alpha": {{text: "A", tokens: 10}},
		"beta":  {{err: "timeout"}, {text: "B", tokens: 7}},
	})
	ctx := context.Background()

	agg, err := env.service.Submit(ctx, SubmitRequest{
		Prompt:   "Q",
		OwnerID:  "owner-1",
		Settings: SubmitSettings{EnabledModels: []string{"alpha", "beta"}},
	})
	require.NoError(t, err)
	env.drain(t)

	got, err := env.service.Get(ctx, agg.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, got.OverallStatus)
	assert.Equal(t, 1, got.CompletedCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, 10, got.TotalTokensUsed)
	assert.Equal(t, "A", got.Results["alpha"].ResponseText)
	assert.Equal(t, "timeout", got.Results["beta"].ErrorMessage)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, 1, env.metrics.finishedCount("partial"))

	// retry only re-runs beta
	retried, err := env.service.RetryFailed(ctx, agg.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, retried.OverallStatus)
	assert.Equal(t, 2, retried.CompletedCount)
	assert.Equal(t, 17, retried.TotalTokensUsed)
	assert.Equal(t, *got.EndedAt, *retried.EndedAt, "endedAt is never reset")
	assert.Equal(t, 1, env.caller.callCount("alpha"))
	assert.Equal(t, 2, env.caller.callCount("beta"))

	_, err = env.service.RetryFailed(ctx, agg.ID, "owner-1")
	assert.ErrorIs(t, err, ErrNothingToRetry)

	selected, err := env.service.SelectPreferred(ctx, agg.ID, "owner-1", "beta")
	require.NoError(t, err)
	require.NotNil(t, selected.SelectedProvider)
	assert.Equal(t, "beta", *selected.SelectedProvider)
	assert.Equal(t, []string{"beta"}, selected.Results.Keys())
	assert.Equal(t, 1, selected.TotalCount)
	assert.Equal(t, 7, selected.TotalTokensUsed)

	defaults, ok := env.projects.DefaultModels(agg.ProjectID)
	require.True(t, ok)
	assert.Equal(t, []string{"beta"}, defaults)

	cleared, err := env.service.ClearSelection(ctx, agg.ID, "owner-1")
	require.NoError(t, err)
	assert.Nil(t, cleared.SelectedProvider)
	assert.Equal(t, []string{"beta"}, cleared.RequestedProviders)
	assert.Equal(t, []string{"beta"}, cleared.Results.Keys(), "removed results are not restored")
}

func TestRetryFailed_OnlyFailedSubset(t *testing.T) {
	env := newTestEnv(t, map[string][]answer{
		"alpha": {{err: "boom"}},
		"beta":  {{err: "boom"}, {text: "B", tokens: 3}},
		"gamma": {{text: "C", tokens: 4}},
	})
	ctx := context.Background()

	agg, err := env.service.Submit(ctx, SubmitRequest{Prompt: "Q", OwnerID: "o"})
	require.NoError(t, err)
	env.drain(t)

	retried, err := env.service.RetryFailed(ctx, agg.ID, "o")
	require.NoError(t, err)

	assert.Equal(t, 2, env.caller.callCount("alpha"))
	assert.Equal(t, 2, env.caller.callCount("beta"))
	assert.Equal(t, 1, env.caller.callCount("gamma"))
	assert.Equal(t, models.StatusPartial, retried.OverallStatus)
	assert.Equal(t, models.ResultError, retried.Results["alpha"].Status)
	assert.Equal(t, models.ResultSuccess, retried.Results["beta"].Status)
	assert.Equal(t, 7, retried.TotalTokensUsed)
}

func TestRetryFailed_NothingToRetry(t *testing.T) {
	env := newTestEnv(t, nil)
	agg, err := env.service.Submit(context.Background(), SubmitRequest{Prompt: "Q", OwnerID: "o"})
	require.NoError(t, err)

	_, err = env.service.RetryFailed(context.Background(), agg.ID, "o")
	assert.ErrorIs(t, err, ErrNothingToRetry, "pending results are not retried")
}

// slowCaller answers after delay unless its context ends first.
type slowCaller struct {
	delay time.Duration
}

func (c slowCaller) Call(ctx context.Context, key, prompt string, opts providers.CallOptions) (models.ProviderResult, error) {
	select {
	case <-time.After(c.delay):
		return models.NewSuccessResult(key, key+"-model", "late "+key, models.TokenUsage{Total: 5}, c.delay, 0, time.Now().UTC()), nil
	case <-ctx.Done():
		return models.NewErrorResult(key, key+"-model", "interrupted: "+ctx.Err().Error(), 0, time.Now().UTC()), nil
	}
}

func TestRetryFailed_OutlivesCancelledRequest(t *testing.T) {
	env := newTestEnv(t, map[string][]answer{
		"alpha": {{text: "A", tokens: 1}},
		"beta":  {{err: "down"}},
	})

	agg, err := env.service.Submit(context.Background(), SubmitRequest{
		Prompt:   "Q",
		OwnerID:  "o",
		Settings: SubmitSettings{EnabledModels: []string{"alpha", "beta"}},
	})
	require.NoError(t, err)
	env.drain(t)

	env.service.caller = slowCaller{delay: 200 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(30*time.Millisecond, cancel)
	defer timer.Stop()

	retried, err := env.service.RetryFailed(ctx, agg.ID, "o")
	require.NoError(t, err)
	require.Error(t, ctx.Err(), "request context was cancelled mid-call")

	assert.Equal(t, models.ResultSuccess, retried.Results["beta"].Status)
	assert.Equal(t, "late beta", retried.Results["beta"].ResponseText)
	assert.Equal(t, models.StatusCompleted, retried.OverallStatus)
}

func TestSelectPreferred_InvalidLeavesAggregateUnchanged(t *testing.T) {
	env := newTestEnv(t, map[string][]answer{
		"alpha": {{text: "A", tokens: 10}},
		"beta":  {{err: "down"}},
		"gamma": {{text: "C", tokens: 2}},
	})
	ctx := context.Background()

	agg, err := env.service.Submit(ctx, SubmitRequest{Prompt: "Q", OwnerID: "o"})
	require.NoError(t, err)
	env.drain(t)

	before, err := env.service.Get(ctx, agg.ID, "o")
	require.NoError(t, err)

	for _, key := range []string{"beta", "missing"} {
		_, err := env.service.SelectPreferred(ctx, agg.ID, "o", key)
		assert.ErrorIs(t, err, models.ErrInvalidSelection, key)
	}

	after, err := env.service.Get(ctx, agg.ID, "o")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	defaults, _ := env.projects.DefaultModels(agg.ProjectID)
	assert.Empty(t, defaults)
}

func TestOwnership(t *testing.T) {
	env := newTestEnv(t, map[string][]answer{"alpha": {{text: "A", tokens: 1}}})
	ctx := context.Background()

	agg, err := env.service.Submit(ctx, SubmitRequest{Prompt: "Q", OwnerID: "owner-1"})
	require.NoError(t, err)

	_, err = env.service.Get(ctx, agg.ID, "intruder")
	assert.ErrorIs(t, err, storage.ErrAggregateNotFound)
	_, err = env.service.RetryFailed(ctx, agg.ID, "intruder")
	assert.ErrorIs(t, err, storage.ErrAggregateNotFound)
	_, err = env.service.SelectPreferred(ctx, agg.ID, "intruder", "alpha")
	assert.ErrorIs(t, err, storage.ErrAggregateNotFound)
	_, err = env.service.ClearSelection(ctx, agg.ID, "intruder")
	assert.ErrorIs(t, err, storage.ErrAggregateNotFound)
	_, err = env.service.EditResult(ctx, agg.ID, "intruder", "alpha", "x")
	assert.ErrorIs(t, err, storage.ErrAggregateNotFound)
	assert.ErrorIs(t, env.service.Delete(ctx, agg.ID, "intruder"), storage.ErrAggregateNotFound)

	page, err := env.service.List(ctx, "intruder", storage.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, page.Aggregates)

	require.NoError(t, env.service.Delete(ctx, agg.ID, "owner-1"))
	_, err = env.service.Get(ctx, agg.ID, "owner-1")
	assert.ErrorIs(t, err, storage.ErrAggregateNotFound)

	// jobs of a deleted aggregate are discarded
	env.drain(t)
}

func TestEditResult(t *testing.T) {
	env := newTestEnv(t, map[string][]answer{
		"alpha": {{text: "A", tokens: 1}},
		"beta":  {{err: "down"}},
	})
	ctx := context.Background()

	agg, err := env.service.Submit(ctx, SubmitRequest{
		Prompt:   "Q",
		OwnerID:  "o",
		Settings: SubmitSettings{EnabledModels: []string{"alpha", "beta"}},
	})
	require.NoError(t, err)
	env.drain(t)

	edited, err := env.service.EditResult(ctx, agg.ID, "o", "alpha", "A, polished")
	require.NoError(t, err)
	assert.Equal(t, "A, polished", edited.Results["alpha"].ResponseText)
	assert.True(t, edited.Results["alpha"].IsEdited)

	_, err = env.service.EditResult(ctx, agg.ID, "o", "beta", "x")
	assert.ErrorIs(t, err, models.ErrResultNotEditable)
	_, err = env.service.EditResult(ctx, agg.ID, "o", "gamma", "x")
	assert.ErrorIs(t, err, models.ErrResultNotFound)
	_, err = env.service.EditResult(ctx, agg.ID, "o", "alpha", "  ")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestList_Paging(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.service.Submit(ctx, SubmitRequest{Prompt: "Q", OwnerID: "o"})
		require.NoError(t, err)
	}

	page, err := env.service.List(ctx, "o", storage.ListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Aggregates, 2)
	assert.Equal(t, 3, page.TotalCount)

	_, err = env.service.List(ctx, "o", storage.ListFilter{Status: "bogus"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = env.service.List(ctx, "o", storage.ListFilter{Offset: -1})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetStats_CachedAndInvalidated(t *testing.T) {
	env := newTestEnv(t, map[string][]answer{
		"alpha": {{text: "A", tokens: 10}},
		"beta":  {{err: "down"}},
		"gamma": {{text: "C", tokens: 5}},
	})
	ctx := context.Background()

	_, err := env.service.Submit(ctx, SubmitRequest{Prompt: "Q", OwnerID: "o"})
	require.NoError(t, err)
	env.drain(t)

	stats, err := env.service.GetStats(ctx, "o", models.StatsFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalRequests)
	assert.Equal(t, 1, stats.ByStatus[models.StatusPartial])
	assert.Equal(t, 15, stats.TotalTokens)
	require.Len(t, stats.Providers, 3)
	assert.Equal(t, 1, env.service.stats.Len())

	alphaOnly, err := env.service.GetStats(ctx, "o", models.StatsFilter{ProviderKey: "alpha"})
	require.NoError(t, err)
	assert.Equal(t, 10, alphaOnly.TotalTokens)
	assert.Equal(t, 2, env.service.stats.Len())

	_, err = env.service.Submit(ctx, SubmitRequest{Prompt: "Q2", OwnerID: "o"})
	require.NoError(t, err)
	assert.Zero(t, env.service.stats.Len(), "submissions invalidate the owner's cached stats")

	stats, err = env.service.GetStats(ctx, "o", models.StatsFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalRequests)

	from := time.Now().Add(time.Hour)
	to := time.Now()
	_, err = env.service.GetStats(ctx, "o", models.StatsFilter{From: &from, To: &to})
	assert.ErrorIs(t, err, ErrValidation)
}

// pagingStore records the page sizes GetStats asks for.
type pagingStore struct {
	*storage.MemoryAggregateStore
	mu     sync.Mutex
	limits []int
}

func (s *pagingStore) List(ctx context.Context, ownerID string, filter storage.ListFilter) (*storage.ListResult, error) {
	s.mu.Lock()
	s.limits = append(s.limits, filter.Limit)
	s.mu.Unlock()
	return s.MemoryAggregateStore.List(ctx, ownerID, filter)
}

func TestGetStats_ScansInBoundedPages(t *testing.T) {
	env := newTestEnv(t, map[string][]answer{
		"alpha": {{text: "A", tokens: 2}},
		"beta":  {{text: "B", tokens: 3}},
		"gamma": {{err: "down"}},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := env.service.Submit(ctx, SubmitRequest{Prompt: "Q", OwnerID: "o"})
		require.NoError(t, err)
	}
	env.drain(t)

	store := &pagingStore{MemoryAggregateStore: env.aggregates}
	env.service.aggregates = store
	env.service.statsPageSize = 2

	stats, err := env.service.GetStats(ctx, "o", models.StatsFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalRequests)
	assert.Equal(t, 5, stats.ByStatus[models.StatusPartial])
	assert.Equal(t, 25, stats.TotalTokens)
	require.Len(t, stats.Providers, 3)
	for _, p := range stats.Providers {
		assert.Equal(t, 5, p.Requests, p.ProviderKey)
	}

	assert.Equal(t, []int{2, 2, 2}, store.limits, "five aggregates in pages of two")
}

func TestCallProvider_CallerErrorBecomesErrorResult(t *testing.T) {
	env := newTestEnv(t, nil)
	job := queue.NewProviderJob("agg-1", "o", "alpha", "Q")
	job.PriorResponseID = "prev-1"

	result := env.service.callProvider(context.Background(), job, false)
	assert.Equal(t, models.ResultError, result.Status)
	assert.Equal(t, "alpha", result.ProviderKey)
	assert.Equal(t, "vendor/alpha-1", result.UpstreamModelID)
	assert.NotEmpty(t, result.ErrorMessage)
	assert.Equal(t, "prev-1", env.caller.lastOptions("alpha").PriorResponseID)
	assert.Equal(t, "o", env.caller.lastOptions("alpha").OwnerID)
}
