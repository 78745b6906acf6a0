package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"llm_fanout/internal/logging"
	"llm_fanout/internal/metrics"
	"llm_fanout/internal/models"
	"llm_fanout/internal/providers"
	"llm_fanout/internal/queue"
	"llm_fanout/internal/storage"
	"llm_fanout/internal/utils"
)

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
	MaxTemperature     = 2.0
	MaxTokensLimit     = 32000

	DefaultListLimit = 20
	MaxListLimit     = 100

	// StatsPageSize is how many aggregates GetStats holds in memory at once
	StatsPageSize = 500
)

// ProviderRegistry is the read side of the provider catalog.
type ProviderRegistry interface {
	Get(key string) (providers.ProviderConfig, error)
	ListEnabled() []providers.ProviderConfig
	List() []providers.ProviderConfig
}

// ProviderCaller performs one upstream call.
type ProviderCaller interface {
	Call(ctx context.Context, key, prompt string, opts providers.CallOptions) (models.ProviderResult, error)
}

// SubmissionLimiter caps submissions per owner. A limit of 0 is unlimited.
type SubmissionLimiter interface {
	AllowWithDetails(ctx context.Context, key string, limit int) (bool, int, time.Time, error)
}

// Dependencies are the collaborators of a Service. Sink, Metrics,
// StatsCache and Limiter are optional.
type Dependencies struct {
	Aggregates storage.AggregateStore
	Projects   storage.ProjectStore
	Registry   ProviderRegistry
	Caller     ProviderCaller
	Queue      queue.Queue
	Sink       logging.Sink
	Metrics    metrics.Recorder
	StatsCache *storage.LRUCache[models.StatsSummary]

	Limiter              SubmissionLimiter
	SubmissionsPerMinute int
}

// SubmitSettings are the optional knobs of a submission. Nil pointers take
// the defaults.
type SubmitSettings struct {
	Temperature     *float64
	MaxTokens       *int
	EnabledModels   []string
	PriorResponseID string
}

// SubmitRequest is one prompt fan-out request.
type SubmitRequest struct {
	Prompt    string
	OwnerID   string
	ProjectID string
	Settings  SubmitSettings
}

// Service coordinates submissions, provider jobs and user decisions on
// response aggregates.
type Service struct {
	aggregates storage.AggregateStore
	projects   storage.ProjectStore
	registry   ProviderRegistry
	caller     ProviderCaller
	queue      queue.Queue
	sink       logging.Sink
	metrics    metrics.Recorder
	stats      *storage.LRUCache[models.StatsSummary]

	statsPageSize int

	limiter   SubmissionLimiter
	rateLimit int

	logger *utils.Logger
	now    func() time.Time
}

// NewService creates a Service from its dependencies.
func NewService(deps Dependencies) (*Service, error) {
	if deps.Aggregates == nil || deps.Projects == nil || deps.Registry == nil || deps.Caller == nil || deps.Queue == nil {
		return nil, fmt.Errorf("aggregates, projects, registry, caller and queue are required")
	}
	if deps.Sink == nil {
		deps.Sink = logging.NewNoopSink()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}

	return &Service{
		aggregates:    deps.Aggregates,
		projects:      deps.Projects,
		registry:      deps.Registry,
		caller:        deps.Caller,
		queue:         deps.Queue,
		sink:          deps.Sink,
		metrics:       deps.Metrics,
		stats:         deps.StatsCache,
		statsPageSize: StatsPageSize,
		limiter:       deps.Limiter,
		rateLimit:     deps.SubmissionsPerMinute,
		logger:        utils.NewLogger("orchestrator"),
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// Providers returns every configured provider with its enabled flag.
func (s *Service) Providers() []providers.ProviderConfig {
	return s.registry.List()
}

// Submit validates the request, persists an aggregate with one pending
// result per provider and enqueues a job for each. The returned snapshot
// is taken before any provider call completes.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.ResponseAggregate, error) {
	settings, err := validateSubmit(req)
	if err != nil {
		s.metrics.IncSubmission("rejected")
		return nil, err
	}

	if err := s.checkRateLimit(ctx, req.OwnerID); err != nil {
		s.metrics.IncSubmission("rate_limited")
		return nil, err
	}

	selected, err := s.resolveProviders(settings.EnabledModels)
	if err != nil {
		s.metrics.IncSubmission("rejected")
		return nil, err
	}

	projectID, err := s.projects.EnsureProject(ctx, req.OwnerID, req.ProjectID)
	if err != nil {
		if errors.Is(err, storage.ErrProjectNotFound) {
			s.metrics.IncSubmission("rejected")
			return nil, fmt.Errorf("%w: project %s not found", ErrValidation, req.ProjectID)
		}
		return nil, fmt.Errorf("failed to resolve project: %w", err)
	}

	refs := make([]models.ProviderRef, 0, len(selected))
	for _, p := range selected {
		refs = append(refs, p.Ref())
	}

	prompt := strings.TrimSpace(req.Prompt)
	agg := models.NewAggregate(uuid.New().String(), req.OwnerID, projectID, prompt, refs, settings, s.now())
	if err := s.aggregates.Create(ctx, agg); err != nil {
		return nil, fmt.Errorf("failed to create aggregate: %w", err)
	}
	snapshot := agg.Clone()

	s.invalidateStats(req.OwnerID)
	s.metrics.IncSubmission("accepted")
	s.logger.Info("Aggregate submitted", "aggregate_id", agg.ID, "owner_id", agg.OwnerID, "providers", len(refs))

	for _, ref := range refs {
		job := queue.NewProviderJob(agg.ID, agg.OwnerID, ref.Key, prompt)
		job.Temperature = settings.Temperature
		job.MaxTokens = settings.MaxTokens
		job.PriorResponseID = settings.PriorResponseID

		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.logger.Error("Failed to enqueue provider job", "aggregate_id", agg.ID, "provider", ref.Key, "error", err)
			failed := models.NewErrorResult(ref.Key, ref.UpstreamModelID, "failed to schedule provider call: "+err.Error(), 0, s.now())
			if _, applyErr := s.applyResult(context.WithoutCancel(ctx), agg.ID, failed); applyErr != nil {
				s.logger.Error("Failed to record enqueue failure", "aggregate_id", agg.ID, "provider", ref.Key, "error", applyErr)
			}
		}
	}

	return snapshot, nil
}

func validateSubmit(req SubmitRequest) (models.GenerationSettings, error) {
	settings := models.GenerationSettings{
		Temperature:     DefaultTemperature,
		MaxTokens:       DefaultMaxTokens,
		EnabledModels:   req.Settings.EnabledModels,
		PriorResponseID: req.Settings.PriorResponseID,
	}

	if req.OwnerID == "" {
		return settings, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return settings, fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	if utf8.RuneCountInString(prompt) > models.MaxPromptLength {
		return settings, fmt.Errorf("%w: prompt exceeds %d characters", ErrValidation, models.MaxPromptLength)
	}

	if t := req.Settings.Temperature; t != nil {
		if *t < 0 || *t > MaxTemperature {
			return settings, fmt.Errorf("%w: temperature must be between 0 and %.0f", ErrValidation, MaxTemperature)
		}
		settings.Temperature = *t
	}
	if m := req.Settings.MaxTokens; m != nil {
		if *m < 1 || *m > MaxTokensLimit {
			return settings, fmt.Errorf("%w: maxTokens must be between 1 and %d", ErrValidation, MaxTokensLimit)
		}
		settings.MaxTokens = *m
	}
	return settings, nil
}

func (s *Service) checkRateLimit(ctx context.Context, ownerID string) error {
	if s.limiter == nil || s.rateLimit <= 0 {
		return nil
	}
	allowed, _, resetAt, err := s.limiter.AllowWithDetails(ctx, "submit:"+ownerID, s.rateLimit)
	if err != nil {
		// an unavailable limiter must not block submissions
		s.logger.Warn("Rate limiter unavailable", "owner_id", ownerID, "error", err)
		return nil
	}
	if !allowed {
		return fmt.Errorf("%w: retry after %s", ErrRateLimited, resetAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// resolveProviders returns the enabled providers, narrowed to wanted when
// it is non-empty, in registry order.
func (s *Service) resolveProviders(wanted []string) ([]providers.ProviderConfig, error) {
	enabled := s.registry.ListEnabled()
	if len(wanted) > 0 {
		want := make(map[string]bool, len(wanted))
		for _, k := range wanted {
			want[k] = true
		}
		filtered := enabled[:0:0]
		for _, p := range enabled {
			if want[p.Key] {
				filtered = append(filtered, p)
			}
		}
		enabled = filtered
	}
	if len(enabled) == 0 {
		return nil, ErrNoProvidersAvailable
	}
	return enabled, nil
}

// Get returns the aggregate when ownerID owns it.
func (s *Service) Get(ctx context.Context, id, ownerID string) (*models.ResponseAggregate, error) {
	agg, err := s.aggregates.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if agg.OwnerID != ownerID {
		return nil, storage.ErrAggregateNotFound
	}
	return agg, nil
}

// List returns one page of the owner's aggregates, newest first.
func (s *Service) List(ctx context.Context, ownerID string, filter storage.ListFilter) (*storage.ListResult, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	if filter.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", ErrValidation)
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultListLimit
	case filter.Limit > MaxListLimit:
		filter.Limit = MaxListLimit
	}
	return s.aggregates.List(ctx, ownerID, filter)
}

// Delete removes the aggregate. In-flight provider jobs are not cancelled;
// their results are discarded when they arrive.
func (s *Service) Delete(ctx context.Context, id, ownerID string) error {
	if _, err := s.Get(ctx, id, ownerID); err != nil {
		return err
	}
	if err := s.aggregates.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidateStats(ownerID)
	s.logger.Info("Aggregate deleted", "aggregate_id", id, "owner_id", ownerID)
	return nil
}

// RetryFailed calls every provider whose result is an error again,
// concurrently, and returns the aggregate once all of them reported.
func (s *Service) RetryFailed(ctx context.Context, id, ownerID string) (*models.ResponseAggregate, error) {
	agg, err := s.Get(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}

	failed := agg.KeysWithStatus(models.ResultError)
	if len(failed) == 0 {
		return nil, ErrNothingToRetry
	}

	s.logger.Info("Retrying failed providers", "aggregate_id", id, "providers", strings.Join(failed, ","))

	// Dispatched calls run to completion or to the caller's own timeout even
	// when the requester goes away.
	callCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, key := range failed {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			job := queue.NewProviderJob(agg.ID, agg.OwnerID, key, agg.Prompt)
			job.Temperature = agg.Settings.Temperature
			job.MaxTokens = agg.Settings.MaxTokens
			job.PriorResponseID = agg.Settings.PriorResponseID

			result := s.callProvider(callCtx, job, true)
			if _, err := s.applyResult(callCtx, agg.ID, result); err != nil && !isDiscarded(err) {
				s.logger.Error("Failed to apply retried result", "aggregate_id", agg.ID, "provider", key, "error", err)
			}
		}(key)
	}
	wg.Wait()

	s.invalidateStats(ownerID)
	return s.Get(callCtx, id, ownerID)
}

// SelectPreferred collapses the aggregate onto one successful provider and
// records it as the project's default model.
func (s *Service) SelectPreferred(ctx context.Context, id, ownerID, providerKey string) (*models.ResponseAggregate, error) {
	if _, err := s.Get(ctx, id, ownerID); err != nil {
		return nil, err
	}

	agg, err := s.aggregates.SelectProvider(ctx, id, providerKey)
	if err != nil {
		return nil, err
	}
	s.invalidateStats(ownerID)
	s.logger.Info("Preferred provider selected", "aggregate_id", id, "provider", providerKey)

	if err := s.projects.UpdateDefaultModels(ctx, agg.ProjectID, []string{providerKey}); err != nil {
		s.logger.Warn("Failed to update project default models", "project_id", agg.ProjectID, "provider", providerKey, "error", err)
	}
	return agg, nil
}

// ClearSelection drops the preferred provider. Results removed by the
// selection stay removed.
func (s *Service) ClearSelection(ctx context.Context, id, ownerID string) (*models.ResponseAggregate, error) {
	if _, err := s.Get(ctx, id, ownerID); err != nil {
		return nil, err
	}
	agg, err := s.aggregates.ClearSelection(ctx, id)
	if err != nil {
		return nil, err
	}
	s.invalidateStats(ownerID)
	return agg, nil
}

// EditResult replaces a successful provider's response text.
func (s *Service) EditResult(ctx context.Context, id, ownerID, providerKey, text string) (*models.ResponseAggregate, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: responseText is required", ErrValidation)
	}
	if _, err := s.Get(ctx, id, ownerID); err != nil {
		return nil, err
	}
	return s.aggregates.UpdateResultText(ctx, id, providerKey, text)
}

// GetStats summarizes the owner's aggregates matching filter.
func (s *Service) GetStats(ctx context.Context, ownerID string, filter models.StatsFilter) (models.StatsSummary, error) {
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return models.StatsSummary{}, fmt.Errorf("%w: from must not be after to", ErrValidation)
	}

	cacheKey := filter.CacheKey(ownerID)
	if s.stats != nil {
		if summary, ok := s.stats.Get(cacheKey); ok {
			return summary, nil
		}
	}

	// Pin the upper bound so submissions arriving mid-scan do not shift pages.
	to := filter.To
	if to == nil {
		now := s.now()
		to = &now
	}

	acc := models.NewStatsAccumulator(filter.ProviderKey)
	for offset := 0; ; offset += s.statsPageSize {
		page, err := s.aggregates.List(ctx, ownerID, storage.ListFilter{
			From:   filter.From,
			To:     to,
			Limit:  s.statsPageSize,
			Offset: offset,
		})
		if err != nil {
			return models.StatsSummary{}, fmt.Errorf("failed to load aggregates: %w", err)
		}
		for _, agg := range page.Aggregates {
			if filter.Matches(agg) {
				acc.Add(agg)
			}
		}
		if len(page.Aggregates) < s.statsPageSize {
			break
		}
	}
	summary := acc.Summary()

	if s.stats != nil {
		s.stats.Set(cacheKey, summary)
	}
	return summary, nil
}

// callProvider runs one provider call and always yields a result: errors
// from the caller become error results for the provider.
func (s *Service) callProvider(ctx context.Context, job queue.ProviderJob, retry bool) models.ProviderResult {
	start := time.Now()
	result, err := s.caller.Call(ctx, job.ProviderKey, job.Prompt, providers.CallOptions{
		Temperature:     job.Temperature,
		MaxTokens:       job.MaxTokens,
		OwnerID:         job.OwnerID,
		PriorResponseID: job.PriorResponseID,
	})
	if err != nil {
		model := ""
		if cfg, lookupErr := s.registry.Get(job.ProviderKey); lookupErr == nil {
			model = cfg.UpstreamModelID
		}
		result = models.NewErrorResult(job.ProviderKey, model, err.Error(), time.Since(start), s.now())
	}

	s.metrics.ObserveProviderCall(job.ProviderKey, string(result.Status), time.Duration(result.ResponseTimeMs)*time.Millisecond, result.TokenUsage.Total)
	if err := s.sink.Enqueue(logging.NewCallRecord(job.AggregateID, job.OwnerID, result, retry)); err != nil {
		s.logger.Debug("Call record dropped", "aggregate_id", job.AggregateID, "provider", job.ProviderKey, "error", err)
	}
	return result
}

// applyResult persists one provider outcome and reports the aggregate
// finishing when this write made it terminal.
func (s *Service) applyResult(ctx context.Context, id string, result models.ProviderResult) (*models.ResponseAggregate, error) {
	agg, err := s.aggregates.ApplyResult(ctx, id, result)
	if err != nil {
		return nil, err
	}
	if agg.EndedAt != nil && agg.EndedAt.Equal(agg.UpdatedAt) {
		s.metrics.IncAggregateFinished(string(agg.OverallStatus))
		s.logger.Info("Aggregate finished", "aggregate_id", agg.ID, "status", agg.OverallStatus, "duration_ms", agg.DurationMs)
	}
	s.invalidateStats(agg.OwnerID)
	return agg, nil
}

func (s *Service) invalidateStats(ownerID string) {
	if s.stats != nil {
		s.stats.DeletePrefix(ownerID + "|")
	}
}

// isDiscarded reports whether a patch targeted an aggregate or result that
// no longer exists.
func isDiscarded(err error) bool {
	return errors.Is(err, storage.ErrAggregateNotFound) || errors.Is(err, models.ErrResultNotFound)
}
