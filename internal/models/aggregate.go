package models

import (
	"errors"
	"sort"
	"time"
)

// MaxPromptLength is the longest prompt accepted, in characters.
const MaxPromptLength = 10000

var (
	// ErrInvalidSelection is returned when the chosen provider has no
	// successful result on the aggregate
	ErrInvalidSelection = errors.New("selected provider has no successful result")

	// ErrResultNotFound is returned when the aggregate has no result for a provider
	ErrResultNotFound = errors.New("provider result not found")

	// ErrResultNotEditable is returned when editing a result that is not successful
	ErrResultNotEditable = errors.New("only successful results can be edited")
)

// OverallStatus is the aggregate-level status derived from all results.
type OverallStatus string

const (
	StatusProcessing OverallStatus = "processing"
	StatusCompleted  OverallStatus = "completed"
	StatusPartial    OverallStatus = "partial"
	StatusFailed     OverallStatus = "failed"
)

// IsTerminal reports whether no more provider updates are expected.
func (s OverallStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusPartial || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s OverallStatus) Valid() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// DecideStatus implements the status decision table:
//
//	completed   completed == total
//	processing  completed + failed < total
//	failed      all reported, none succeeded
//	partial     all reported, some succeeded and some failed
func DecideStatus(total, completed, failed int) OverallStatus {
	switch {
	case total > 0 && completed == total:
		return StatusCompleted
	case completed+failed < total:
		return StatusProcessing
	case completed == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// GenerationSettings are the per-submission knobs forwarded to providers.
type GenerationSettings struct {
	Temperature     float64  `json:"temperature" bson:"temperature"`
	MaxTokens       int      `json:"maxTokens" bson:"maxTokens"`
	EnabledModels   []string `json:"enabledModels,omitempty" bson:"enabledModels,omitempty"`
	PriorResponseID string   `json:"priorResponseId,omitempty" bson:"priorResponseId,omitempty"`
}

// ProviderRef names a provider and the upstream model it maps to.
type ProviderRef struct {
	Key             string
	UpstreamModelID string
}

// ResponseAggregate is the persisted record of one prompt submission and
// every provider's outcome for it.
type ResponseAggregate struct {
	ID                 string             `json:"id" bson:"_id"`
	OwnerID            string             `json:"ownerId" bson:"ownerId"`
	ProjectID          string             `json:"projectId" bson:"projectId"`
	Prompt             string             `json:"prompt" bson:"prompt"`
	Results            ResultSet          `json:"results" bson:"results"`
	RequestedProviders []string           `json:"requestedProviders" bson:"requestedProviders"`
	OriginalProviders  []string           `json:"originalProviders" bson:"originalProviders"`
	SelectedProvider   *string            `json:"selectedProvider" bson:"selectedProvider"`
	OverallStatus      OverallStatus      `json:"overallStatus" bson:"overallStatus"`
	TotalCount         int                `json:"totalCount" bson:"totalCount"`
	CompletedCount     int                `json:"completedCount" bson:"completedCount"`
	FailedCount        int                `json:"failedCount" bson:"failedCount"`
	TotalTokensUsed    int                `json:"totalTokensUsed" bson:"totalTokensUsed"`
	Settings           GenerationSettings `json:"settings" bson:"settings"`
	StartedAt          time.Time          `json:"startedAt" bson:"startedAt"`
	EndedAt            *time.Time         `json:"endedAt,omitempty" bson:"endedAt"`
	DurationMs         int64              `json:"durationMs" bson:"durationMs"`
	CreatedAt          time.Time          `json:"createdAt" bson:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt" bson:"updatedAt"`
}

// NewAggregate builds a processing aggregate with one pending result per
// provider. Duplicate provider keys are collapsed.
func NewAggregate(id, ownerID, projectID, prompt string, providers []ProviderRef, settings GenerationSettings, now time.Time) *ResponseAggregate {
	results := make(ResultSet, len(providers))
	keys := make([]string, 0, len(providers))
	for _, p := range providers {
		if _, dup := results[p.Key]; dup {
			continue
		}
		results[p.Key] = NewPendingResult(p.Key, p.UpstreamModelID, now)
		keys = append(keys, p.Key)
	}

	agg := &ResponseAggregate{
		ID:                 id,
		OwnerID:            ownerID,
		ProjectID:          projectID,
		Prompt:             prompt,
		Results:            results,
		RequestedProviders: keys,
		OriginalProviders:  append([]string(nil), keys...),
		TotalCount:         len(keys),
		Settings:           settings,
		StartedAt:          now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	agg.Recompute(now)
	return agg
}

// Recompute derives the counters and overall status from the current result
// set. It only reads Results, TotalCount and StartedAt, so applying it any
// number of times, after any ordering of result updates, yields the same
// counters. EndedAt and DurationMs are set on the first transition into a
// terminal status and left alone afterwards.
func (a *ResponseAggregate) Recompute(now time.Time) {
	completed, failed, tokens := 0, 0, 0
	for _, r := range a.Results {
		switch r.Status {
		case ResultSuccess:
			completed++
			tokens += r.TokenUsage.Total
		case ResultError:
			failed++
		}
	}

	a.CompletedCount = completed
	a.FailedCount = failed
	a.TotalTokensUsed = tokens
	a.OverallStatus = DecideStatus(a.TotalCount, completed, failed)

	if a.OverallStatus.IsTerminal() && a.EndedAt == nil {
		ended := now
		a.EndedAt = &ended
		a.DurationMs = now.Sub(a.StartedAt).Milliseconds()
	}
}

// ApplyResult overwrites the result for result.ProviderKey and recomputes.
// It returns false, leaving the aggregate untouched, when the key is not
// part of the aggregate.
func (a *ResponseAggregate) ApplyResult(result ProviderResult, now time.Time) bool {
	if _, ok := a.Results[result.ProviderKey]; !ok {
		return false
	}
	a.Results[result.ProviderKey] = result
	a.UpdatedAt = now
	a.Recompute(now)
	return true
}

// SelectPreferred collapses the aggregate to the single chosen provider.
func (a *ResponseAggregate) SelectPreferred(providerKey string, now time.Time) error {
	chosen, ok := a.Results[providerKey]
	if !ok || chosen.Status != ResultSuccess {
		return ErrInvalidSelection
	}

	a.Results = ResultSet{providerKey: chosen}
	a.RequestedProviders = []string{providerKey}
	selected := providerKey
	a.SelectedProvider = &selected
	a.OverallStatus = StatusCompleted
	a.TotalCount = 1
	a.CompletedCount = 1
	a.FailedCount = 0
	a.TotalTokensUsed = chosen.TokenUsage.Total
	if a.EndedAt == nil {
		ended := now
		a.EndedAt = &ended
		a.DurationMs = now.Sub(a.StartedAt).Milliseconds()
	}
	a.UpdatedAt = now
	return nil
}

// ClearSelection drops the selected provider. Results removed by a previous
// selection are gone for good; requested providers fall back to the keys
// still present, or to the original provider set when none remain.
func (a *ResponseAggregate) ClearSelection(now time.Time) {
	a.SelectedProvider = nil
	if keys := a.Results.Keys(); len(keys) > 0 {
		a.RequestedProviders = keys
	} else {
		a.RequestedProviders = append([]string(nil), a.OriginalProviders...)
	}
	a.UpdatedAt = now
}

// EditResult replaces a successful result's text and marks it edited.
func (a *ResponseAggregate) EditResult(providerKey, text string, now time.Time) error {
	r, ok := a.Results[providerKey]
	if !ok {
		return ErrResultNotFound
	}
	if r.Status != ResultSuccess {
		return ErrResultNotEditable
	}
	r.ResponseText = text
	r.IsEdited = true
	a.Results[providerKey] = r
	a.UpdatedAt = now
	return nil
}

// KeysWithStatus returns the sorted provider keys currently in status.
func (a *ResponseAggregate) KeysWithStatus(status ResultStatus) []string {
	var keys []string
	for key, r := range a.Results {
		if r.Status == status {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy, so callers can hand out snapshots safely.
func (a *ResponseAggregate) Clone() *ResponseAggregate {
	if a == nil {
		return nil
	}
	c := *a
	c.Results = make(ResultSet, len(a.Results))
	for k, v := range a.Results {
		c.Results[k] = v
	}
	c.RequestedProviders = append([]string(nil), a.RequestedProviders...)
	c.OriginalProviders = append([]string(nil), a.OriginalProviders...)
	c.Settings.EnabledModels = append([]string(nil), a.Settings.EnabledModels...)
	if a.SelectedProvider != nil {
		s := *a.SelectedProvider
		c.SelectedProvider = &s
	}
	if a.EndedAt != nil {
		e := *a.EndedAt
		c.EndedAt = &e
	}
	return &c
}
