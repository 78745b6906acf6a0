package models

import (
	"time"
)

// ResultStatus is the lifecycle state of a single provider's contribution
// to an aggregate.
type ResultStatus string

const (
	ResultPending ResultStatus = "pending"
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// TokenUsage mirrors the usage object reported by the upstream gateway.
type TokenUsage struct {
	Prompt     int `json:"prompt" bson:"prompt"`
	Completion int `json:"completion" bson:"completion"`
	Total      int `json:"total" bson:"total"`
}

// ProviderResult is one provider's outcome within a ResponseAggregate.
//
// status == error implies an empty ResponseText and a non-empty
// ErrorMessage; status == success implies an empty ErrorMessage. Use the
// constructors below rather than building the struct by hand.
type ProviderResult struct {
	ProviderKey     string       `json:"providerKey" bson:"providerKey"`
	UpstreamModelID string       `json:"upstreamModelId,omitempty" bson:"upstreamModelId,omitempty"`
	ResponseText    string       `json:"responseText" bson:"responseText"`
	Status          ResultStatus `json:"status" bson:"status"`
	ErrorMessage    string       `json:"errorMessage,omitempty" bson:"errorMessage,omitempty"`
	TokenUsage      TokenUsage   `json:"tokenUsage" bson:"tokenUsage"`
	ResponseTimeMs  int64        `json:"responseTimeMs" bson:"responseTimeMs"`
	CostUSD         float64      `json:"costUsd" bson:"costUsd"`
	IsEdited        bool         `json:"isEdited" bson:"isEdited"`
	CreatedAt       time.Time    `json:"createdAt" bson:"createdAt"`
}

// NewPendingResult returns the placeholder stored at submission time.
func NewPendingResult(providerKey, upstreamModelID string, now time.Time) ProviderResult {
	return ProviderResult{
		ProviderKey:     providerKey,
		UpstreamModelID: upstreamModelID,
		Status:          ResultPending,
		CreatedAt:       now,
	}
}

// NewSuccessResult builds a successful result.
func NewSuccessResult(providerKey, upstreamModelID, text string, usage TokenUsage, elapsed time.Duration, costUSD float64, now time.Time) ProviderResult {
	return ProviderResult{
		ProviderKey:     providerKey,
		UpstreamModelID: upstreamModelID,
		ResponseText:    text,
		Status:          ResultSuccess,
		TokenUsage:      usage,
		ResponseTimeMs:  elapsed.Milliseconds(),
		CostUSD:         costUSD,
		CreatedAt:       now,
	}
}

// NewErrorResult builds a failed result with zeroed usage.
func NewErrorResult(providerKey, upstreamModelID, message string, elapsed time.Duration, now time.Time) ProviderResult {
	if message == "" {
		message = "unknown provider error"
	}
	return ProviderResult{
		ProviderKey:     providerKey,
		UpstreamModelID: upstreamModelID,
		Status:          ResultError,
		ErrorMessage:    message,
		ResponseTimeMs:  elapsed.Milliseconds(),
		CreatedAt:       now,
	}
}

// IsTerminal reports whether the provider has finished (either way).
func (r ProviderResult) IsTerminal() bool {
	return r.Status == ResultSuccess || r.Status == ResultError
}
