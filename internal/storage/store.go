package storage

import (
	"context"
	"time"

	"llm_fanout/internal/models"
)

// ListFilter narrows List results. Limit <= 0 means no limit.
type ListFilter struct {
	ProjectID string
	Status    models.OverallStatus
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

func (f ListFilter) matches(a *models.ResponseAggregate) bool {
	if f.ProjectID != "" && a.ProjectID != f.ProjectID {
		return false
	}
	if f.Status != "" && a.OverallStatus != f.Status {
		return false
	}
	if f.From != nil && a.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && a.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

// ListResult is one page of aggregates, newest first.
type ListResult struct {
	Aggregates []*models.ResponseAggregate
	TotalCount int
}

// AggregateStore persists response aggregates. Every mutating method is a
// single atomic operation against one aggregate, so concurrent provider
// completions never lose each other's writes.
//
// ApplyResult returns ErrAggregateNotFound when the aggregate is gone and
// models.ErrResultNotFound when the provider key is not part of it; callers
// completing provider jobs treat both as no-ops.
type AggregateStore interface {
	Create(ctx context.Context, agg *models.ResponseAggregate) error
	Get(ctx context.Context, id string) (*models.ResponseAggregate, error)
	List(ctx context.Context, ownerID string, filter ListFilter) (*ListResult, error)
	ApplyResult(ctx context.Context, id string, result models.ProviderResult) (*models.ResponseAggregate, error)
	SelectProvider(ctx context.Context, id, providerKey string) (*models.ResponseAggregate, error)
	ClearSelection(ctx context.Context, id string) (*models.ResponseAggregate, error)
	UpdateResultText(ctx context.Context, id, providerKey, text string) (*models.ResponseAggregate, error)
	Delete(ctx context.Context, id string) error
}

// ProjectStore is the slice of the project collaborator the fan-out needs.
type ProjectStore interface {
	// EnsureProject returns projectID when it belongs to ownerID, or the
	// owner's default project (created on first use) when projectID is empty.
	EnsureProject(ctx context.Context, ownerID, projectID string) (string, error)
	// UpdateDefaultModels replaces the project's default provider list.
	UpdateDefaultModels(ctx context.Context, projectID string, providerKeys []string) error
}
