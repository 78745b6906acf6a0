package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"llm_fanout/internal/models"
)

// MemoryAggregateStore keeps aggregates in process. It is used for local
// development and tests; every method holds the store mutex for its whole
// read-modify-write, which gives the same atomicity as the database stores.
type MemoryAggregateStore struct {
	mu    sync.Mutex
	items map[string]*models.ResponseAggregate
	now   func() time.Time
}

// NewMemoryAggregateStore creates an empty store.
func NewMemoryAggregateStore() *MemoryAggregateStore {
	return &MemoryAggregateStore{
		items: make(map[string]*models.ResponseAggregate),
		now:   time.Now,
	}
}

func (s *MemoryAggregateStore) Create(ctx context.Context, agg *models.ResponseAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[agg.ID]; exists {
		return fmt.Errorf("aggregate %s already exists", agg.ID)
	}
	s.items[agg.ID] = agg.Clone()
	return nil
}

func (s *MemoryAggregateStore) Get(ctx context.Context, id string) (*models.ResponseAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.items[id]
	if !ok {
		return nil, ErrAggregateNotFound
	}
	return agg.Clone(), nil
}

func (s *MemoryAggregateStore) List(ctx context.Context, ownerID string, filter ListFilter) (*ListResult, error) {
	s.mu.Lock()
	matched := make([]*models.ResponseAggregate, 0)
	for _, agg := range s.items {
		if agg.OwnerID == ownerID && filter.matches(agg) {
			matched = append(matched, agg.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	result := &ListResult{TotalCount: len(matched)}
	start := filter.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	result.Aggregates = matched[start:end]
	return result, nil
}

// mutate runs fn against the stored aggregate under the store lock.
func (s *MemoryAggregateStore) mutate(id string, fn func(agg *models.ResponseAggregate, now time.Time) error) (*models.ResponseAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.items[id]
	if !ok {
		return nil, ErrAggregateNotFound
	}
	// work on a copy so a failed transition leaves the stored state untouched
	working := agg.Clone()
	if err := fn(working, s.now()); err != nil {
		return nil, err
	}
	s.items[id] = working
	return working.Clone(), nil
}

func (s *MemoryAggregateStore) ApplyResult(ctx context.Context, id string, result models.ProviderResult) (*models.ResponseAggregate, error) {
	return s.mutate(id, func(agg *models.ResponseAggregate, now time.Time) error {
		if !agg.ApplyResult(result, now) {
			return models.ErrResultNotFound
		}
		return nil
	})
}

func (s *MemoryAggregateStore) SelectProvider(ctx context.Context, id, providerKey string) (*models.ResponseAggregate, error) {
	return s.mutate(id, func(agg *models.ResponseAggregate, now time.Time) error {
		return agg.SelectPreferred(providerKey, now)
	})
}

func (s *MemoryAggregateStore) ClearSelection(ctx context.Context, id string) (*models.ResponseAggregate, error) {
	return s.mutate(id, func(agg *models.ResponseAggregate, now time.Time) error {
		agg.ClearSelection(now)
		return nil
	})
}

func (s *MemoryAggregateStore) UpdateResultText(ctx context.Context, id, providerKey, text string) (*models.ResponseAggregate, error) {
	return s.mutate(id, func(agg *models.ResponseAggregate, now time.Time) error {
		return agg.EditResult(providerKey, text, now)
	})
}

func (s *MemoryAggregateStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrAggregateNotFound
	}
	delete(s.items, id)
	return nil
}

type memoryProject struct {
	id            string
	ownerID       string
	isDefault     bool
	defaultModels []string
}

// MemoryProjectStore is the in-process ProjectStore.
type MemoryProjectStore struct {
	mu       sync.Mutex
	projects map[string]*memoryProject
}

func NewMemoryProjectStore() *MemoryProjectStore {
	return &MemoryProjectStore{projects: make(map[string]*memoryProject)}
}

// AddProject registers a non-default project, mainly for tests.
func (s *MemoryProjectStore) AddProject(ownerID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.projects[id] = &memoryProject{id: id, ownerID: ownerID}
	return id
}

func (s *MemoryProjectStore) EnsureProject(ctx context.Context, ownerID, projectID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if projectID != "" {
		p, ok := s.projects[projectID]
		if !ok || p.ownerID != ownerID {
			return "", ErrProjectNotFound
		}
		return p.id, nil
	}

	for _, p := range s.projects {
		if p.ownerID == ownerID && p.isDefault {
			return p.id, nil
		}
	}
	id := uuid.NewString()
	s.projects[id] = &memoryProject{id: id, ownerID: ownerID, isDefault: true}
	return id, nil
}

func (s *MemoryProjectStore) UpdateDefaultModels(ctx context.Context, projectID string, providerKeys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return ErrProjectNotFound
	}
	p.defaultModels = append([]string(nil), providerKeys...)
	return nil
}

// DefaultModels returns the project's default provider list.
func (s *MemoryProjectStore) DefaultModels(projectID string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return nil, false
	}
	return append([]string(nil), p.defaultModels...), true
}
