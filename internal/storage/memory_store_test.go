package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_fanout/internal/models"
)

var testStart = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newAggregate(id, owner string, created time.Time, keys ...string) *models.ResponseAggregate {
	refs := make([]models.ProviderRef, 0, len(keys))
	for _, k := range keys {
		refs = append(refs, models.ProviderRef{Key: k, UpstreamModelID: "vendor/" + k})
	}
	return models.NewAggregate(id, owner, "proj-1", "hello", refs, models.GenerationSettings{Temperature: 0.5}, created)
}

func successFor(key string, tokens int) models.ProviderResult {
	return models.NewSuccessResult(key, "vendor/"+key, "answer", models.TokenUsage{Total: tokens}, time.Second, 0, testStart)
}

func TestMemoryAggregateStore_CreateGet(t *testing.T) {
	store := NewMemoryAggregateStore()
	ctx := context.Background()

	agg := newAggregate("a1", "owner", testStart, "alpha", "beta")
	require.NoError(t, store.Create(ctx, agg))
	assert.Error(t, store.Create(ctx, agg), "duplicate id must be rejected")

	got, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, agg, got)

	// snapshots are independent of the stored copy
	got.Prompt = "changed"
	again, _ := store.Get(ctx, "a1")
	assert.Equal(t, "hello", again.Prompt)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrAggregateNotFound)
}

func TestMemoryAggregateStore_ApplyResult(t *testing.T) {
	store := NewMemoryAggregateStore()
	store.now = func() time.Time { return testStart.Add(2 * time.Second) }
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newAggregate("a1", "owner", testStart, "alpha", "beta")))

	agg, err := store.ApplyResult(ctx, "a1", successFor("alpha", 10))
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, agg.OverallStatus)

	agg, err = store.ApplyResult(ctx, "a1", models.NewErrorResult("beta", "", "boom", 0, testStart))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, agg.OverallStatus)
	assert.Equal(t, int64(2000), agg.DurationMs)

	_, err = store.ApplyResult(ctx, "a1", successFor("gamma", 1))
	assert.ErrorIs(t, err, models.ErrResultNotFound)

	_, err = store.ApplyResult(ctx, "missing", successFor("alpha", 1))
	assert.ErrorIs(t, err, ErrAggregateNotFound)
}

func TestMemoryAggregateStore_ConcurrentApply(t *testing.T) {
	store := NewMemoryAggregateStore()
	ctx := context.Background()

	keys := make([]string, 20)
	for i := range keys {
		keys[i] = fmt.Sprintf("p%02d", i)
	}
	require.NoError(t, store.Create(ctx, newAggregate("a1", "owner", testStart, keys...)))

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := store.ApplyResult(ctx, "a1", successFor(key, 1))
			assert.NoError(t, err)
		}(k)
	}
	wg.Wait()

	agg, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, agg.OverallStatus)
	assert.Equal(t, len(keys), agg.CompletedCount)
	assert.Equal(t, len(keys), agg.TotalTokensUsed)
}

func TestMemoryAggregateStore_SelectAndClear(t *testing.T) {
	store := NewMemoryAggregateStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newAggregate("a1", "owner", testStart, "alpha", "beta")))
	_, err := store.ApplyResult(ctx, "a1", successFor("alpha", 4))
	require.NoError(t, err)

	before, _ := store.Get(ctx, "a1")
	_, err = store.SelectProvider(ctx, "a1", "beta")
	assert.ErrorIs(t, err, models.ErrInvalidSelection)
	after, _ := store.Get(ctx, "a1")
	assert.Equal(t, before, after, "failed selection must not change the aggregate")

	agg, err := store.SelectProvider(ctx, "a1", "alpha")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, agg.RequestedProviders)
	assert.Equal(t, 1, agg.TotalCount)

	agg, err = store.ClearSelection(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, agg.SelectedProvider)
	assert.Equal(t, []string{"alpha"}, agg.RequestedProviders)

	_, err = store.SelectProvider(ctx, "missing", "alpha")
	assert.ErrorIs(t, err, ErrAggregateNotFound)
	_, err = store.ClearSelection(ctx, "missing")
	assert.ErrorIs(t, err, ErrAggregateNotFound)
}

func TestMemoryAggregateStore_UpdateResultText(t *testing.T) {
	store := NewMemoryAggregateStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newAggregate("a1", "owner", testStart, "alpha", "beta")))
	_, err := store.ApplyResult(ctx, "a1", successFor("alpha", 4))
	require.NoError(t, err)

	agg, err := store.UpdateResultText(ctx, "a1", "alpha", "edited")
	require.NoError(t, err)
	assert.Equal(t, "edited", agg.Results["alpha"].ResponseText)
	assert.True(t, agg.Results["alpha"].IsEdited)

	_, err = store.UpdateResultText(ctx, "a1", "beta", "x")
	assert.ErrorIs(t, err, models.ErrResultNotEditable)
	_, err = store.UpdateResultText(ctx, "a1", "zeta", "x")
	assert.ErrorIs(t, err, models.ErrResultNotFound)
}

func TestMemoryAggregateStore_ListAndDelete(t *testing.T) {
	store := NewMemoryAggregateStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("a%d", i)
		require.NoError(t, store.Create(ctx, newAggregate(id, "owner", testStart.Add(time.Duration(i)*time.Minute), "alpha")))
	}
	require.NoError(t, store.Create(ctx, newAggregate("other", "someone-else", testStart, "alpha")))

	page, err := store.List(ctx, "owner", ListFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, page.TotalCount)
	require.Len(t, page.Aggregates, 2)
	assert.Equal(t, "a3", page.Aggregates[0].ID)
	assert.Equal(t, "a2", page.Aggregates[1].ID)

	from := testStart.Add(3 * time.Minute)
	recent, err := store.List(ctx, "owner", ListFilter{From: &from})
	require.NoError(t, err)
	assert.Equal(t, 2, recent.TotalCount)

	beyond, err := store.List(ctx, "owner", ListFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, beyond.Aggregates)

	require.NoError(t, store.Delete(ctx, "a0"))
	assert.ErrorIs(t, store.Delete(ctx, "a0"), ErrAggregateNotFound)
}

func TestMemoryProjectStore(t *testing.T) {
	store := NewMemoryProjectStore()
	ctx := context.Background()

	first, err := store.EnsureProject(ctx, "owner", "")
	require.NoError(t, err)
	second, err := store.EnsureProject(ctx, "owner", "")
	require.NoError(t, err)
	assert.Equal(t, first, second, "default project is created once")

	explicit := store.AddProject("owner")
	got, err := store.EnsureProject(ctx, "owner", explicit)
	require.NoError(t, err)
	assert.Equal(t, explicit, got)

	_, err = store.EnsureProject(ctx, "intruder", explicit)
	assert.ErrorIs(t, err, ErrProjectNotFound)

	require.NoError(t, store.UpdateDefaultModels(ctx, first, []string{"alpha"}))
	defaults, ok := store.DefaultModels(first)
	assert.True(t, ok)
	assert.Equal(t, []string{"alpha"}, defaults)
	assert.ErrorIs(t, store.UpdateDefaultModels(ctx, "nope", nil), ErrProjectNotFound)
}
