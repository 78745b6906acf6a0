package orchestrator

import (
	"context"

	"llm_fanout/internal/models"
	"llm_fanout/internal/providers"
	"llm_fanout/internal/storage"
)

// storeHistory resolves follow-up prompts against stored aggregates.
type storeHistory struct {
	aggregates storage.AggregateStore
}

// NewHistoryLookup returns a providers.HistoryLookup reading earlier turns
// from store. Only the provider's own successful answer is replayed; without
// one the follow-up goes out as a fresh prompt.
func NewHistoryLookup(store storage.AggregateStore) providers.HistoryLookup {
	return storeHistory{aggregates: store}
}

func (h storeHistory) PriorTurn(ctx context.Context, ownerID, aggregateID, providerKey string) (providers.PriorTurn, error) {
	agg, err := h.aggregates.Get(ctx, aggregateID)
	if err != nil {
		return providers.PriorTurn{}, err
	}
	if agg.OwnerID != ownerID {
		return providers.PriorTurn{}, storage.ErrAggregateNotFound
	}

	turn := providers.PriorTurn{Prompt: agg.Prompt}
	if r, ok := agg.Results[providerKey]; ok && r.Status == models.ResultSuccess {
		turn.Response = r.ResponseText
	}
	return turn, nil
}
