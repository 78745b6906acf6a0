package models

import (
	"sort"
	"time"
)

// StatsFilter narrows the aggregates considered by a stats query.
type StatsFilter struct {
	From        *time.Time
	To          *time.Time
	ProviderKey string
}

// Matches reports whether the aggregate falls in the filter's window and,
// when a provider is given, carries a result for it.
func (f StatsFilter) Matches(a *ResponseAggregate) bool {
	if f.From != nil && a.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && a.CreatedAt.After(*f.To) {
		return false
	}
	if f.ProviderKey != "" {
		if _, ok := a.Results[f.ProviderKey]; !ok {
			return false
		}
	}
	return true
}

// CacheKey identifies the filter for one owner in the stats cache.
func (f StatsFilter) CacheKey(ownerID string) string {
	key := ownerID + "|" + f.ProviderKey + "|"
	if f.From != nil {
		key += f.From.UTC().Format(time.RFC3339)
	}
	key += "|"
	if f.To != nil {
		key += f.To.UTC().Format(time.RFC3339)
	}
	return key
}

// ProviderStats aggregates one provider's results.
type ProviderStats struct {
	ProviderKey      string  `json:"providerKey"`
	Requests         int     `json:"requests"`
	Successes        int     `json:"successes"`
	Errors           int     `json:"errors"`
	Pending          int     `json:"pending"`
	AvgResponseMs    float64 `json:"avgResponseTimeMs"`
	TotalTokens      int     `json:"totalTokens"`
	AvgTokens        float64 `json:"avgTokens"`
	EstimatedCostUSD float64 `json:"estimatedCostUsd"`
}

// StatsSummary is the result of a stats query for one owner.
type StatsSummary struct {
	TotalRequests    int                   `json:"totalRequests"`
	ByStatus         map[OverallStatus]int `json:"byStatus"`
	TotalTokens      int                   `json:"totalTokens"`
	EstimatedCostUSD float64               `json:"estimatedCostUsd"`
	Providers        []ProviderStats       `json:"providers"`
}

// Summarize folds aggregates into a StatsSummary. When providerKey is set
// only that provider's results contribute to the per-provider breakdown,
// tokens and cost.
func Summarize(aggs []*ResponseAggregate, providerKey string) StatsSummary {
	acc := NewStatsAccumulator(providerKey)
	for _, a := range aggs {
		acc.Add(a)
	}
	return acc.Summary()
}

type providerAcc struct {
	ProviderStats
	latencySum int64
}

// StatsAccumulator builds a StatsSummary one aggregate at a time, so callers
// can stream aggregates page by page.
type StatsAccumulator struct {
	providerKey string
	summary     StatsSummary
	perProvider map[string]*providerAcc
}

// NewStatsAccumulator starts an empty summary. A non-empty providerKey
// restricts the per-provider breakdown, tokens and cost to that provider.
func NewStatsAccumulator(providerKey string) *StatsAccumulator {
	return &StatsAccumulator{
		providerKey: providerKey,
		summary: StatsSummary{
			ByStatus: map[OverallStatus]int{
				StatusProcessing: 0,
				StatusCompleted:  0,
				StatusPartial:    0,
				StatusFailed:     0,
			},
		},
		perProvider: make(map[string]*providerAcc),
	}
}

// Add folds one aggregate into the summary.
func (s *StatsAccumulator) Add(a *ResponseAggregate) {
	s.summary.TotalRequests++
	s.summary.ByStatus[a.OverallStatus]++

	for key, r := range a.Results {
		if s.providerKey != "" && key != s.providerKey {
			continue
		}
		p, ok := s.perProvider[key]
		if !ok {
			p = &providerAcc{ProviderStats: ProviderStats{ProviderKey: key}}
			s.perProvider[key] = p
		}
		p.Requests++
		switch r.Status {
		case ResultSuccess:
			p.Successes++
			p.latencySum += r.ResponseTimeMs
			p.TotalTokens += r.TokenUsage.Total
			p.EstimatedCostUSD += r.CostUSD
			s.summary.TotalTokens += r.TokenUsage.Total
			s.summary.EstimatedCostUSD += r.CostUSD
		case ResultError:
			p.Errors++
		default:
			p.Pending++
		}
	}
}

// Summary returns the summary of everything added so far.
func (s *StatsAccumulator) Summary() StatsSummary {
	out := s.summary
	out.ByStatus = make(map[OverallStatus]int, len(s.summary.ByStatus))
	for k, v := range s.summary.ByStatus {
		out.ByStatus[k] = v
	}
	out.Providers = make([]ProviderStats, 0, len(s.perProvider))
	for _, p := range s.perProvider {
		stats := p.ProviderStats
		if p.Successes > 0 {
			stats.AvgResponseMs = float64(p.latencySum) / float64(p.Successes)
			stats.AvgTokens = float64(p.TotalTokens) / float64(p.Successes)
		}
		out.Providers = append(out.Providers, stats)
	}
	sort.Slice(out.Providers, func(i, j int) bool {
		return out.Providers[i].ProviderKey < out.Providers[j].ProviderKey
	})
	return out
}
