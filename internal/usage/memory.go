package usage

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository is the in-process Repository used when no ClickHouse DSN
// is configured. Suitable for single-replica deployments and tests; records
// vanish on restart.
type MemoryRepository struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryRepository returns an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) Insert(_ context.Context, records []Record) error {
	m.mu.Lock()
	m.records = append(m.records, records...)
	m.mu.Unlock()
	return nil
}

// Len returns the stored record count.
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Records returns a copy of all stored records.
func (m *MemoryRepository) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

func (m *MemoryRepository) Close() error { return nil }

func (m *MemoryRepository) Summarize(_ context.Context, q Query) (*Summary, error) {
	groupBy := q.GroupBy
	if groupBy == "" {
		groupBy = GroupByDay
	}

	sum := &Summary{
		From: q.From.UTC(),
		To:   q.To.UTC(),
	}
	byKey := map[string]*Bucket{}
	if timeGrouped(groupBy) {
		// Calendar buckets exist up front so empty periods survive.
		filled := zeroFill(q.From, q.To, groupBy)
		for i := range filled {
			b := filled[i]
			byKey[b.Period] = &b
			sum.Buckets = append(sum.Buckets, b)
		}
	}

	models := map[string]*Ranked{}
	users := map[string]*Ranked{}
	provs := map[string]*Ranked{}

	m.mu.RLock()
	for i := range m.records {
		r := &m.records[i]
		if !q.matches(r) {
			continue
		}

		sum.Requests++
		sum.PromptTokens += int64(r.PromptTokens)
		sum.CompletionTokens += int64(r.CompletionTokens)
		sum.TotalTokens += int64(r.TotalTokens)
		sum.TotalCost += r.TotalCost

		key := groupKey(r, groupBy)
		b, ok := byKey[key]
		if !ok {
			if timeGrouped(groupBy) || key == "" {
				continue
			}
			b = &Bucket{Period: key}
			byKey[key] = b
		}
		b.Requests++
		b.PromptTokens += int64(r.PromptTokens)
		b.CompletionTokens += int64(r.CompletionTokens)
		b.TotalTokens += int64(r.TotalTokens)
		b.TotalCost += r.TotalCost

		rank(models, r.Model, r)
		if r.UserID != "" {
			rank(users, r.UserID, r)
		}
		rank(provs, r.Provider, r)
	}
	m.mu.RUnlock()

	if timeGrouped(groupBy) {
		for i := range sum.Buckets {
			sum.Buckets[i] = *byKey[sum.Buckets[i].Period]
		}
	} else {
		for _, b := range byKey {
			sum.Buckets = append(sum.Buckets, *b)
		}
		sort.Slice(sum.Buckets, func(i, j int) bool {
			if sum.Buckets[i].TotalCost != sum.Buckets[j].TotalCost {
				return sum.Buckets[i].TotalCost > sum.Buckets[j].TotalCost
			}
			return sum.Buckets[i].Period < sum.Buckets[j].Period
		})
	}

	sum.TopModels = topRanked(models)
	sum.TopUsers = topRanked(users)
	sum.TopProviders = topRanked(provs)
	return sum, nil
}

func (q *Query) matches(r *Record) bool {
	if !q.From.IsZero() && r.CreatedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !r.CreatedAt.Before(q.To) {
		return false
	}
	if q.APIKeyID != "" && r.APIKeyID != q.APIKeyID {
		return false
	}
	if q.UserID != "" && r.UserID != q.UserID {
		return false
	}
	if q.ProjectID != "" && r.ProjectID != q.ProjectID {
		return false
	}
	if q.Model != "" && r.Model != q.Model {
		return false
	}
	if q.Provider != "" && r.Provider != q.Provider {
		return false
	}
	return true
}

func rank(m map[string]*Ranked, key string, r *Record) {
	e, ok := m[key]
	if !ok {
		e = &Ranked{Key: key}
		m[key] = e
	}
	e.Requests++
	e.TotalTokens += int64(r.TotalTokens)
	e.TotalCost += r.TotalCost
}

// topRanked orders by cost descending (key ascending on ties) and truncates
// to topN.
func topRanked(m map[string]*Ranked) []Ranked {
	out := make([]Ranked, 0, len(m))
	for _, e := range m {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalCost != out[j].TotalCost {
			return out[i].TotalCost > out[j].TotalCost
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}
