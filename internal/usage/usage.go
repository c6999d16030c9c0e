// Package usage implements the token accounting pipeline: token estimation,
// cost computation, asynchronous recording, persistence, and aggregate
// summaries.
//
// Records are append-only. The hot path hands a finished record to the
// Recorder and returns immediately; persistence happens on a background
// goroutine in batches.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is one immutable token-usage entry, written once per completed
// (or cached, or blocked) request.
type Record struct {
	ID               uuid.UUID
	RequestID        string
	APIKeyID         string
	UserID           string
	ProjectID        string
	Model            string // canonical id, e.g. "openai.gpt-4o"
	Provider         string
	RequestType      string // completion | embedding | stream
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	PromptCost       float64 // USD
	CompletionCost   float64 // USD
	TotalCost        float64 // USD
	Estimated        bool // token counts or prices were estimated, not provider-reported
	Cached           bool
	LatencyMs        int64
	Status           int
	CreatedAt        time.Time
}

// Repository persists usage records and answers aggregate queries.
type Repository interface {
	// Insert appends a batch of records. Records are never updated or
	// deleted.
	Insert(ctx context.Context, records []Record) error

	// Summarize aggregates records matching q.
	Summarize(ctx context.Context, q Query) (*Summary, error)

	// Close releases the backing store.
	Close() error
}

// Group-by dimensions accepted by Query. Day and month bucket by calendar
// period (zero-filled); model, user, and provider bucket by entity.
const (
	GroupByDay      = "day"
	GroupByMonth    = "month"
	GroupByModel    = "model"
	GroupByUser     = "user"
	GroupByProvider = "provider"
)

// timeGrouped reports whether groupBy buckets by calendar period.
func timeGrouped(groupBy string) bool {
	return groupBy == "" || groupBy == GroupByDay || groupBy == GroupByMonth
}

// Query selects and groups records for Summarize. From is inclusive, To
// exclusive. Zero-valued filters match everything.
type Query struct {
	From    time.Time
	To      time.Time
	GroupBy string // day | month | model | user | provider; empty means day

	APIKeyID  string
	UserID    string
	ProjectID string
	Model     string
	Provider  string
}

// Bucket is one group in a summary. Period is "2006-01-02" for day grouping,
// "2006-01" for month grouping, and the entity key (canonical model id, user
// id, provider name) for the entity dimensions.
type Bucket struct {
	Period           string  `json:"period"`
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	TotalTokens      int64   `json:"totalTokens"`
	TotalCost        float64 `json:"totalCost"`
}

// Ranked is one entry in a top-N list, ordered by cost descending.
type Ranked struct {
	Key        string  `json:"key"`
	Requests   int64   `json:"requests"`
	TotalTokens int64  `json:"totalTokens"`
	TotalCost  float64 `json:"totalCost"`
}

// Summary is the aggregate answer to a Query. Time-grouped buckets are
// zero-filled: every period between From and To appears even when no records
// fall into it. Entity-grouped buckets carry only observed keys, ordered by
// cost descending.
type Summary struct {
	From             time.Time `json:"from"`
	To               time.Time `json:"to"`
	Requests         int64     `json:"requests"`
	PromptTokens     int64     `json:"promptTokens"`
	CompletionTokens int64     `json:"completionTokens"`
	TotalTokens      int64     `json:"totalTokens"`
	TotalCost        float64   `json:"totalCost"`
	Buckets          []Bucket  `json:"buckets"`
	TopModels        []Ranked  `json:"topModels"`
	TopUsers         []Ranked  `json:"topUsers"`
	TopProviders     []Ranked  `json:"topProviders"`
}

// topN is the length of the ranked lists in a summary.
const topN = 5

// bucketKey formats t into the bucket label for the given granularity.
func bucketKey(t time.Time, groupBy string) string {
	if groupBy == GroupByMonth {
		return t.UTC().Format("2006-01")
	}
	return t.UTC().Format("2006-01-02")
}

// groupKey returns r's bucket key under the given dimension.
func groupKey(r *Record, groupBy string) string {
	switch groupBy {
	case GroupByModel:
		return r.Model
	case GroupByUser:
		return r.UserID
	case GroupByProvider:
		return r.Provider
	default:
		return bucketKey(r.CreatedAt, groupBy)
	}
}

// zeroFill returns the ordered, empty bucket list covering [from, to).
func zeroFill(from, to time.Time, groupBy string) []Bucket {
	var out []Bucket
	seen := map[string]bool{}
	step := func(t time.Time) time.Time {
		if groupBy == GroupByMonth {
			return t.AddDate(0, 1, 0)
		}
		return t.AddDate(0, 0, 1)
	}
	for t := from.UTC(); t.Before(to.UTC()); t = step(t) {
		k := bucketKey(t, groupBy)
		if !seen[k] {
			seen[k] = true
			out = append(out, Bucket{Period: k})
		}
	}
	// The final partial bucket when To is not aligned to a boundary.
	if !to.UTC().Equal(from.UTC()) {
		last := bucketKey(to.UTC().Add(-time.Nanosecond), groupBy)
		if !seen[last] {
			out = append(out, Bucket{Period: last})
		}
	}
	return out
}
