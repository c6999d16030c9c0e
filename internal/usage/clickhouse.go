package usage

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseRepository persists records in a ClickHouse table, the backend
// for multi-replica deployments where usage must survive restarts and be
// queryable at scale.
type ClickHouseRepository struct {
	conn driver.Conn
}

const usageDDL = `
CREATE TABLE IF NOT EXISTS token_usage (
    id               UUID,
    request_id       String,
    api_key_id       String,
    user_id          String,
    project_id       String,
    model            LowCardinality(String),
    provider         LowCardinality(String),
    request_type     LowCardinality(String),
    prompt_tokens    UInt32,
    completion_tokens UInt32,
    total_tokens     UInt32,
    prompt_cost      Float64,
    completion_cost  Float64,
    total_cost       Float64,
    estimated        UInt8,
    cached           UInt8,
    latency_ms       UInt32,
    status           UInt16,
    created_at       DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (created_at, provider, model)
`

// NewClickHouseRepository connects using the DSN and ensures the table
// exists.
func NewClickHouseRepository(ctx context.Context, dsn string) (*ClickHouseRepository, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("usage: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("usage: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("usage: ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, usageDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("usage: create token_usage table: %w", err)
	}
	return &ClickHouseRepository{conn: conn}, nil
}

func (c *ClickHouseRepository) Insert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO token_usage")
	if err != nil {
		return fmt.Errorf("usage: prepare batch: %w", err)
	}
	for i := range records {
		r := &records[i]
		err := batch.Append(
			r.ID,
			r.RequestID,
			r.APIKeyID,
			r.UserID,
			r.ProjectID,
			r.Model,
			r.Provider,
			r.RequestType,
			uint32(r.PromptTokens),
			uint32(r.CompletionTokens),
			uint32(r.TotalTokens),
			r.PromptCost,
			r.CompletionCost,
			r.TotalCost,
			boolToUInt8(r.Estimated),
			boolToUInt8(r.Cached),
			uint32(r.LatencyMs),
			uint16(r.Status),
			r.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("usage: append record: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("usage: send batch: %w", err)
	}
	return nil
}

func (c *ClickHouseRepository) Summarize(ctx context.Context, q Query) (*Summary, error) {
	groupBy := q.GroupBy
	if groupBy == "" {
		groupBy = GroupByDay
	}
	var periodExpr string
	switch groupBy {
	case GroupByMonth:
		periodExpr = "formatDateTime(created_at, '%Y-%m')"
	case GroupByModel:
		periodExpr = "model"
	case GroupByUser:
		periodExpr = "user_id"
	case GroupByProvider:
		periodExpr = "provider"
	default:
		periodExpr = "formatDateTime(created_at, '%Y-%m-%d')"
	}
	orderExpr := "period"
	if !timeGrouped(groupBy) {
		orderExpr = "sum(total_cost) DESC, period"
	}

	where, args := q.whereClause()

	sum := &Summary{
		From: q.From.UTC(),
		To:   q.To.UTC(),
	}
	var byPeriod map[string]*Bucket
	if timeGrouped(groupBy) {
		sum.Buckets = zeroFill(q.From, q.To, groupBy)
		byPeriod = make(map[string]*Bucket, len(sum.Buckets))
		for i := range sum.Buckets {
			byPeriod[sum.Buckets[i].Period] = &sum.Buckets[i]
		}
	}

	bucketSQL := fmt.Sprintf(`
SELECT %s AS period,
       count() AS requests,
       sum(prompt_tokens), sum(completion_tokens), sum(total_tokens),
       sum(total_cost)
FROM token_usage
%s
GROUP BY period
ORDER BY %s`, periodExpr, where, orderExpr)

	rows, err := c.conn.Query(ctx, bucketSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("usage: bucket query: %w", err)
	}
	for rows.Next() {
		var (
			period                 string
			requests               uint64
			prompt, compl, total   uint64
			cost                   float64
		)
		if err := rows.Scan(&period, &requests, &prompt, &compl, &total, &cost); err != nil {
			rows.Close()
			return nil, fmt.Errorf("usage: bucket scan: %w", err)
		}
		sum.Requests += int64(requests)
		sum.PromptTokens += int64(prompt)
		sum.CompletionTokens += int64(compl)
		sum.TotalTokens += int64(total)
		sum.TotalCost += cost
		if byPeriod != nil {
			if b, ok := byPeriod[period]; ok {
				b.Requests = int64(requests)
				b.PromptTokens = int64(prompt)
				b.CompletionTokens = int64(compl)
				b.TotalTokens = int64(total)
				b.TotalCost = cost
			}
		} else if period != "" {
			sum.Buckets = append(sum.Buckets, Bucket{
				Period:           period,
				Requests:         int64(requests),
				PromptTokens:     int64(prompt),
				CompletionTokens: int64(compl),
				TotalTokens:      int64(total),
				TotalCost:        cost,
			})
		}
	}
	rows.Close()

	for _, dim := range []struct {
		column string
		dest   *[]Ranked
	}{
		{"model", &sum.TopModels},
		{"user_id", &sum.TopUsers},
		{"provider", &sum.TopProviders},
	} {
		ranked, err := c.topBy(ctx, dim.column, where, args)
		if err != nil {
			return nil, err
		}
		*dim.dest = ranked
	}

	return sum, nil
}

func (c *ClickHouseRepository) topBy(ctx context.Context, column, where string, args []any) ([]Ranked, error) {
	sql := fmt.Sprintf(`
SELECT %s AS key, count() AS requests, sum(total_tokens), sum(total_cost)
FROM token_usage
%s AND %s != ''
GROUP BY key
ORDER BY sum(total_cost) DESC, key ASC
LIMIT %d`, column, where, column, topN)

	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("usage: top %s query: %w", column, err)
	}
	defer rows.Close()

	var out []Ranked
	for rows.Next() {
		var (
			key      string
			requests uint64
			tokens   uint64
			cost     float64
		)
		if err := rows.Scan(&key, &requests, &tokens, &cost); err != nil {
			return nil, fmt.Errorf("usage: top %s scan: %w", column, err)
		}
		out = append(out, Ranked{Key: key, Requests: int64(requests), TotalTokens: int64(tokens), TotalCost: cost})
	}
	return out, nil
}

// Ping reports whether the ClickHouse connection is healthy.
func (c *ClickHouseRepository) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *ClickHouseRepository) Close() error {
	return c.conn.Close()
}

// whereClause builds the shared WHERE clause; always emits at least one
// predicate so callers can append "AND ...".
func (q *Query) whereClause() (string, []any) {
	where := "WHERE 1 = 1"
	var args []any
	if !q.From.IsZero() {
		where += " AND created_at >= ?"
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		where += " AND created_at < ?"
		args = append(args, q.To.UTC())
	}
	for _, f := range []struct {
		col string
		val string
	}{
		{"api_key_id", q.APIKeyID},
		{"user_id", q.UserID},
		{"project_id", q.ProjectID},
		{"model", q.Model},
		{"provider", q.Provider},
	} {
		if f.val != "" {
			where += " AND " + f.col + " = ?"
			args = append(args, f.val)
		}
	}
	return where, args
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
