package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"llm_fanout/internal/models"
)

const aggregateColumns = `
	id, owner_id, project_id, prompt, results, requested_providers, original_providers,
	selected_provider, overall_status, total_count, completed_count, failed_count,
	total_tokens_used, settings, started_at, ended_at, duration_ms, created_at, updated_at`

// aggregateRow is the response_aggregates row as sqlx scans it.
type aggregateRow struct {
	ID                 string                    `db:"id"`
	OwnerID            string                    `db:"owner_id"`
	ProjectID          string                    `db:"project_id"`
	Prompt             string                    `db:"prompt"`
	Results            models.ResultSet          `db:"results"`
	RequestedProviders pq.StringArray            `db:"requested_providers"`
	OriginalProviders  pq.StringArray            `db:"original_providers"`
	SelectedProvider   *string                   `db:"selected_provider"`
	OverallStatus      string                    `db:"overall_status"`
	TotalCount         int                       `db:"total_count"`
	CompletedCount     int                       `db:"completed_count"`
	FailedCount        int                       `db:"failed_count"`
	TotalTokensUsed    int                       `db:"total_tokens_used"`
	Settings           models.GenerationSettings `db:"settings"`
	StartedAt          time.Time                 `db:"started_at"`
	EndedAt            *time.Time                `db:"ended_at"`
	DurationMs         int64                     `db:"duration_ms"`
	CreatedAt          time.Time                 `db:"created_at"`
	UpdatedAt          time.Time                 `db:"updated_at"`
}

func (r *aggregateRow) toModel() *models.ResponseAggregate {
	return &models.ResponseAggregate{
		ID:                 r.ID,
		OwnerID:            r.OwnerID,
		ProjectID:          r.ProjectID,
		Prompt:             r.Prompt,
		Results:            r.Results,
		RequestedProviders: []string(r.RequestedProviders),
		OriginalProviders:  []string(r.OriginalProviders),
		SelectedProvider:   r.SelectedProvider,
		OverallStatus:      models.OverallStatus(r.OverallStatus),
		TotalCount:         r.TotalCount,
		CompletedCount:     r.CompletedCount,
		FailedCount:        r.FailedCount,
		TotalTokensUsed:    r.TotalTokensUsed,
		Settings:           r.Settings,
		StartedAt:          r.StartedAt,
		EndedAt:            r.EndedAt,
		DurationMs:         r.DurationMs,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

// AggregateRepository is the Postgres AggregateStore. Results live in one
// jsonb column; a provider completion patches its own key with jsonb_set
// under the row lock, so concurrent completions never overwrite each other.
type AggregateRepository struct {
	db  *DB
	now func() time.Time
}

// NewAggregateRepository creates a new response aggregate repository
func NewAggregateRepository(db *DB) *AggregateRepository {
	return &AggregateRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a new aggregate
func (r *AggregateRepository) Create(ctx context.Context, agg *models.ResponseAggregate) error {
	query := `
		INSERT INTO response_aggregates (` + aggregateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

	_, err := r.db.conn.ExecContext(ctx, query,
		agg.ID, agg.OwnerID, agg.ProjectID, agg.Prompt, agg.Results,
		pq.StringArray(agg.RequestedProviders), pq.StringArray(agg.OriginalProviders),
		agg.SelectedProvider, string(agg.OverallStatus),
		agg.TotalCount, agg.CompletedCount, agg.FailedCount, agg.TotalTokensUsed,
		agg.Settings, agg.StartedAt, agg.EndedAt, agg.DurationMs, agg.CreatedAt, agg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create response aggregate: %w", err)
	}
	return nil
}

// Get retrieves an aggregate by ID
func (r *AggregateRepository) Get(ctx context.Context, id string) (*models.ResponseAggregate, error) {
	return r.get(ctx, r.db.conn, id, false)
}

func (r *AggregateRepository) get(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*models.ResponseAggregate, error) {
	query := `SELECT ` + aggregateColumns + ` FROM response_aggregates WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var row aggregateRow
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isInvalidUUID(err) {
			return nil, ErrAggregateNotFound
		}
		return nil, fmt.Errorf("failed to get response aggregate: %w", err)
	}
	return row.toModel(), nil
}

// List returns the owner's aggregates, newest first
func (r *AggregateRepository) List(ctx context.Context, ownerID string, filter ListFilter) (*ListResult, error) {
	conds := []string{"owner_id = $1"}
	args := []any{ownerID}
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.ProjectID != "" {
		add("project_id::text = $%d", filter.ProjectID)
	}
	if filter.Status != "" {
		add("overall_status = $%d", string(filter.Status))
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= $%d", *filter.To)
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := r.db.conn.GetContext(ctx, &total, `SELECT COUNT(*) FROM response_aggregates WHERE `+where, args...); err != nil {
		return nil, fmt.Errorf("failed to count response aggregates: %w", err)
	}

	query := `SELECT ` + aggregateColumns + ` FROM response_aggregates WHERE ` + where +
		` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var rows []aggregateRow
	if err := r.db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list response aggregates: %w", err)
	}

	result := &ListResult{
		Aggregates: make([]*models.ResponseAggregate, 0, len(rows)),
		TotalCount: total,
	}
	for i := range rows {
		result.Aggregates = append(result.Aggregates, rows[i].toModel())
	}
	return result, nil
}

// ApplyResult patches results[key] and recomputes the counters in one
// transaction. The first UPDATE takes the row lock, so the recompute always
// sees every patch committed before it.
func (r *AggregateRepository) ApplyResult(ctx context.Context, id string, result models.ProviderResult) (*models.ResponseAggregate, error) {
	doc, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode provider result: %w", err)
	}
	now := r.now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	patch := `
		UPDATE response_aggregates
		SET results = jsonb_set(results, ARRAY[$2::text], $3::jsonb), updated_at = $4
		WHERE id = $1 AND results -> $2::text IS NOT NULL
		RETURNING ` + aggregateColumns

	var row aggregateRow
	if err := tx.GetContext(ctx, &row, patch, id, result.ProviderKey, string(doc), now); err != nil {
		if isInvalidUUID(err) {
			return nil, ErrAggregateNotFound
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.missingTarget(ctx, tx, id)
		}
		return nil, fmt.Errorf("failed to patch provider result: %w", err)
	}

	agg := row.toModel()
	agg.Recompute(now)

	counters := `
		UPDATE response_aggregates
		SET overall_status = $2, completed_count = $3, failed_count = $4,
			total_tokens_used = $5, ended_at = $6, duration_ms = $7
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, counters, id, string(agg.OverallStatus),
		agg.CompletedCount, agg.FailedCount, agg.TotalTokensUsed, agg.EndedAt, agg.DurationMs); err != nil {
		return nil, fmt.Errorf("failed to update aggregate counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit provider result: %w", err)
	}
	return agg, nil
}

// missingTarget tells a missing aggregate apart from a missing provider key.
func (r *AggregateRepository) missingTarget(ctx context.Context, q sqlx.QueryerContext, id string) error {
	var exists bool
	err := sqlx.GetContext(ctx, q, &exists, `SELECT EXISTS(SELECT 1 FROM response_aggregates WHERE id = $1)`, id)
	if err != nil {
		return fmt.Errorf("failed to check response aggregate: %w", err)
	}
	if !exists {
		return ErrAggregateNotFound
	}
	return models.ErrResultNotFound
}

// SelectProvider collapses the aggregate to one successful provider in a
// single statement. The WHERE clause is the validity check: when it matches
// nothing the row is left untouched.
func (r *AggregateRepository) SelectProvider(ctx context.Context, id, providerKey string) (*models.ResponseAggregate, error) {
	query := `
		UPDATE response_aggregates
		SET results = jsonb_build_object($2::text, results -> $2::text),
			requested_providers = ARRAY[$2::text],
			selected_provider = $2::text,
			overall_status = 'completed',
			total_count = 1,
			completed_count = 1,
			failed_count = 0,
			total_tokens_used = COALESCE((results -> $2::text -> 'tokenUsage' ->> 'total')::int, 0),
			ended_at = COALESCE(ended_at, $3::timestamptz),
			duration_ms = CASE
				WHEN ended_at IS NULL THEN (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint
				ELSE duration_ms
			END,
			updated_at = $3::timestamptz
		WHERE id = $1 AND results -> $2::text ->> 'status' = 'success'
		RETURNING ` + aggregateColumns

	var row aggregateRow
	err := r.db.conn.GetContext(ctx, &row, query, id, providerKey, r.now())
	if err == nil {
		return row.toModel(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) && !isInvalidUUID(err) {
		return nil, fmt.Errorf("failed to select provider: %w", err)
	}

	if _, getErr := r.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, models.ErrInvalidSelection
}

// ClearSelection drops the selected provider and resets the requested
// providers to the keys still present (or the original set if none are).
func (r *AggregateRepository) ClearSelection(ctx context.Context, id string) (*models.ResponseAggregate, error) {
	query := `
		UPDATE response_aggregates
		SET selected_provider = NULL,
			requested_providers = CASE
				WHEN results = '{}'::jsonb THEN original_providers
				ELSE ARRAY(SELECT k FROM jsonb_object_keys(results) AS k ORDER BY k COLLATE "C")
			END,
			updated_at = $2
		WHERE id = $1
		RETURNING ` + aggregateColumns

	var row aggregateRow
	if err := r.db.conn.GetContext(ctx, &row, query, id, r.now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isInvalidUUID(err) {
			return nil, ErrAggregateNotFound
		}
		return nil, fmt.Errorf("failed to clear selection: %w", err)
	}
	return row.toModel(), nil
}

// UpdateResultText replaces a successful result's text under the row lock.
func (r *AggregateRepository) UpdateResultText(ctx context.Context, id, providerKey, text string) (*models.ResponseAggregate, error) {
	now := r.now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	agg, err := r.get(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if err := agg.EditResult(providerKey, text, now); err != nil {
		return nil, err
	}

	doc, err := json.Marshal(agg.Results[providerKey])
	if err != nil {
		return nil, fmt.Errorf("failed to encode provider result: %w", err)
	}
	query := `
		UPDATE response_aggregates
		SET results = jsonb_set(results, ARRAY[$2::text], $3::jsonb), updated_at = $4
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, query, id, providerKey, string(doc), now); err != nil {
		return nil, fmt.Errorf("failed to update result text: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit result edit: %w", err)
	}
	return agg, nil
}

// Delete removes an aggregate
func (r *AggregateRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.conn.ExecContext(ctx, `DELETE FROM response_aggregates WHERE id = $1`, id)
	if err != nil {
		if isInvalidUUID(err) {
			return ErrAggregateNotFound
		}
		return fmt.Errorf("failed to delete response aggregate: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAggregateNotFound
	}
	return nil
}

// isInvalidUUID reports a malformed id rejected by Postgres, which callers
// see as "not found" rather than as a server error.
func isInvalidUUID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}
