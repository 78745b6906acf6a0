package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ProjectRepository is the Postgres ProjectStore.
type ProjectRepository struct {
	db *DB
}

// NewProjectRepository creates a new project repository
func NewProjectRepository(db *DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// EnsureProject checks ownership of projectID, or returns the owner's
// default project, creating it on first use.
func (r *ProjectRepository) EnsureProject(ctx context.Context, ownerID, projectID string) (string, error) {
	if projectID != "" {
		return r.ownedProject(ctx, ownerID, projectID)
	}

	query := `
		WITH inserted AS (
			INSERT INTO projects (id, owner_id, name, is_default, created_at, updated_at)
			VALUES ($1, $2, 'Default', TRUE, $3, $3)
			ON CONFLICT (owner_id) WHERE is_default DO NOTHING
			RETURNING id
		)
		SELECT id::text FROM inserted
		UNION ALL
		SELECT id::text FROM projects WHERE owner_id = $2 AND is_default
		LIMIT 1
	`

	var id string
	err := r.db.conn.GetContext(ctx, &id, query, uuid.NewString(), ownerID, time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		// a concurrent insert won the conflict after our snapshot was taken
		err = r.db.conn.GetContext(ctx, &id,
			`SELECT id::text FROM projects WHERE owner_id = $1 AND is_default`, ownerID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to ensure default project: %w", err)
	}
	return id, nil
}

func (r *ProjectRepository) ownedProject(ctx context.Context, ownerID, projectID string) (string, error) {
	if _, err := uuid.Parse(projectID); err != nil {
		return "", ErrProjectNotFound
	}

	var id string
	err := r.db.conn.GetContext(ctx, &id,
		`SELECT id::text FROM projects WHERE id = $1 AND owner_id = $2`, projectID, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrProjectNotFound
		}
		return "", fmt.Errorf("failed to get project: %w", err)
	}
	return id, nil
}

// UpdateDefaultModels replaces the project's default provider list
func (r *ProjectRepository) UpdateDefaultModels(ctx context.Context, projectID string, providerKeys []string) error {
	if _, err := uuid.Parse(projectID); err != nil {
		return ErrProjectNotFound
	}

	result, err := r.db.conn.ExecContext(ctx,
		`UPDATE projects SET default_models = $2, updated_at = $3 WHERE id = $1`,
		projectID, pq.StringArray(providerKeys), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update default models: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrProjectNotFound
	}
	return nil
}
