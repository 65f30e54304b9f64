package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ExportRepository records roster exports in Postgres.
type ExportRepository struct {
	pool *pgxpool.Pool
}

// NewExportRepository creates an export repository.
func NewExportRepository(pool *pgxpool.Pool) *ExportRepository {
	return &ExportRepository{pool: pool}
}

// RecordExport upserts the latest export for a session.
func (r *ExportRepository) RecordExport(ctx context.Context, sessionID uuid.UUID, key string, count int) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO roster_exports (session_id, s3_key, record_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE
		SET s3_key = EXCLUDED.s3_key, record_count = EXCLUDED.record_count, exported_at = NOW()`,
		sessionID, key, count)
	if err != nil {
		return fmt.Errorf("record roster export: %w", err)
	}
	return nil
}
