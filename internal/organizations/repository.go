package organizations

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-chapters/proximity/internal/models"
)

// Repository is the Postgres-backed Directory. Rows inserted without a beacon code draw one
// from a sequence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an organizations repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const orgColumns = `id, name, slug, beacon_code, created_at, updated_at`

// ErrCodeConflict reports that another organization already holds the slug or beacon code.
var ErrCodeConflict = errors.New("organizations: slug or beacon code held by another organization")

// Ensure writes org under its own ID and beacon code, updating the row if it exists. Used to
// seed configured organizations so sessions can reference them.
func (r *Repository) Ensure(ctx context.Context, org *models.Organization) error {
	org.Slug = NormalizeSlug(org.Slug)
	if org.ID == uuid.Nil || org.BeaconCode == 0 {
		return fmt.Errorf("ensure organization %q: id and beacon code are required", org.Slug)
	}
	const q = `INSERT INTO organizations (id, name, slug, beacon_code)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, slug = EXCLUDED.slug, beacon_code = EXCLUDED.beacon_code, updated_at = NOW()
		RETURNING ` + orgColumns
	var code int32
	err := r.pool.QueryRow(ctx, q, org.ID, org.Name, org.Slug, int32(org.BeaconCode)).
		Scan(&org.ID, &org.Name, &org.Slug, &code, &org.CreatedAt, &org.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("ensure organization %q: %w", org.Slug, ErrCodeConflict)
	}
	if err != nil {
		return fmt.Errorf("ensure organization %q: %w", org.Slug, err)
	}
	org.BeaconCode = models.OrganizationCode(code)
	return nil
}

func (r *Repository) getOne(ctx context.Context, where string, arg interface{}) (*models.Organization, error) {
	q := `SELECT ` + orgColumns + ` FROM organizations WHERE ` + where
	var (
		org  models.Organization
		code int32
	)
	err := r.pool.QueryRow(ctx, q, arg).Scan(&org.ID, &org.Name, &org.Slug, &code, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownOrganization
	}
	if err != nil {
		return nil, err
	}
	org.BeaconCode = models.OrganizationCode(code)
	return &org, nil
}

// GetByID implements Directory.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	return r.getOne(ctx, `id = $1`, id)
}

// GetBySlug implements Directory.
func (r *Repository) GetBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	return r.getOne(ctx, `slug = $1`, NormalizeSlug(slug))
}

// ResolveCode implements Directory.
func (r *Repository) ResolveCode(ctx context.Context, code models.OrganizationCode) (*models.Organization, error) {
	if code == 0 {
		return nil, ErrUnknownOrganization
	}
	return r.getOne(ctx, `beacon_code = $1`, int32(code))
}

// CodeForSlug implements Directory.
func (r *Repository) CodeForSlug(ctx context.Context, slug string) (models.OrganizationCode, error) {
	org, err := r.GetBySlug(ctx, slug)
	if err != nil {
		return 0, err
	}
	return org.BeaconCode, nil
}
