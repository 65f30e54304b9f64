package testfixtures

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-chapters/proximity/internal/models"
	"github.com/aura-chapters/proximity/pkg/database"
)

// PostgresEnv names the variable pointing integration tests at a disposable database.
const PostgresEnv = "TEST_DATABASE_URL"

// Postgres connects to the database named by PostgresEnv and applies the migrations. The
// test is skipped when the variable is unset.
func Postgres(t testing.TB) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(PostgresEnv)
	if dsn == "" {
		t.Skipf("%s not set", PostgresEnv)
	}
	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, database.Migrate(ctx, pool))
	return pool
}

// Organization inserts a throwaway organization with a random slug and beacon code, and
// deletes it (with its sessions) when the test ends.
func Organization(t testing.TB, pool *pgxpool.Pool) models.Organization {
	t.Helper()
	ctx := context.Background()
	for attempt := 0; attempt < 8; attempt++ {
		org := models.Organization{
			ID:         uuid.New(),
			Slug:       "test-" + uuid.NewString()[:8],
			BeaconCode: models.OrganizationCode(40000 + rand.IntN(25000)),
		}
		org.Name = org.Slug
		_, err := pool.Exec(ctx, `INSERT INTO organizations (id, name, slug, beacon_code) VALUES ($1, $2, $3, $4)`,
			org.ID, org.Name, org.Slug, int32(org.BeaconCode))
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			continue
		}
		require.NoError(t, err)
		t.Cleanup(func() {
			_, _ = pool.Exec(context.Background(), `DELETE FROM organizations WHERE id = $1`, org.ID)
		})
		return org
	}
	t.Fatal("no free beacon code for test organization")
	return models.Organization{}
}
