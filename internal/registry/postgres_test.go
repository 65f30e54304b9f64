package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-chapters/proximity/internal/registry"
	"github.com/aura-chapters/proximity/internal/testfixtures"
)

// pgFixture runs against a real database. Window checks use the database clock, so
// sessions are placed relative to dbNow rather than a test clock.
type pgFixture struct {
	pool  *pgxpool.Pool
	reg   *registry.Postgres
	orgID uuid.UUID
	dbNow time.Time
}

func newPGFixture(t *testing.T) *pgFixture {
	t.Helper()
	pool := testfixtures.Postgres(t)
	org := testfixtures.Organization(t, pool)
	var now time.Time
	require.NoError(t, pool.QueryRow(context.Background(), `SELECT NOW()`).Scan(&now))
	return &pgFixture{pool: pool, reg: registry.NewPostgres(pool, nil, nil), orgID: org.ID, dbNow: now}
}

func (f *pgFixture) create(t *testing.T, title string, startsAt time.Time, seconds int) string {
	t.Helper()
	s, err := f.reg.CreateSession(context.Background(), registry.CreateSessionParams{
		OrganizationID:  f.orgID,
		Title:           title,
		StartsAt:        startsAt,
		DurationSeconds: seconds,
		CreatedBy:       uuid.New(),
	})
	require.NoError(t, err)
	return s.Token
}

func TestPostgresCreateForUnknownOrganization(t *testing.T) {
	f := newPGFixture(t)
	_, err := f.reg.CreateSession(context.Background(), registry.CreateSessionParams{
		OrganizationID: uuid.New(), Title: "Nowhere", DurationSeconds: 600, CreatedBy: uuid.New(),
	})
	var verr *registry.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.FieldErrors, "organization_id")
}

func TestPostgresSubmitTwiceIsSuccessThenAlreadyRecorded(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	tok := f.create(t, "Chapter Meeting", time.Time{}, 3600)
	member := uuid.New()

	res, err := f.reg.SubmitAttendance(ctx, tok, member)
	require.NoError(t, err)
	assert.Equal(t, registry.Success, res)
	res, err = f.reg.SubmitAttendance(ctx, tok, member)
	require.NoError(t, err)
	assert.Equal(t, registry.AlreadyRecorded, res)

	records, err := f.reg.ListAttendance(ctx, tok)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, member, records[0].MemberID)
	assert.Equal(t, f.orgID, records[0].OrganizationID)
}

func TestPostgresWindowBoundary(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	started := f.dbNow.Add(-10 * time.Minute)
	ended := f.create(t, "Ends Now", started, 600)
	open := f.create(t, "Still Open", started, 3600)
	later := f.create(t, "Later", f.dbNow.Add(time.Hour), 600)

	res, err := f.reg.SubmitAttendance(ctx, ended, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, registry.SessionExpired, res, "at ends_at")
	res, err = f.reg.SubmitAttendance(ctx, later, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, registry.SessionExpired, res, "before starts_at")
	res, err = f.reg.SubmitAttendance(ctx, open, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, registry.Success, res)

	active, err := f.reg.ListActiveSessions(ctx, f.orgID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, open, active[0].Token)
}

func TestPostgresStop(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	tok := f.create(t, "Stop", time.Time{}, 600)
	early := uuid.New()
	res, err := f.reg.SubmitAttendance(ctx, tok, early)
	require.NoError(t, err)
	require.Equal(t, registry.Success, res)

	for i := 0; i < 2; i++ {
		stop, err := f.reg.StopSession(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, registry.StopSuccess, stop)
	}
	stop, err := f.reg.StopSession(ctx, "K7QM2XWP9RTD")
	require.NoError(t, err)
	assert.Equal(t, registry.StopNotFound, stop)

	res, err = f.reg.SubmitAttendance(ctx, tok, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, registry.SessionExpired, res)
	res, err = f.reg.SubmitAttendance(ctx, tok, early)
	require.NoError(t, err)
	assert.Equal(t, registry.AlreadyRecorded, res)

	active, err := f.reg.ListActiveSessions(ctx, f.orgID)
	require.NoError(t, err)
	assert.Empty(t, active)
	s, err := f.reg.GetSession(ctx, tok)
	require.NoError(t, err)
	assert.NotNil(t, s.StoppedAt)
}

func TestPostgresSubmitUnknownToken(t *testing.T) {
	f := newPGFixture(t)
	res, err := f.reg.SubmitAttendance(context.Background(), "K7QM2XWP9RTD", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, registry.InvalidToken, res)
	_, err = f.reg.GetSession(context.Background(), "K7QM2XWP9RTD")
	assert.ErrorIs(t, err, registry.ErrSessionNotFound)
}

func TestPostgresConcurrentSubmissionsBySameMember(t *testing.T) {
	f := newPGFixture(t)
	tok := f.create(t, "Rush", time.Time{}, 600)
	member := uuid.New()

	var wg sync.WaitGroup
	results := make([]registry.SubmitResult, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.reg.SubmitAttendance(context.Background(), tok, member)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, r := range results {
		if r == registry.Success {
			successes++
		} else {
			assert.Equal(t, registry.AlreadyRecorded, r)
		}
	}
	assert.Equal(t, 1, successes)
	records, err := f.reg.ListAttendance(context.Background(), tok)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
