package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-chapters/proximity/internal/models"
	"github.com/aura-chapters/proximity/internal/organizations"
	"github.com/aura-chapters/proximity/internal/registry"
	"github.com/aura-chapters/proximity/internal/testfixtures"
	"github.com/aura-chapters/proximity/internal/token"
)

// scriptedTokens replays a fixed token list.
type scriptedTokens struct {
	mu     sync.Mutex
	tokens []string
}

func (s *scriptedTokens) Generate() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := s.tokens[0]
	if len(s.tokens) > 1 {
		s.tokens = s.tokens[1:]
	}
	return tok, false
}

type fixture struct {
	clock *testfixtures.Clock
	reg   *registry.Memory
	orgID uuid.UUID
}

func newFixture(t *testing.T, opts ...registry.MemoryOption) *fixture {
	t.Helper()
	dir, err := organizations.NewStaticDirectory(mustParse(t, "nhs-east:1,key-club:2"))
	require.NoError(t, err)
	clock := testfixtures.NewClock(time.Time{})
	opts = append([]registry.MemoryOption{registry.WithClock(clock.Now), registry.WithDirectory(dir)}, opts...)
	return &fixture{
		clock: clock,
		reg:   registry.NewMemory(nil, opts...),
		orgID: organizations.SlugID("nhs-east"),
	}
}

func mustParse(t *testing.T, codes string) []models.Organization {
	t.Helper()
	orgs, err := organizations.ParseCodes(codes)
	require.NoError(t, err)
	return orgs
}

func (f *fixture) create(t *testing.T, title string, seconds int) string {
	t.Helper()
	s, err := f.reg.CreateSession(context.Background(), registry.CreateSessionParams{
		OrganizationID:  f.orgID,
		Title:           title,
		DurationSeconds: seconds,
		CreatedBy:       uuid.New(),
	})
	require.NoError(t, err)
	return s.Token
}

func TestCreateSessionIssuesValidToken(t *testing.T) {
	f := newFixture(t)
	s, err := f.reg.CreateSession(context.Background(), registry.CreateSessionParams{
		OrganizationID:  f.orgID,
		Title:           "  Chapter Meeting ",
		DurationSeconds: 3600,
	})
	require.NoError(t, err)
	assert.NoError(t, token.ValidateShape(s.Token))
	assert.Equal(t, "Chapter Meeting", s.Title)
	assert.Equal(t, f.clock.Now(), s.StartsAt)
	assert.Equal(t, f.clock.Now().Add(time.Hour), s.EndsAt)
	assert.Nil(t, s.StoppedAt)
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tests := []struct {
		name   string
		params registry.CreateSessionParams
		field  string
	}{
		{"zero duration", registry.CreateSessionParams{OrganizationID: f.orgID, Title: "x"}, "duration_seconds"},
		{"negative duration", registry.CreateSessionParams{OrganizationID: f.orgID, Title: "x", DurationSeconds: -5}, "duration_seconds"},
		{"blank title", registry.CreateSessionParams{OrganizationID: f.orgID, Title: "   ", DurationSeconds: 60}, "title"},
		{"missing org", registry.CreateSessionParams{Title: "x", DurationSeconds: 60}, "organization_id"},
		{"unknown org", registry.CreateSessionParams{OrganizationID: uuid.New(), Title: "x", DurationSeconds: 60}, "organization_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.reg.CreateSession(ctx, tt.params)
			var verr *registry.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.FieldErrors, tt.field)
		})
	}
}

func TestCreateSessionRetriesOnTokenConflict(t *testing.T) {
	src := &scriptedTokens{tokens: []string{"K7QM2XWP9RTD", "K7QM2XWP9RTD", "H4NB8ZCE3YFA"}}
	f := newFixture(t, registry.WithTokenSource(src))
	first := f.create(t, "A", 60)
	second := f.create(t, "B", 60)
	assert.Equal(t, "K7QM2XWP9RTD", first)
	assert.Equal(t, "H4NB8ZCE3YFA", second)
}

func TestCreateSessionGivesUpAfterRepeatedConflicts(t *testing.T) {
	src := &scriptedTokens{tokens: []string{"K7QM2XWP9RTD"}}
	f := newFixture(t, registry.WithTokenSource(src))
	f.create(t, "A", 60)
	_, err := f.reg.CreateSession(context.Background(), registry.CreateSessionParams{
		OrganizationID: f.orgID, Title: "B", DurationSeconds: 60,
	})
	assert.ErrorIs(t, err, registry.ErrTokenExhausted)
}

func TestCreateSessionRedrawsUnusableTokens(t *testing.T) {
	src := &scriptedTokens{tokens: []string{"AAAAAAAAAAAA", "K7QM2XWP9RT", "K7QM2XWP9RTD"}}
	f := newFixture(t, registry.WithTokenSource(src))
	assert.Equal(t, "K7QM2XWP9RTD", f.create(t, "A", 60))

	f = newFixture(t, registry.WithTokenSource(&scriptedTokens{tokens: []string{"AAAAAAAAAAAA"}}))
	_, err := f.reg.CreateSession(context.Background(), registry.CreateSessionParams{
		OrganizationID: f.orgID, Title: "B", DurationSeconds: 60,
	})
	assert.ErrorIs(t, err, registry.ErrTokenExhausted)
}

func TestListActiveRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stopped := f.create(t, "Stopped", 600)
	expiring := f.create(t, "Expiring", 60)
	longer := f.create(t, "Longer", 600)

	active, err := f.reg.ListActiveSessions(ctx, f.orgID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{stopped, expiring, longer}, tokensOf(active))

	res, err := f.reg.StopSession(ctx, stopped)
	require.NoError(t, err)
	assert.Equal(t, registry.StopSuccess, res)

	f.clock.Advance(60 * time.Second)
	active, err = f.reg.ListActiveSessions(ctx, f.orgID)
	require.NoError(t, err)
	assert.Equal(t, []string{longer}, tokensOf(active))

	other, err := f.reg.ListActiveSessions(ctx, organizations.SlugID("key-club"))
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestFutureSessionIsNotActiveUntilItStarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.reg.CreateSession(ctx, registry.CreateSessionParams{
		OrganizationID:  f.orgID,
		Title:           "Later",
		StartsAt:        f.clock.Now().Add(time.Hour),
		DurationSeconds: 60,
	})
	require.NoError(t, err)

	active, _ := f.reg.ListActiveSessions(ctx, f.orgID)
	assert.Empty(t, active)
	res, _ := f.reg.SubmitAttendance(ctx, s.Token, uuid.New())
	assert.Equal(t, registry.SessionExpired, res)

	f.clock.Advance(time.Hour)
	active, _ = f.reg.ListActiveSessions(ctx, f.orgID)
	assert.Equal(t, []string{s.Token}, tokensOf(active))
}

func TestSubmitTwiceIsSuccessThenAlreadyRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.create(t, "Chapter Meeting", 3600)
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

func TestSubmitWindowBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.create(t, "Boundary", 600)
	start := f.clock.Now()

	f.clock.Set(start.Add(599 * time.Second))
	res, err := f.reg.SubmitAttendance(ctx, tok, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, registry.Success, res, "one second before ends_at")

	f.clock.Set(start.Add(600 * time.Second))
	res, err = f.reg.SubmitAttendance(ctx, tok, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, registry.SessionExpired, res, "exactly at ends_at")
}

func TestSubmitAfterStopIsExpiredButPriorRecordStillWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.create(t, "Stop", 600)
	early := uuid.New()
	res, _ := f.reg.SubmitAttendance(ctx, tok, early)
	require.Equal(t, registry.Success, res)

	_, err := f.reg.StopSession(ctx, tok)
	require.NoError(t, err)

	res, _ = f.reg.SubmitAttendance(ctx, tok, uuid.New())
	assert.Equal(t, registry.SessionExpired, res)
	res, _ = f.reg.SubmitAttendance(ctx, tok, early)
	assert.Equal(t, registry.AlreadyRecorded, res)
}

func TestSubmitInvalidTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "Real", 600)

	for _, tok := range []string{"", "garbage", "K7QM2XWP9RT0", "AAAAAAAAAAAA", "K7QM2XWP9RTD"} {
		res, err := f.reg.SubmitAttendance(ctx, tok, uuid.New())
		require.NoError(t, err)
		assert.Equal(t, registry.InvalidToken, res, tok)
	}
	_, err := f.reg.SubmitAttendance(ctx, "K7QM2XWP9RTD", uuid.Nil)
	var verr *registry.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSubmitAcceptsUnnormalizedToken(t *testing.T) {
	src := &scriptedTokens{tokens: []string{"K7QM2XWP9RTD"}}
	f := newFixture(t, registry.WithTokenSource(src))
	f.create(t, "Case", 600)
	res, err := f.reg.SubmitAttendance(context.Background(), " k7qm2xwp9rtd ", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, registry.Success, res)
}

func TestStopUnknownAndRepeated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.reg.StopSession(ctx, "K7QM2XWP9RTD")
	require.NoError(t, err)
	assert.Equal(t, registry.StopNotFound, res)

	tok := f.create(t, "Twice", 600)
	for i := 0; i < 2; i++ {
		res, err = f.reg.StopSession(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, registry.StopSuccess, res)
	}
	s, err := f.reg.GetSession(ctx, tok)
	require.NoError(t, err)
	require.NotNil(t, s.StoppedAt)
}

func TestConcurrentSubmissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.create(t, "Rush", 600)

	const members = 50
	results := make([]registry.SubmitResult, members)
	var wg sync.WaitGroup
	for i := 0; i < members; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = f.reg.SubmitAttendance(ctx, tok, uuid.New())
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		assert.Equal(t, registry.Success, r)
	}

	same := uuid.New()
	var successes, duplicates int
	var mu sync.Mutex
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, _ := f.reg.SubmitAttendance(ctx, tok, same)
			mu.Lock()
			defer mu.Unlock()
			switch r {
			case registry.Success:
				successes++
			case registry.AlreadyRecorded:
				duplicates++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 19, duplicates)

	records, err := f.reg.ListAttendance(ctx, tok)
	require.NoError(t, err)
	assert.Len(t, records, members+1)
}

func tokensOf(list []models.Session) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.Token)
	}
	return out
}

func TestResultStrings(t *testing.T) {
	assert.Equal(t, "success", registry.Success.String())
	assert.Equal(t, "already_recorded", registry.AlreadyRecorded.String())
	assert.Equal(t, "session_expired", registry.SessionExpired.String())
	assert.Equal(t, "invalid_token", registry.InvalidToken.String())
	assert.Equal(t, "not_found", registry.StopNotFound.String())
}
