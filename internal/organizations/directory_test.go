package organizations_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-chapters/proximity/internal/models"
	"github.com/aura-chapters/proximity/internal/organizations"
)

func newDirectory(t *testing.T) *organizations.StaticDirectory {
	t.Helper()
	orgs, err := organizations.ParseCodes("nhs-east:1, key-club:2,robotics:17")
	require.NoError(t, err)
	dir, err := organizations.NewStaticDirectory(orgs)
	require.NoError(t, err)
	return dir
}

func TestCodeForSlugIsStableOverKnownSlugs(t *testing.T) {
	dir := newDirectory(t)
	ctx := context.Background()
	want := map[string]models.OrganizationCode{"nhs-east": 1, "key-club": 2, "robotics": 17}
	for slug, code := range want {
		for i := 0; i < 3; i++ {
			got, err := dir.CodeForSlug(ctx, slug)
			require.NoError(t, err)
			assert.Equal(t, code, got)
		}
	}
	got, err := dir.CodeForSlug(ctx, "  NHS-East ")
	require.NoError(t, err)
	assert.Equal(t, models.OrganizationCode(1), got)
}

func TestUnknownSlugHasNoDefaultCode(t *testing.T) {
	dir := newDirectory(t)
	code, err := dir.CodeForSlug(context.Background(), "chess-club")
	assert.ErrorIs(t, err, organizations.ErrUnknownOrganization)
	assert.Zero(t, code)
}

func TestResolveCodeIsInverseOfCodeForSlug(t *testing.T) {
	dir := newDirectory(t)
	ctx := context.Background()
	for _, org := range dir.List() {
		code, err := dir.CodeForSlug(ctx, org.Slug)
		require.NoError(t, err)
		back, err := dir.ResolveCode(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, org.Slug, back.Slug)
		byID, err := dir.GetByID(ctx, back.ID)
		require.NoError(t, err)
		assert.Equal(t, org.Slug, byID.Slug)
	}
	_, err := dir.ResolveCode(ctx, 999)
	assert.ErrorIs(t, err, organizations.ErrUnknownOrganization)
	_, err = dir.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, organizations.ErrUnknownOrganization)
}

func TestStaticDirectoryRejectsCollisions(t *testing.T) {
	_, err := organizations.NewStaticDirectory([]models.Organization{
		{Slug: "a", BeaconCode: 1},
		{Slug: "b", BeaconCode: 1},
	})
	assert.Error(t, err)

	_, err = organizations.NewStaticDirectory([]models.Organization{
		{Slug: "a", BeaconCode: 1},
		{Slug: "A", BeaconCode: 2},
	})
	assert.Error(t, err)

	_, err = organizations.NewStaticDirectory([]models.Organization{{Slug: "a", BeaconCode: 0}})
	assert.Error(t, err)
}

func TestSlugIDIsDeterministic(t *testing.T) {
	assert.Equal(t, organizations.SlugID("nhs-east"), organizations.SlugID(" NHS-EAST"))
	assert.NotEqual(t, organizations.SlugID("nhs-east"), organizations.SlugID("key-club"))
}

func TestParseCodesRejectsGarbage(t *testing.T) {
	_, err := organizations.ParseCodes("nhs-east")
	assert.Error(t, err)
	_, err = organizations.ParseCodes("nhs-east:70000")
	assert.Error(t, err)
	orgs, err := organizations.ParseCodes("")
	assert.NoError(t, err)
	assert.Empty(t, orgs)
}
