package storage

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRosterKey(t *testing.T) {
	org := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	session := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	assert.Equal(t,
		"rosters/11111111-1111-1111-1111-111111111111/22222222-2222-2222-2222-222222222222.csv",
		RosterKey(org, session))
}

func TestPresignExpireDefault(t *testing.T) {
	assert.Equal(t, 15*60.0, (&S3{}).PresignExpire().Seconds())
	assert.Equal(t, 5*60.0, (&S3{cfg: S3Config{PresignExpireMinutes: 5}}).PresignExpire().Seconds())
}
