package token_test

import (
	mrand "math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-chapters/proximity/internal/models"
	"github.com/aura-chapters/proximity/internal/token"
)

func TestEncodeHashMatchesRollingFormula(t *testing.T) {
	tok := "ABCDEFGHJKLM"
	var h int64
	for _, c := range tok {
		h = ((h << 5) - h + int64(c)) & 0xFFFF
	}
	require.Equal(t, models.TokenHash(h), token.EncodeHash(tok))
}

func TestEncodeHashIsDeterministic(t *testing.T) {
	gen := token.NewGenerator(nil)
	for i := 0; i < 100; i++ {
		tok, _ := gen.Generate()
		first := token.EncodeHash(tok)
		for j := 0; j < 5; j++ {
			require.Equal(t, first, token.EncodeHash(tok))
		}
	}
}

func TestEncodeHashNormalizesInput(t *testing.T) {
	assert.Equal(t, token.EncodeHash("ABCDEFGHJKLM"), token.EncodeHash("  abcdefghjklm\n"))
	assert.Equal(t, token.EncodeHash("ABCDEFGHJKLM"), token.EncodeHash("AbCdEfGhJkLm"))
}

func TestEncodeHashKnownValues(t *testing.T) {
	assert.Equal(t, models.TokenHash(0), token.EncodeHash(""))
	assert.Equal(t, models.TokenHash('A'), token.EncodeHash("A"))
	assert.Equal(t, models.TokenHash((31*'A'+'B')&0xFFFF), token.EncodeHash("AB"))
}

// Over a random sample the number of colliding pairs should sit near C(n,2)/65536.
func TestEncodeHashCollisionRateApproximatesBirthdayBound(t *testing.T) {
	const n = 20000
	var seed [32]byte
	copy(seed[:], "collision-rate-sample-seed-00001")
	gen := token.NewGenerator(nil, token.WithSecureSource(mrand.NewChaCha8(seed)))

	buckets := make(map[models.TokenHash]int, n)
	seen := make(map[string]struct{}, n)
	for len(seen) < n {
		tok, degraded := gen.Generate()
		require.False(t, degraded)
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		buckets[token.EncodeHash(tok)]++
	}

	var pairs float64
	for _, c := range buckets {
		pairs += float64(c*(c-1)) / 2
	}
	expected := float64(n) * float64(n-1) / 2 / 65536
	assert.InDelta(t, expected, pairs, expected*0.25, "colliding pairs %v, expected about %v", pairs, expected)
}

func TestValidateShape(t *testing.T) {
	tests := []struct {
		name  string
		token string
		ok    bool
	}{
		{"valid", "ABCDEFGHJKLM", true},
		{"valid lowercase is normalized", "abcdefghjklm", true},
		{"valid digits", "23456789ABCD", true},
		{"too short", "ABCDEFGHJKL", false},
		{"too long", "ABCDEFGHJKLMN", false},
		{"ambiguous zero", "ABCDEFGHJKL0", false},
		{"ambiguous O", "ABCDEFGHJKLO", false},
		{"ambiguous one", "ABCDEFGHJKL1", false},
		{"ambiguous I", "ABCDEFGHJKLI", false},
		{"punctuation", "ABCDEFGHJK-M", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := token.ValidateShape(tt.token)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, token.ErrMalformedToken)
			}
		})
	}
}
