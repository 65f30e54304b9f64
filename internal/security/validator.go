// Package security holds the stateless token checks and the short-window duplicate
// suppression consulted before an attendance submission leaves the device.
package security

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-chapters/proximity/internal/token"
)

var (
	// ErrMalformedToken is returned for tokens with the wrong length or alphabet.
	ErrMalformedToken = token.ErrMalformedToken
	// ErrLowEntropy is returned for well-formed tokens that could not have come from the generator.
	ErrLowEntropy = errors.New("security: token entropy below floor")
	// ErrDuplicateSubmission is returned when the same member submitted the same token within the window.
	ErrDuplicateSubmission = errors.New("security: duplicate submission")
)

const (
	// DefaultDuplicateWindow absorbs accidental double taps.
	DefaultDuplicateWindow = 30 * time.Second
	minDistinctSymbols     = 4
	maxRun                 = 6
)

// ValidateToken runs the shape and entropy checks.
func ValidateToken(tok string) error {
	if err := token.ValidateShape(tok); err != nil {
		return err
	}
	return checkEntropy(token.Normalize(tok))
}

// Acceptable is a token.Acceptable that rejects tokens ValidateToken would reject.
func Acceptable(tok string) bool {
	return ValidateToken(tok) == nil
}

func checkEntropy(t string) error {
	distinct := make(map[byte]struct{}, len(t))
	run := 1
	for i := 0; i < len(t); i++ {
		distinct[t[i]] = struct{}{}
		if i > 0 && t[i] == t[i-1] {
			run++
			if run >= maxRun {
				return ErrLowEntropy
			}
		} else {
			run = 1
		}
	}
	if len(distinct) < minDistinctSymbols {
		return ErrLowEntropy
	}
	return nil
}

// Validator combines the token checks with a duplicate-suppression cache.
type Validator struct {
	cache  SuppressionCache
	window time.Duration
	logger *zap.Logger
}

// NewValidator creates a validator. A nil cache disables duplicate suppression.
func NewValidator(cache SuppressionCache, window time.Duration, logger *zap.Logger) *Validator {
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{cache: cache, window: window, logger: logger}
}

// SuppressionKey identifies one member's submission of one token.
func SuppressionKey(memberID uuid.UUID, tok string) string {
	return memberID.String() + "|" + token.Normalize(tok)
}

// Check validates the token and reserves the (member, token) pair for the window.
// It returns the normalized token. Cache failures are logged and do not block the
// submission: the registry is the authority on duplicates.
func (v *Validator) Check(ctx context.Context, tok string, memberID uuid.UUID) (string, error) {
	if err := ValidateToken(tok); err != nil {
		return "", err
	}
	normalized := token.Normalize(tok)
	if v.cache == nil {
		return normalized, nil
	}
	ok, err := v.cache.Reserve(ctx, SuppressionKey(memberID, normalized), v.window)
	if err != nil {
		v.logger.Warn("duplicate suppression unavailable", zap.Error(err), zap.String("member_id", memberID.String()))
		return normalized, nil
	}
	if !ok {
		return normalized, ErrDuplicateSubmission
	}
	return normalized, nil
}

// Release drops the reservation so the member can retry immediately.
func (v *Validator) Release(ctx context.Context, tok string, memberID uuid.UUID) {
	if v.cache == nil {
		return
	}
	if err := v.cache.Release(ctx, SuppressionKey(memberID, tok)); err != nil {
		v.logger.Warn("release duplicate suppression failed", zap.Error(err), zap.String("member_id", memberID.String()))
	}
}
