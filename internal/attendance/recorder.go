// Package attendance submits member check-ins: local validation and double-tap suppression
// first, then the registry's authoritative submission.
package attendance

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/aura-chapters/proximity/internal/registry"
	"github.com/aura-chapters/proximity/internal/security"
	"github.com/aura-chapters/proximity/internal/token"
)

// Submitter is the registry surface the recorder needs.
type Submitter interface {
	SubmitAttendance(ctx context.Context, tok string, memberID uuid.UUID) (registry.SubmitResult, error)
}

// Recorder submits attendance for a resolved token.
type Recorder struct {
	registry  Submitter
	validator *security.Validator
	logger    *zap.Logger
	inflight  singleflight.Group
}

// NewRecorder creates a recorder. A nil validator gets one with no duplicate suppression.
func NewRecorder(reg Submitter, validator *security.Validator, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validator == nil {
		validator = security.NewValidator(nil, 0, logger)
	}
	return &Recorder{registry: reg, validator: validator, logger: logger}
}

// Submit records memberID's attendance for tok. Malformed tokens and double taps are answered
// locally without a registry round trip; everything else is decided by the registry. A tap
// arriving while the same member's submission is in flight waits for it and shares its
// outcome, so it never reports AlreadyRecorded for a submission that then fails.
func (r *Recorder) Submit(ctx context.Context, tok string, memberID uuid.UUID) (registry.SubmitResult, error) {
	if memberID == uuid.Nil {
		return 0, &registry.ValidationError{FieldErrors: map[string]string{"member_id": "required"}}
	}
	key := memberID.String() + ":" + token.Normalize(tok)
	leader := false
	v, err, _ := r.inflight.Do(key, func() (interface{}, error) {
		leader = true
		return r.submit(ctx, tok, memberID)
	})
	if err != nil {
		return 0, err
	}
	res := v.(registry.SubmitResult)
	if !leader && res == registry.Success {
		// Only the leading tap created the record.
		res = registry.AlreadyRecorded
	}
	return res, nil
}

func (r *Recorder) submit(ctx context.Context, tok string, memberID uuid.UUID) (registry.SubmitResult, error) {
	normalized, err := r.validator.Check(ctx, tok, memberID)
	switch {
	case errors.Is(err, security.ErrMalformedToken), errors.Is(err, security.ErrLowEntropy):
		r.logger.Debug("rejected token before submission", zap.String("member_id", memberID.String()), zap.Error(err))
		return registry.InvalidToken, nil
	case errors.Is(err, security.ErrDuplicateSubmission):
		return registry.AlreadyRecorded, nil
	case err != nil:
		return 0, err
	}

	res, err := r.registry.SubmitAttendance(ctx, normalized, memberID)
	if err != nil {
		r.validator.Release(ctx, normalized, memberID)
		return 0, fmt.Errorf("submit attendance: %w", err)
	}
	if res != registry.Success && res != registry.AlreadyRecorded {
		r.validator.Release(ctx, normalized, memberID)
	}
	r.logger.Info("attendance submitted",
		zap.String("member_id", memberID.String()),
		zap.String("result", res.String()),
	)
	return res, nil
}
