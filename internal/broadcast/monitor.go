package broadcast

import (
	"time"

	"github.com/google/uuid"
)

// Countdown is the officer's local view of how long a session has left. It is advisory:
// the registry re-checks the window on every submission.
type Countdown struct {
	SessionID uuid.UUID
	EndsAt    time.Time
	Now       time.Time
}

// Remaining returns the time left, or zero once EndsAt has passed.
func (c Countdown) Remaining() time.Duration {
	if !c.Now.Before(c.EndsAt) {
		return 0
	}
	return c.EndsAt.Sub(c.Now)
}

// RemainingMinutes returns the remaining time in whole minutes, rounded up, so a session
// with 30 seconds left still shows 1.
func (c Countdown) RemainingMinutes() int {
	r := c.Remaining()
	return int((r + time.Minute - 1) / time.Minute)
}

// Expired reports whether the local clock has reached EndsAt.
func (c Countdown) Expired() bool {
	return c.Remaining() == 0
}
