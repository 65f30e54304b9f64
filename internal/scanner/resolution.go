package scanner

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aura-chapters/proximity/internal/models"
)

// Outcome classifies what a detection resolved to.
type Outcome int

const (
	// OutcomeNoSession means the organization has no active session with the observed hash.
	OutcomeNoSession Outcome = iota + 1
	// OutcomeResolved means exactly one active session matched.
	OutcomeResolved
	// OutcomeAmbiguous means several active sessions share the hash; the member must choose.
	OutcomeAmbiguous
	// OutcomeDiscarded means the detection is not for this app or not for the member's organizations.
	OutcomeDiscarded
	// OutcomeFetchFailed means the active-session list could not be loaded. It is never a miss.
	OutcomeFetchFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoSession:
		return "no_session"
	case OutcomeResolved:
		return "resolved"
	case OutcomeAmbiguous:
		return "ambiguous"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeFetchFailed:
		return "fetch_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Candidate is one active session whose token hashes to the observed minor.
type Candidate struct {
	SessionID uuid.UUID
	Token     string
	Title     string
	StartsAt  time.Time
	EndsAt    time.Time
}

// Resolution is the result of resolving one detection.
type Resolution struct {
	Outcome      Outcome
	Detection    models.Detection
	Organization *models.Organization
	// Candidates are ordered most recently started first, then by title.
	Candidates []Candidate
	Err        error
}

// Token returns the session token when the detection resolved unambiguously.
func (r Resolution) Token() (string, bool) {
	if r.Outcome != OutcomeResolved {
		return "", false
	}
	return r.Candidates[0].Token, true
}
