package broadcast

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/aura-chapters/proximity/internal/models"
	"github.com/aura-chapters/proximity/internal/token"
)

var (
	// ErrNoNamespace is returned when the deployment namespace is not configured.
	ErrNoNamespace = errors.New("broadcast: beacon namespace not configured")
	// ErrReservedCode is returned for organization code 0.
	ErrReservedCode = errors.New("broadcast: organization code 0 is reserved")
)

// Encode builds the advertisement for a session token. It refuses anything a scanner could
// not resolve back through the registry: a token that is not already in normalized form
// would hash differently on the two sides.
func Encode(namespace uuid.UUID, code models.OrganizationCode, tok string) (models.Advertisement, error) {
	if namespace == uuid.Nil {
		return models.Advertisement{}, ErrNoNamespace
	}
	if code == 0 {
		return models.Advertisement{}, ErrReservedCode
	}
	if err := token.ValidateShape(tok); err != nil {
		return models.Advertisement{}, err
	}
	if token.Normalize(tok) != tok {
		return models.Advertisement{}, fmt.Errorf("%w: token is not normalized", token.ErrMalformedToken)
	}
	return models.Advertisement{
		Namespace: namespace,
		Major:     code,
		Minor:     token.EncodeHash(tok),
	}, nil
}
