package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TokenHash is the 16-bit compression of a session token carried in the minor field.
type TokenHash uint16

// Advertisement is the fixed-size beacon payload an officer device transmits.
type Advertisement struct {
	Namespace uuid.UUID        `json:"namespace"`
	Major     OrganizationCode `json:"major"`
	Minor     TokenHash        `json:"minor"`
}

func (a Advertisement) String() string {
	return fmt.Sprintf("%s/%d/%d", a.Namespace, a.Major, a.Minor)
}

// Detection is one advertisement observed by a member device's radio.
// RSSI is for display ordering only.
type Detection struct {
	Namespace uuid.UUID        `json:"namespace"`
	Major     OrganizationCode `json:"major"`
	Minor     TokenHash        `json:"minor"`
	RSSI      int              `json:"rssi"`
	SeenAt    time.Time        `json:"seen_at"`
}
