package models

import (
	"time"

	"github.com/google/uuid"
)

// OrganizationCode is the small integer carried in an advertisement's major field.
// Zero is never assigned.
type OrganizationCode uint16

// Organization represents a tenant that can run attendance sessions.
type Organization struct {
	ID         uuid.UUID        `json:"id"`
	Name       string           `json:"name"`
	Slug       string           `json:"slug"`
	BeaconCode OrganizationCode `json:"beacon_code"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Organization member roles.
const (
	RoleOfficer = "officer"
	RoleMember  = "member"
)
