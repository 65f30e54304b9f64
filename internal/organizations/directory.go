// Package organizations maps organizations to the beacon codes multiplexed over one
// advertisement namespace.
package organizations

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/aura-chapters/proximity/internal/models"
)

// ErrUnknownOrganization is returned for slugs, codes or IDs with no organization behind them.
// There is deliberately no default code.
var ErrUnknownOrganization = errors.New("organizations: unknown organization")

// Directory resolves organizations in both directions of the beacon code mapping.
type Directory interface {
	CodeForSlug(ctx context.Context, slug string) (models.OrganizationCode, error)
	GetBySlug(ctx context.Context, slug string) (*models.Organization, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	ResolveCode(ctx context.Context, code models.OrganizationCode) (*models.Organization, error)
}

// NormalizeSlug lowercases and trims a slug.
func NormalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

// StaticDirectory is a fixed enumeration of organizations, e.g. from configuration.
type StaticDirectory struct {
	mu     sync.RWMutex
	bySlug map[string]*models.Organization
	byCode map[models.OrganizationCode]*models.Organization
	byID   map[uuid.UUID]*models.Organization
}

// NewStaticDirectory builds a directory. Duplicate slugs, IDs or codes and the zero code are rejected.
func NewStaticDirectory(orgs []models.Organization) (*StaticDirectory, error) {
	d := &StaticDirectory{
		bySlug: make(map[string]*models.Organization, len(orgs)),
		byCode: make(map[models.OrganizationCode]*models.Organization, len(orgs)),
		byID:   make(map[uuid.UUID]*models.Organization, len(orgs)),
	}
	for i := range orgs {
		o := orgs[i]
		o.Slug = NormalizeSlug(o.Slug)
		if o.Slug == "" {
			return nil, fmt.Errorf("organization %d: empty slug", i)
		}
		if o.BeaconCode == 0 {
			return nil, fmt.Errorf("organization %q: beacon code 0 is reserved", o.Slug)
		}
		if o.ID == uuid.Nil {
			o.ID = SlugID(o.Slug)
		}
		if _, dup := d.bySlug[o.Slug]; dup {
			return nil, fmt.Errorf("organization %q: duplicate slug", o.Slug)
		}
		if other, dup := d.byCode[o.BeaconCode]; dup {
			return nil, fmt.Errorf("organization %q: beacon code %d already used by %q", o.Slug, o.BeaconCode, other.Slug)
		}
		if _, dup := d.byID[o.ID]; dup {
			return nil, fmt.Errorf("organization %q: duplicate id", o.Slug)
		}
		if o.Name == "" {
			o.Name = o.Slug
		}
		d.bySlug[o.Slug] = &o
		d.byCode[o.BeaconCode] = &o
		d.byID[o.ID] = &o
	}
	return d, nil
}

// slugNamespace seeds deterministic IDs for configured organizations.
var slugNamespace = uuid.MustParse("6f1c2a86-4b1e-4f57-9a4e-5d0a3e8c2b71")

// SlugID returns the stable ID a static directory assigns to slug.
func SlugID(slug string) uuid.UUID {
	return uuid.NewSHA1(slugNamespace, []byte(NormalizeSlug(slug)))
}

// ParseCodes parses "slug:code,slug:code" into organizations.
func ParseCodes(codes string) ([]models.Organization, error) {
	var orgs []models.Organization
	for _, part := range strings.Split(codes, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		slug, codeStr, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("organization code %q: want slug:code", part)
		}
		code, err := strconv.ParseUint(strings.TrimSpace(codeStr), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("organization code %q: %w", part, err)
		}
		orgs = append(orgs, models.Organization{Slug: slug, BeaconCode: models.OrganizationCode(code)})
	}
	return orgs, nil
}

// CodeForSlug implements Directory.
func (d *StaticDirectory) CodeForSlug(ctx context.Context, slug string) (models.OrganizationCode, error) {
	o, err := d.GetBySlug(ctx, slug)
	if err != nil {
		return 0, err
	}
	return o.BeaconCode, nil
}

// GetBySlug implements Directory.
func (d *StaticDirectory) GetBySlug(_ context.Context, slug string) (*models.Organization, error) {
	d.mu.RLock()
	o, ok := d.bySlug[NormalizeSlug(slug)]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownOrganization
	}
	out := *o
	return &out, nil
}

// GetByID implements Directory.
func (d *StaticDirectory) GetByID(_ context.Context, id uuid.UUID) (*models.Organization, error) {
	d.mu.RLock()
	o, ok := d.byID[id]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownOrganization
	}
	out := *o
	return &out, nil
}

// ResolveCode implements Directory.
func (d *StaticDirectory) ResolveCode(_ context.Context, code models.OrganizationCode) (*models.Organization, error) {
	d.mu.RLock()
	o, ok := d.byCode[code]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownOrganization
	}
	out := *o
	return &out, nil
}

// List returns all organizations ordered by code.
func (d *StaticDirectory) List() []models.Organization {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Organization, 0, len(d.byCode))
	for _, o := range d.byCode {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BeaconCode < out[j].BeaconCode })
	return out
}
