package vault

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const Version = 1

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrProfileNotFound = errors.New("profile not found")
	ErrNotFound        = errors.New("not found")
)

// Credential attributes that are field-level encrypted under the profile
// key instead of living in the blob.
const (
	FieldUsername      = "username"
	FieldPassword      = "password"
	FieldEmail         = "email"
	FieldNotes         = "notes"
	FieldRecoveryCodes = "recovery_codes"
)

// SecureFields lists every field-level encrypted attribute.
var SecureFields = []string{FieldUsername, FieldPassword, FieldEmail, FieldNotes, FieldRecoveryCodes}

// IsSecureField reports whether name is a field-level encrypted attribute.
func IsSecureField(name string) bool {
	for _, f := range SecureFields {
		if f == name {
			return true
		}
	}
	return false
}

// VaultData is the decrypted content of a vault blob.
type VaultData struct {
	Version    int        `json:"version"`
	Categories []Category `json:"categories"`
}

type Category struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Organizations []Organization `json:"organizations"`
}

type Organization struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Website  string    `json:"website,omitempty"`
	Profiles []Profile `json:"profiles"`
}

// Profile is one set of credentials. Attributes are embedded in the blob;
// the SecureFields live in the per-profile record on the server, encrypted
// under the profile's own key.
type Profile struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	DeletedAt  *time.Time        `json:"deleted_at,omitempty"`
}

// InTrash reports whether the profile is soft-deleted.
func (p *Profile) InTrash() bool {
	return p.DeletedAt != nil
}

// CreateEmptyVault returns the zero-state vault used at registration.
func CreateEmptyVault() *VaultData {
	return &VaultData{
		Version:    Version,
		Categories: make([]Category, 0),
	}
}

// Clone returns a deep copy.
func (v *VaultData) Clone() *VaultData {
	if v == nil {
		return nil
	}
	out := &VaultData{Version: v.Version, Categories: make([]Category, len(v.Categories))}
	for i, c := range v.Categories {
		nc := Category{ID: c.ID, Name: c.Name, Organizations: make([]Organization, len(c.Organizations))}
		for j, o := range c.Organizations {
			no := Organization{ID: o.ID, Name: o.Name, Website: o.Website, Profiles: make([]Profile, len(o.Profiles))}
			for k, p := range o.Profiles {
				no.Profiles[k] = p.clone()
			}
			nc.Organizations[j] = no
		}
		out.Categories[i] = nc
	}
	return out
}

func (p Profile) clone() Profile {
	if p.Attributes != nil {
		attrs := make(map[string]string, len(p.Attributes))
		for k, v := range p.Attributes {
			attrs[k] = v
		}
		p.Attributes = attrs
	}
	if p.DeletedAt != nil {
		d := *p.DeletedAt
		p.DeletedAt = &d
	}
	return p
}

// AddCategory appends a new category and returns its ID.
func (v *VaultData) AddCategory(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty category name", ErrInvalidInput)
	}
	id := uuid.NewString()
	v.Categories = append(v.Categories, Category{ID: id, Name: name, Organizations: make([]Organization, 0)})
	return id, nil
}

// AddOrganization appends a new organization to a category.
func (v *VaultData) AddOrganization(categoryID, name, website string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty organization name", ErrInvalidInput)
	}
	c := v.FindCategory(categoryID)
	if c == nil {
		return "", fmt.Errorf("category %s: %w", categoryID, ErrNotFound)
	}
	id := uuid.NewString()
	c.Organizations = append(c.Organizations, Organization{ID: id, Name: name, Website: website, Profiles: make([]Profile, 0)})
	return id, nil
}

// AddProfile appends a new profile to an organization.
func (v *VaultData) AddProfile(organizationID, title string, now time.Time) (string, error) {
	if title == "" {
		return "", fmt.Errorf("%w: empty profile title", ErrInvalidInput)
	}
	o := v.FindOrganization(organizationID)
	if o == nil {
		return "", fmt.Errorf("organization %s: %w", organizationID, ErrNotFound)
	}
	id := uuid.NewString()
	o.Profiles = append(o.Profiles, Profile{ID: id, Title: title, CreatedAt: now, UpdatedAt: now})
	return id, nil
}

// FindCategory finds a category by ID or name.
func (v *VaultData) FindCategory(ref string) *Category {
	for i := range v.Categories {
		if v.Categories[i].ID == ref || v.Categories[i].Name == ref {
			return &v.Categories[i]
		}
	}
	return nil
}

// FindOrganization finds an organization by ID or name.
func (v *VaultData) FindOrganization(ref string) *Organization {
	for i := range v.Categories {
		orgs := v.Categories[i].Organizations
		for j := range orgs {
			if orgs[j].ID == ref || orgs[j].Name == ref {
				return &orgs[j]
			}
		}
	}
	return nil
}

// FindProfile finds a profile by ID.
func (v *VaultData) FindProfile(id string) *Profile {
	var found *Profile
	v.walk(func(_ *Category, _ *Organization, p *Profile) bool {
		if p.ID == id {
			found = p
			return false
		}
		return true
	})
	return found
}

// RemoveProfile drops a profile from the vault entirely.
func (v *VaultData) RemoveProfile(id string) bool {
	for i := range v.Categories {
		orgs := v.Categories[i].Organizations
		for j := range orgs {
			for k, p := range orgs[j].Profiles {
				if p.ID == id {
					orgs[j].Profiles = append(orgs[j].Profiles[:k], orgs[j].Profiles[k+1:]...)
					return true
				}
			}
		}
	}
	return false
}

// ProfileRef locates a profile in the tree.
type ProfileRef struct {
	Category     string
	Organization string
	Profile      Profile
}

// Profiles lists every profile, including those in trash.
func (v *VaultData) Profiles() []ProfileRef {
	var out []ProfileRef
	v.walk(func(c *Category, o *Organization, p *Profile) bool {
		out = append(out, ProfileRef{Category: c.Name, Organization: o.Name, Profile: p.clone()})
		return true
	})
	return out
}

func (v *VaultData) walk(fn func(*Category, *Organization, *Profile) bool) {
	for i := range v.Categories {
		c := &v.Categories[i]
		for j := range c.Organizations {
			o := &c.Organizations[j]
			for k := range o.Profiles {
				if !fn(c, o, &o.Profiles[k]) {
					return
				}
			}
		}
	}
}
