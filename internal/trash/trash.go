package trash

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/illarion/lockvault/internal/audit"
	"github.com/illarion/lockvault/internal/logging"
	"github.com/illarion/lockvault/internal/vault"
)

// DefaultRetention is how long a soft-deleted profile stays recoverable.
const DefaultRetention = 30 * 24 * time.Hour

var (
	ErrNotInTrash           = errors.New("profile is not in trash")
	ErrAlreadyInTrash       = errors.New("profile is already in trash")
	ErrConfirmationRequired = errors.New("shred requires confirmation")
	// ErrGone is returned by a Store asked to shred a profile whose key
	// material no longer exists.
	ErrGone = errors.New("profile key material not found")
)

// Confirmation is the token a shred request must carry for profileID.
func Confirmation(profileID string) string {
	return "shred:" + profileID
}

// DaysRemaining is the number of whole or partial days left before a
// profile deleted at deletedAt becomes eligible for automatic shredding.
// It never increases as now advances and is 0 once the window has passed.
func DaysRemaining(deletedAt, now time.Time, retention time.Duration) int {
	left := deletedAt.Add(retention).Sub(now)
	if left <= 0 {
		return 0
	}
	const day = 24 * time.Hour
	return int((left + day - 1) / day)
}

// Record is the server's view of a trashed profile: no title, no fields.
type Record struct {
	ProfileID     string
	DeletedAt     time.Time
	DaysRemaining int
}

// Entry is a trashed profile as shown to the user.
type Entry struct {
	ProfileID     string
	Title         string
	Organization  string
	DeletedAt     time.Time
	DaysRemaining int
}

// Vault is the decrypted vault of the current session.
type Vault interface {
	Snapshot() (*vault.VaultData, error)
	Update(ctx context.Context, fn func(v *vault.VaultData) error) error
}

// Store is the server side of trash bookkeeping.
type Store interface {
	MarkDeleted(ctx context.Context, profileID string, at time.Time) error
	// RestoreProfile fails with ErrNotInTrash when the record is active.
	RestoreProfile(ctx context.Context, profileID string) error
	// ShredProfile destroys the wrapped profile key and every field
	// ciphertext. It fails with ErrConfirmationRequired unless confirmation
	// equals Confirmation(profileID).
	ShredProfile(ctx context.Context, profileID, confirmation string) error
	ListTrash(ctx context.Context) ([]Record, error)
}

// Manager keeps the vault's deleted_at markers and the server records in
// step.
type Manager struct {
	Vault     Vault
	Store     Store
	Retention time.Duration
	Now       func() time.Time
	Username  string
	Trail     *audit.Trail
	Log       logging.Logger
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) retention() time.Duration {
	if m.Retention > 0 {
		return m.Retention
	}
	return DefaultRetention
}

// DaysRemaining applies the manager's clock and retention.
func (m *Manager) DaysRemaining(deletedAt time.Time) int {
	return DaysRemaining(deletedAt, m.now(), m.retention())
}

func (m *Manager) profile(id string) (*vault.Profile, error) {
	v, err := m.Vault.Snapshot()
	if err != nil {
		return nil, err
	}
	p := v.FindProfile(id)
	if p == nil {
		return nil, fmt.Errorf("%s: %w", id, vault.ErrProfileNotFound)
	}
	return p, nil
}

// SoftDelete moves a profile to trash. Nothing is re-encrypted.
func (m *Manager) SoftDelete(ctx context.Context, id string) error {
	p, err := m.profile(id)
	if err != nil {
		return err
	}
	if p.InTrash() {
		return ErrAlreadyInTrash
	}

	now := m.now().UTC()
	if err := m.Store.MarkDeleted(ctx, id, now); err != nil {
		return fmt.Errorf("failed to mark profile deleted: %w", err)
	}

	err = m.Vault.Update(ctx, func(v *vault.VaultData) error {
		p := v.FindProfile(id)
		if p == nil {
			return vault.ErrProfileNotFound
		}
		p.DeletedAt = &now
		return nil
	})
	if err != nil {
		// Put the server back so both sides agree the profile is active.
		if rerr := m.Store.RestoreProfile(context.WithoutCancel(ctx), id); rerr != nil {
			m.Log.Warnf("profile %s is in trash on the server only: %v", id, rerr)
		}
		return err
	}

	m.Trail.Log(audit.Entry{User: m.Username, Operation: audit.OpSoftDelete, Target: id})
	return nil
}

// Restore takes a profile out of trash with its fields as they were.
func (m *Manager) Restore(ctx context.Context, id string) error {
	p, err := m.profile(id)
	if err != nil {
		return err
	}
	if !p.InTrash() {
		return ErrNotInTrash
	}

	// ErrNotInTrash means an earlier attempt got as far as the server.
	err = m.Store.RestoreProfile(ctx, id)
	if err != nil && !errors.Is(err, ErrNotInTrash) {
		return fmt.Errorf("failed to restore profile: %w", err)
	}

	err = m.Vault.Update(ctx, func(v *vault.VaultData) error {
		p := v.FindProfile(id)
		if p == nil {
			return vault.ErrProfileNotFound
		}
		p.DeletedAt = nil
		return nil
	})
	if err != nil {
		return err
	}

	m.Trail.Log(audit.Entry{User: m.Username, Operation: audit.OpRestore, Target: id})
	return nil
}

// Shred destroys a trashed profile's key material for good and then drops
// the profile from the vault. A failed shred never degrades to a soft
// delete: the profile stays in trash and the error is returned.
func (m *Manager) Shred(ctx context.Context, id, confirmation string) error {
	if confirmation != Confirmation(id) {
		return ErrConfirmationRequired
	}
	p, err := m.profile(id)
	if err != nil {
		return err
	}
	if !p.InTrash() {
		return ErrNotInTrash
	}
	return m.shred(ctx, id, "manual")
}

func (m *Manager) shred(ctx context.Context, id, reason string) error {
	err := m.Store.ShredProfile(ctx, id, Confirmation(id))
	if err != nil && !errors.Is(err, ErrGone) {
		return fmt.Errorf("failed to shred profile: %w", err)
	}
	m.Trail.Log(audit.Entry{User: m.Username, Operation: audit.OpShred, Target: id, Reason: reason})

	err = m.Vault.Update(ctx, func(v *vault.VaultData) error {
		v.RemoveProfile(id)
		return nil
	})
	if err != nil {
		// The key is gone already. Sweep drops the leftover entry later.
		return fmt.Errorf("profile shredded but vault not updated: %w", err)
	}
	return nil
}

// List returns the trashed profiles, soonest to expire first.
func (m *Manager) List(ctx context.Context) ([]Entry, error) {
	v, err := m.Vault.Snapshot()
	if err != nil {
		return nil, err
	}
	records, err := m.Store.ListTrash(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list trash: %w", err)
	}

	names := make(map[string]vault.ProfileRef)
	for _, ref := range v.Profiles() {
		names[ref.Profile.ID] = ref
	}

	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		e := Entry{
			ProfileID:     r.ProfileID,
			DeletedAt:     r.DeletedAt,
			DaysRemaining: m.DaysRemaining(r.DeletedAt),
		}
		if ref, ok := names[r.ProfileID]; ok {
			e.Title = ref.Profile.Title
			e.Organization = ref.Organization
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].DeletedAt.Before(entries[j].DeletedAt)
	})
	return entries, nil
}

// Sweep shreds every trashed profile of the open vault whose retention has
// run out and returns how many it removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	v, err := m.Vault.Snapshot()
	if err != nil {
		return 0, err
	}

	var expired []string
	for _, ref := range v.Profiles() {
		p := ref.Profile
		if p.InTrash() && m.DaysRemaining(*p.DeletedAt) == 0 {
			expired = append(expired, p.ID)
		}
	}

	n := 0
	for _, id := range expired {
		err := m.shred(ctx, id, "retention expired")
		if errors.Is(err, ErrNotInTrash) {
			// Active on the server: a restore stopped half way. Restore
			// finishes it; the key is not shredded.
			m.Log.Warnf("profile %s is in trash locally only, skipping", id)
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		m.Trail.Log(audit.Entry{User: m.Username, Operation: audit.OpSweep, Count: n})
	}
	return n, nil
}
