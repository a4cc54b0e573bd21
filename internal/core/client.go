package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/illarion/lockvault/internal/audit"
	"github.com/illarion/lockvault/internal/backend"
	"github.com/illarion/lockvault/internal/crypto"
	"github.com/illarion/lockvault/internal/lockstate"
	"github.com/illarion/lockvault/internal/logging"
	"github.com/illarion/lockvault/internal/session"
	"github.com/illarion/lockvault/internal/share"
	"github.com/illarion/lockvault/internal/trash"
	"github.com/illarion/lockvault/internal/vault"
)

var (
	ErrWrongPassword    = errors.New("wrong password")
	ErrPasswordRequired = errors.New("password required")
	ErrDuressSession    = errors.New("not available in this session")
	ErrUsernameRequired = errors.New("username required")
)

type Options struct {
	API      API
	Username string
	// Params is the KDF cost used for new credentials.
	Params       crypto.KDFParams
	IdleTimeout  time.Duration
	PollInterval time.Duration
	Retention    time.Duration
	ShareTTL     time.Duration
	// Bus, when set, links this client's lock events with other sessions
	// of the same process.
	Bus        *session.Bus
	Alerter    lockstate.Alerter
	Tokens     TokenStore
	OnProgress func(crypto.Progress)
	Now        func() time.Time
	Log        logging.Logger
	Trail      *audit.Trail
}

// Client is one user's session against an API: it derives keys, holds the
// lock state and performs every vault operation on the client side.
type Client struct {
	opts    Options
	remote  *remote
	ctrl    *lockstate.Controller
	deriver *crypto.Deriver
	shares  *share.Service
	trash   *trash.Manager
	detach  func()
}

// NewClient creates a locked client.
func NewClient(opts Options) (*Client, error) {
	if opts.Username == "" {
		return nil, ErrUsernameRequired
	}
	if opts.Params == (crypto.KDFParams{}) {
		opts.Params = crypto.DefaultKDFParams
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &remote{api: opts.API, username: opts.Username, tokens: opts.Tokens, log: opts.Log}
	deriver := &crypto.Deriver{OnProgress: opts.OnProgress}
	ctrl := lockstate.New(lockstate.Options{
		Backend:     r,
		Deriver:     deriver,
		Alerter:     opts.Alerter,
		Username:    opts.Username,
		SessionID:   uuid.NewString(),
		IdleTimeout: opts.IdleTimeout,
		Log:         opts.Log,
		Trail:       opts.Trail,
	})

	c := &Client{
		opts:    opts,
		remote:  r,
		ctrl:    ctrl,
		deriver: deriver,
		shares:  &share.Service{Store: r, TTL: opts.ShareTTL, Now: opts.Now},
		trash: &trash.Manager{
			Vault:     ctrl,
			Store:     r,
			Retention: opts.Retention,
			Now:       opts.Now,
			Username:  opts.Username,
			Trail:     opts.Trail,
			Log:       opts.Log,
		},
	}
	if opts.Bus != nil {
		c.detach = ctrl.Attach(opts.Bus)
	}
	return c, nil
}

// Close locks and detaches from the session bus. The server session stays
// valid; use Logout to end it.
func (c *Client) Close() {
	if s := c.ctrl.State(); s.Open() || s == lockstate.Unlocking {
		c.ctrl.ForceLock("closed")
	}
	if c.detach != nil {
		c.detach()
		c.detach = nil
	}
}

func (c *Client) Username() string { return c.opts.Username }

func (c *Client) State() lockstate.State { return c.ctrl.State() }

// SessionID identifies this client on the session bus.
func (c *Client) SessionID() string { return c.ctrl.SessionID() }

// Subscribe streams lock state transitions.
func (c *Client) Subscribe() (<-chan lockstate.Event, func()) { return c.ctrl.Subscribe() }

// Token returns the current server session token, or "" if none.
func (c *Client) Token() string {
	token, _ := c.remote.session()
	return token
}

// newCredential derives keys for password under a fresh salt.
func (c *Client) newCredential(ctx context.Context, password []byte) ([]byte, *crypto.DerivedKeys, error) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, nil, err
	}
	keys, err := c.deriver.Derive(ctx, password, salt, c.opts.Params)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive keys: %w", err)
	}
	return salt, keys, nil
}

// Register creates the account with an empty vault. The client stays
// locked.
func (c *Client) Register(ctx context.Context, password []byte) error {
	if len(password) == 0 {
		return ErrPasswordRequired
	}
	salt, keys, err := c.newCredential(ctx, password)
	if err != nil {
		return err
	}
	defer keys.Destroy()

	blob, err := vault.EncryptVaultData(vault.CreateEmptyVault(), keys.Master)
	if err != nil {
		return err
	}

	err = c.opts.API.Register(ctx, backend.RegisterRequest{
		Username:       c.opts.Username,
		AuthCredential: keys.Auth,
		Salt:           salt,
		Params:         c.opts.Params,
		Vault:          blob,
	})
	if err != nil {
		return err
	}
	c.opts.Trail.Log(audit.Entry{User: c.opts.Username, Operation: audit.OpRegister})
	return nil
}

// ConfigureDuress sets the duress password. Unlocking with it opens seed,
// a separate decoy vault, and alerts contact. Requires a primary session.
func (c *Client) ConfigureDuress(ctx context.Context, password []byte, contact string, seed *vault.VaultData) error {
	if len(password) == 0 {
		return ErrPasswordRequired
	}
	if c.ctrl.State() != lockstate.Unlocked || c.remote.inDuress() {
		return ErrDuressSession
	}
	token, err := c.remote.session()
	if err != nil {
		return err
	}
	if seed == nil {
		seed = vault.CreateEmptyVault()
	}

	salt, keys, err := c.newCredential(ctx, password)
	if err != nil {
		return err
	}
	defer keys.Destroy()

	blob, err := vault.EncryptVaultData(seed, keys.Master)
	if err != nil {
		return err
	}
	err = c.opts.API.RegisterDuress(ctx, token, backend.DuressRequest{
		AuthCredential: keys.Auth,
		Salt:           salt,
		Params:         c.opts.Params,
		Contact:        contact,
		Vault:          blob,
	})
	if err != nil {
		return err
	}
	c.opts.Trail.Log(audit.Entry{User: c.opts.Username, Operation: audit.OpDuressSetup})
	return nil
}

// Unlock opens the vault the password belongs to: the real one, or the
// decoy if it is the duress password. The two cases look the same.
func (c *Client) Unlock(ctx context.Context, password []byte) error {
	if len(password) == 0 {
		return ErrPasswordRequired
	}
	return c.ctrl.UnlockAny(ctx, password)
}

// UnlockWithDuress opens the decoy vault explicitly.
func (c *Client) UnlockWithDuress(ctx context.Context, password []byte) error {
	if len(password) == 0 {
		return ErrPasswordRequired
	}
	return c.ctrl.UnlockWithDuress(ctx, password)
}

// Lock wipes the key. The server session stays open.
func (c *Client) Lock() {
	c.ctrl.Lock()
}

// Panic locks at once and then revokes every server session of the user,
// so other devices lock at their next poll.
func (c *Client) Panic(ctx context.Context, trigger string) error {
	c.ctrl.Panic(trigger)
	return c.remote.forget(ctx, func(ctx context.Context, token string) error {
		_, err := c.opts.API.RevokeSessions(ctx, token)
		return err
	})
}

// Logout locks and ends the server session. With everywhere set, every
// session of the user ends.
func (c *Client) Logout(ctx context.Context, everywhere bool) error {
	c.ctrl.Logout()
	err := c.remote.forget(ctx, func(ctx context.Context, token string) error {
		if everywhere {
			_, err := c.opts.API.RevokeSessions(ctx, token)
			return err
		}
		return c.opts.API.Logout(ctx, token)
	})
	if err != nil {
		return err
	}
	c.opts.Trail.Log(audit.Entry{User: c.opts.Username, Operation: audit.OpLogout})
	return nil
}

// StartSessionPoller watches for server-side revocation and force-locks
// when it happens. The returned function stops it.
func (c *Client) StartSessionPoller(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	p := &session.Poller{
		Checker:  c.remote,
		Interval: c.opts.PollInterval,
		OnRevoked: func(err error) {
			_ = c.remote.forget(ctx, nil)
			c.ctrl.ForceLock(err.Error())
		},
		Log: c.opts.Log,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// Vault returns a copy of the decrypted vault.
func (c *Client) Vault() (*vault.VaultData, error) {
	return c.ctrl.Snapshot()
}

func (c *Client) AddCategory(ctx context.Context, name string) (string, error) {
	var id string
	err := c.ctrl.Update(ctx, func(v *vault.VaultData) error {
		var err error
		id, err = v.AddCategory(name)
		return err
	})
	return id, err
}

// AddOrganization adds an organization under the category with the given
// id or name.
func (c *Client) AddOrganization(ctx context.Context, category, name, website string) (string, error) {
	var id string
	err := c.ctrl.Update(ctx, func(v *vault.VaultData) error {
		cat := v.FindCategory(category)
		if cat == nil {
			return fmt.Errorf("category %q: %w", category, vault.ErrNotFound)
		}
		var err error
		id, err = v.AddOrganization(cat.ID, name, website)
		return err
	})
	return id, err
}

// AddProfile creates a profile with its own random key, wrapped under the
// master key. attrs may mix blob attributes and secure fields; the latter
// are encrypted under the profile key and stored on the server only.
func (c *Client) AddProfile(ctx context.Context, organization, title string, attrs map[string]string) (string, error) {
	var id string
	err := c.ctrl.Update(ctx, func(v *vault.VaultData) error {
		org := v.FindOrganization(organization)
		if org == nil {
			return fmt.Errorf("organization %q: %w", organization, vault.ErrNotFound)
		}
		var err error
		id, err = v.AddProfile(org.ID, title, c.opts.Now().UTC())
		if err != nil {
			return err
		}

		p := v.FindProfile(id)
		secure := make(map[string]string)
		for k, val := range attrs {
			if vault.IsSecureField(k) {
				secure[k] = val
				continue
			}
			if p.Attributes == nil {
				p.Attributes = make(map[string]string)
			}
			p.Attributes[k] = val
		}

		// The key record goes first so the profile never exists without
		// one. A failed vault store leaves an orphan record that the next
		// password change drops.
		dek := crypto.RandomKey()
		defer dek.Destroy()
		var wrapped vault.EncryptedField
		if err := c.ctrl.WithKey(func(master *crypto.SecretKey) error {
			wrapped, err = vault.WrapKey(dek, master)
			return err
		}); err != nil {
			return err
		}
		token, err := c.remote.session()
		if err != nil {
			return err
		}
		if err := c.opts.API.PutProfileKey(ctx, token, id, wrapped); err != nil {
			return fmt.Errorf("%w: store profile key: %w", lockstate.ErrTransport, err)
		}
		for name, val := range secure {
			if err := c.putField(ctx, token, id, name, val, dek); err != nil {
				return err
			}
		}
		return nil
	})
	return id, err
}

func (c *Client) putField(ctx context.Context, token, profileID, name, value string, dek *crypto.SecretKey) error {
	var f vault.EncryptedField
	if value != "" {
		var err error
		f, err = vault.EncryptField(value, dek)
		if err != nil {
			return err
		}
	}
	if err := c.opts.API.PutProfileField(ctx, token, profileID, name, f); err != nil {
		return fmt.Errorf("%w: store field: %w", lockstate.ErrTransport, err)
	}
	return nil
}

// activeProfile fails unless the profile exists and is not in trash.
func (c *Client) activeProfile(id string) (*vault.Profile, error) {
	v, err := c.ctrl.Snapshot()
	if err != nil {
		return nil, err
	}
	p := v.FindProfile(id)
	if p == nil {
		return nil, fmt.Errorf("%s: %w", id, vault.ErrProfileNotFound)
	}
	if p.InTrash() {
		return nil, fmt.Errorf("%s: %w", id, trash.ErrAlreadyInTrash)
	}
	return p, nil
}

// profileKey fetches and unwraps the key of a profile. The caller destroys
// it.
func (c *Client) profileKey(ctx context.Context, token, id string) (*crypto.SecretKey, map[string]vault.EncryptedField, error) {
	rec, err := c.opts.API.GetProfileRecord(ctx, token, id)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: fetch profile: %w", lockstate.ErrTransport, err)
	}
	var dek *crypto.SecretKey
	err = c.ctrl.WithKey(func(master *crypto.SecretKey) error {
		var err error
		dek, err = vault.UnwrapKey(rec.WrappedKey, master)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return dek, rec.Fields, nil
}

// SetField sets one attribute of an active profile. An empty value clears
// it.
func (c *Client) SetField(ctx context.Context, profileID, name, value string) error {
	if name == "" {
		return fmt.Errorf("%w: empty field name", vault.ErrInvalidInput)
	}
	if _, err := c.activeProfile(profileID); err != nil {
		return err
	}

	if !vault.IsSecureField(name) {
		return c.ctrl.Update(ctx, func(v *vault.VaultData) error {
			p := v.FindProfile(profileID)
			if p == nil {
				return vault.ErrProfileNotFound
			}
			if value == "" {
				delete(p.Attributes, name)
			} else {
				if p.Attributes == nil {
					p.Attributes = make(map[string]string)
				}
				p.Attributes[name] = value
			}
			p.UpdatedAt = c.opts.Now().UTC()
			return nil
		})
	}

	token, err := c.remote.session()
	if err != nil {
		return err
	}
	dek, _, err := c.profileKey(ctx, token, profileID)
	if err != nil {
		return err
	}
	defer dek.Destroy()
	return c.putField(ctx, token, profileID, name, value, dek)
}

// Field returns one attribute of a profile, decrypting it if it is a
// secure field. Trashed profiles can still be read.
func (c *Client) Field(ctx context.Context, profileID, name string) (string, error) {
	v, err := c.ctrl.Snapshot()
	if err != nil {
		return "", err
	}
	p := v.FindProfile(profileID)
	if p == nil {
		return "", fmt.Errorf("%s: %w", profileID, vault.ErrProfileNotFound)
	}
	if !vault.IsSecureField(name) {
		val, ok := p.Attributes[name]
		if !ok {
			return "", fmt.Errorf("field %s: %w", name, vault.ErrNotFound)
		}
		return val, nil
	}

	token, err := c.remote.session()
	if err != nil {
		return "", err
	}
	dek, fields, err := c.profileKey(ctx, token, profileID)
	if err != nil {
		return "", err
	}
	defer dek.Destroy()

	f, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("field %s: %w", name, vault.ErrNotFound)
	}
	return vault.DecryptField(f, dek)
}

// Fields returns every secure field of a profile, decrypted, sorted by
// name.
func (c *Client) Fields(ctx context.Context, profileID string) ([][2]string, error) {
	v, err := c.ctrl.Snapshot()
	if err != nil {
		return nil, err
	}
	if v.FindProfile(profileID) == nil {
		return nil, fmt.Errorf("%s: %w", profileID, vault.ErrProfileNotFound)
	}
	token, err := c.remote.session()
	if err != nil {
		return nil, err
	}
	dek, fields, err := c.profileKey(ctx, token, profileID)
	if err != nil {
		return nil, err
	}
	defer dek.Destroy()

	out := make([][2]string, 0, len(fields))
	for name, f := range fields {
		val, err := vault.DecryptField(f, dek)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		out = append(out, [2]string{name, val})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out, nil
}

// CreateShare shares one field of an active profile as a burn-after-read
// link.
func (c *Client) CreateShare(ctx context.Context, profileID, name string, ttl time.Duration) (share.Link, error) {
	if _, err := c.activeProfile(profileID); err != nil {
		return share.Link{}, err
	}
	value, err := c.Field(ctx, profileID, name)
	if err != nil {
		return share.Link{}, err
	}
	payload := []byte(value)
	defer crypto.ClearBytes(payload)

	link, err := c.shares.Create(ctx, profileID, payload, ttl)
	if err != nil {
		return share.Link{}, err
	}
	c.opts.Trail.Log(audit.Entry{User: c.opts.Username, Operation: audit.OpShareCreate, Target: link.ID})
	return link, nil
}

// ConsumeShare redeems a link. It needs neither an account nor an unlocked
// vault.
func (c *Client) ConsumeShare(ctx context.Context, link share.Link) ([]byte, error) {
	payload, err := c.shares.Consume(ctx, link)
	if err != nil {
		return nil, err
	}
	c.opts.Trail.Log(audit.Entry{Operation: audit.OpShareConsume, Target: link.ID})
	return payload, nil
}

// ReceiveShare redeems a link without a client or account.
func ReceiveShare(ctx context.Context, api API, link share.Link) ([]byte, error) {
	s := &share.Service{Store: &remote{api: api}}
	return s.Consume(ctx, link)
}

func (c *Client) SoftDelete(ctx context.Context, profileID string) error {
	return c.trash.SoftDelete(ctx, profileID)
}

func (c *Client) Restore(ctx context.Context, profileID string) error {
	return c.trash.Restore(ctx, profileID)
}

// Shred destroys a trashed profile. confirmation must equal
// trash.Confirmation(profileID).
func (c *Client) Shred(ctx context.Context, profileID, confirmation string) error {
	return c.trash.Shred(ctx, profileID, confirmation)
}

// Trash lists trashed profiles, soonest to expire first.
func (c *Client) Trash(ctx context.Context) ([]trash.Entry, error) {
	return c.trash.List(ctx)
}

// SweepTrash shreds the open vault's profiles whose retention ran out.
func (c *Client) SweepTrash(ctx context.Context) (int, error) {
	return c.trash.Sweep(ctx)
}

// ChangePassword re-keys the open vault: new salt, new credential, blob
// re-encrypted, every profile key re-wrapped. Field ciphertexts stay as
// they are. The server swaps everything in one transaction.
func (c *Client) ChangePassword(ctx context.Context, current, next []byte) error {
	if len(current) == 0 || len(next) == 0 {
		return ErrPasswordRequired
	}
	token, err := c.remote.session()
	if err != nil {
		return err
	}
	if err := c.verifyPassword(ctx, current); err != nil {
		return err
	}

	salt, keys, err := c.newCredential(ctx, next)
	if err != nil {
		return err
	}
	defer keys.Auth.Wipe()
	newMaster := keys.Master

	err = c.ctrl.Rekey(ctx, newMaster, func(ctx context.Context, data *vault.VaultData, oldKey *crypto.SecretKey) error {
		blob, err := vault.EncryptVaultData(data, newMaster)
		if err != nil {
			return err
		}

		wrapped := make(map[string]vault.EncryptedField)
		for _, ref := range data.Profiles() {
			id := ref.Profile.ID
			rec, err := c.opts.API.GetProfileRecord(ctx, token, id)
			if errors.Is(err, backend.ErrNotFound) {
				c.opts.Log.Warnf("profile %s has no key record", id)
				continue
			}
			if err != nil {
				return fmt.Errorf("%w: fetch profile: %w", lockstate.ErrTransport, err)
			}
			dek, err := vault.UnwrapKey(rec.WrappedKey, oldKey)
			if err != nil {
				return fmt.Errorf("profile %s: %w", id, err)
			}
			w, err := vault.WrapKey(dek, newMaster)
			dek.Destroy()
			if err != nil {
				return err
			}
			wrapped[id] = w
		}

		err = c.opts.API.ChangeCredentials(ctx, token, backend.RekeyRequest{
			AuthCredential: keys.Auth,
			Salt:           salt,
			Params:         c.opts.Params,
			Vault:          blob,
			WrappedKeys:    wrapped,
		})
		if err != nil {
			return fmt.Errorf("%w: change credentials: %w", lockstate.ErrTransport, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.opts.Trail.Log(audit.Entry{User: c.opts.Username, Operation: audit.OpRekey})
	return nil
}

// verifyPassword checks password against the resident master key without
// asking the server.
func (c *Client) verifyPassword(ctx context.Context, password []byte) error {
	salt, params, err := c.remote.Salt(ctx, c.remote.inDuress())
	if err != nil {
		return fmt.Errorf("%w: fetch salt: %w", lockstate.ErrTransport, err)
	}
	keys, err := c.deriver.Derive(ctx, password, salt, params)
	if err != nil {
		return err
	}
	defer keys.Destroy()

	return c.ctrl.WithKey(func(master *crypto.SecretKey) error {
		return master.Use(func(want []byte) error {
			return keys.Master.Use(func(got []byte) error {
				if !crypto.ConstantTimeCompare(want, got) {
					return ErrWrongPassword
				}
				return nil
			})
		})
	})
}

// ExportBlob returns the encrypted vault exactly as the server stores it.
func (c *Client) ExportBlob(ctx context.Context) ([]byte, error) {
	if !c.ctrl.State().Open() {
		return nil, lockstate.ErrLocked
	}
	token, err := c.remote.session()
	if err != nil {
		return nil, err
	}
	return c.opts.API.GetVault(ctx, token)
}

// DiffBackup compares an exported blob with the open vault and returns a
// unified diff of their outlines, empty if they match. The backup must be
// encrypted under the current master key.
func (c *Client) DiffBackup(backup []byte) (string, error) {
	current, err := c.ctrl.Snapshot()
	if err != nil {
		return "", err
	}
	var old *vault.VaultData
	err = c.ctrl.WithKey(func(master *crypto.SecretKey) error {
		var err error
		old, err = vault.DecryptVaultBlob(backup, master)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("backup does not open with the current key: %w", err)
	}
	return vault.Diff("vault", old, current), nil
}
