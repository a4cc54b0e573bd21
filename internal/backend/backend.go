package backend

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illarion/lockvault/internal/audit"
	"github.com/illarion/lockvault/internal/crypto"
	"github.com/illarion/lockvault/internal/logging"
	"github.com/illarion/lockvault/internal/share"
	"github.com/illarion/lockvault/internal/storage"
	"github.com/illarion/lockvault/internal/trash"
	"github.com/illarion/lockvault/internal/vault"
	"golang.org/x/time/rate"
)

const (
	tokenSize = 32
	// MaxShareTTL caps how far in the future a share may expire.
	MaxShareTTL = 7 * 24 * time.Hour
	// ShareTombstoneTTL is how long after its expiry a used or expired
	// share still reports that, before a sweep forgets it.
	ShareTombstoneTTL = 90 * 24 * time.Hour
)

type Options struct {
	// DefaultParams are reported for unknown usernames.
	DefaultParams crypto.KDFParams
	Retention     time.Duration
	// LoginLimit and LoginBurst bound login attempts per username.
	LoginLimit rate.Limit
	LoginBurst int
	// CompactOnShred rewrites the database after a shred so that freed
	// pages holding destroyed key material do not linger in the file.
	CompactOnShred bool
	Now            func() time.Time
	Log            logging.Logger
	Trail          *audit.Trail
}

// DefaultOptions are used by the CLI.
func DefaultOptions() Options {
	return Options{
		DefaultParams:  crypto.DefaultKDFParams,
		Retention:      trash.DefaultRetention,
		LoginLimit:     rate.Every(500 * time.Millisecond),
		LoginBurst:     10,
		CompactOnShred: true,
	}
}

// Backend is the server side of lockvault, run in-process over a bbolt
// file. It stores salts, verifiers and ciphertext and never sees a password,
// a master key or a plaintext field.
type Backend struct {
	store  *storage.Storage
	opts   Options
	pepper []byte

	// Compaction swaps the database file; every other call holds the read
	// side so none runs during the swap.
	dbMu sync.RWMutex

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// New wraps an opened storage, initializing it if needed.
func New(store *storage.Storage, opts Options) (*Backend, error) {
	if err := store.Initialize(); err != nil {
		return nil, err
	}
	pepper, err := store.Pepper()
	if err != nil {
		return nil, fmt.Errorf("failed to load server secret: %w", err)
	}
	if opts.Retention <= 0 {
		opts.Retention = trash.DefaultRetention
	}
	if opts.LoginLimit == 0 {
		opts.LoginLimit = rate.Inf
	}
	if opts.LoginBurst <= 0 {
		opts.LoginBurst = 1
	}
	if opts.DefaultParams == (crypto.KDFParams{}) {
		opts.DefaultParams = crypto.DefaultKDFParams
	}
	return &Backend{
		store:    store,
		opts:     opts,
		pepper:   pepper,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

func (b *Backend) now() time.Time {
	if b.opts.Now != nil {
		return b.opts.Now()
	}
	return time.Now()
}

func (b *Backend) hold() func() {
	b.dbMu.RLock()
	return b.dbMu.RUnlock
}

func verifier(auth []byte) []byte {
	sum := sha256.Sum256(auth)
	return sum[:]
}

// decoySalt is stable per username and label and unpredictable without the
// pepper.
func (b *Backend) decoySalt(username, label string) []byte {
	mac := hmac.New(sha256.New, b.pepper)
	mac.Write([]byte("lockvault/v1/decoy-salt/" + label + "/" + username))
	return mac.Sum(nil)[:crypto.SaltSize]
}

func validCredential(auth, salt []byte) error {
	if len(auth) != crypto.KeySize {
		return fmt.Errorf("%w: auth credential must be %d bytes", ErrInvalidRequest, crypto.KeySize)
	}
	if len(salt) != crypto.SaltSize {
		return fmt.Errorf("%w: salt must be %d bytes", ErrInvalidRequest, crypto.SaltSize)
	}
	return nil
}

func validBlob(blob []byte) error {
	if len(blob) < crypto.Overhead {
		return fmt.Errorf("%w: vault blob too short", ErrInvalidRequest)
	}
	return nil
}

// Salts returns the salts for username.
func (b *Backend) Salts(ctx context.Context, username string) (SaltInfo, error) {
	if err := ctx.Err(); err != nil {
		return SaltInfo{}, err
	}
	defer b.hold()()

	acc, err := b.store.GetAccount(username)
	if errors.Is(err, storage.ErrNotFound) {
		return SaltInfo{
			Salt:         b.decoySalt(username, "primary"),
			Params:       b.opts.DefaultParams,
			DuressSalt:   b.decoySalt(username, "duress"),
			DuressParams: b.opts.DefaultParams,
		}, nil
	}
	if err != nil {
		return SaltInfo{}, err
	}

	info := SaltInfo{Salt: acc.Primary.Salt, Params: acc.Primary.Params}
	if acc.Duress != nil {
		info.DuressSalt = acc.Duress.Salt
		info.DuressParams = acc.Duress.Params
	} else {
		// A decoy carries the primary cost, as a duress credential set up
		// from the same client would.
		info.DuressSalt = b.decoySalt(username, "duress")
		info.DuressParams = acc.Primary.Params
	}
	return info, nil
}

// Register creates an account with its initial vault.
func (b *Backend) Register(ctx context.Context, req RegisterRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.Username == "" {
		return fmt.Errorf("%w: empty username", ErrInvalidRequest)
	}
	if err := validCredential(req.AuthCredential, req.Salt); err != nil {
		return err
	}
	if err := validBlob(req.Vault); err != nil {
		return err
	}
	defer b.hold()()

	now := b.now().UTC()
	err := b.store.CreateAccount(&storage.AccountRecord{
		Username: req.Username,
		Primary: storage.Credential{
			Salt:     req.Salt,
			Verifier: verifier(req.AuthCredential),
			Params:   req.Params,
		},
		Created:  now,
		Modified: now,
	})
	if errors.Is(err, storage.ErrExists) {
		return ErrExists
	}
	if err != nil {
		return err
	}
	return b.store.PutVault(storage.Scope(req.Username, false), req.Vault)
}

// RegisterDuress sets the duress credential and its decoy vault. Only a
// primary session may do this.
func (b *Backend) RegisterDuress(ctx context.Context, token string, req DuressRequest) error {
	if err := validCredential(req.AuthCredential, req.Salt); err != nil {
		return err
	}
	if err := validBlob(req.Vault); err != nil {
		return err
	}
	defer b.hold()()

	sess, err := b.session(ctx, token)
	if err != nil {
		return err
	}
	if sess.Scope != storage.Scope(sess.Username, false) {
		return ErrUnauthorized
	}

	acc, err := b.store.GetAccount(sess.Username)
	if err != nil {
		return err
	}
	v := verifier(req.AuthCredential)
	if crypto.ConstantTimeCompare(v, acc.Primary.Verifier) {
		return fmt.Errorf("%w: duress credential equals the primary one", ErrInvalidRequest)
	}
	params := req.Params
	if params == (crypto.KDFParams{}) {
		params = acc.Primary.Params
	}
	acc.Duress = &storage.Credential{Salt: req.Salt, Verifier: v, Params: params}
	acc.EmergencyContact = req.Contact
	acc.Modified = b.now().UTC()
	if err := b.store.PutAccount(acc); err != nil {
		return err
	}
	return b.store.PutVault(storage.Scope(sess.Username, true), req.Vault)
}

func (b *Backend) limiter(username string) *rate.Limiter {
	b.limMu.Lock()
	defer b.limMu.Unlock()
	l, ok := b.limiters[username]
	if !ok {
		l = rate.NewLimiter(b.opts.LoginLimit, b.opts.LoginBurst)
		b.limiters[username] = l
	}
	return l
}

// Login checks the credential against the primary and duress verifiers and
// opens a session on the matching scope.
func (b *Backend) Login(ctx context.Context, username string, auth []byte) (LoginResponse, error) {
	if err := ctx.Err(); err != nil {
		return LoginResponse{}, err
	}
	if !b.limiter(username).Allow() {
		return LoginResponse{}, ErrRateLimited
	}
	defer b.hold()()

	acc, err := b.store.GetAccount(username)
	if errors.Is(err, storage.ErrNotFound) {
		return LoginResponse{}, ErrUnauthorized
	}
	if err != nil {
		return LoginResponse{}, err
	}

	v := verifier(auth)
	var resp LoginResponse
	switch {
	case crypto.ConstantTimeCompare(v, acc.Primary.Verifier):
		resp.Salt = acc.Primary.Salt
	case acc.Duress != nil && crypto.ConstantTimeCompare(v, acc.Duress.Verifier):
		resp.Duress = true
		resp.Salt = acc.Duress.Salt
		resp.Contact = acc.EmergencyContact
	default:
		b.opts.Log.Debugf("login rejected for %s", username)
		return LoginResponse{}, ErrUnauthorized
	}

	raw, err := crypto.GenerateRandom(tokenSize)
	if err != nil {
		return LoginResponse{}, err
	}
	resp.Token = hex.EncodeToString(raw)

	err = b.store.PutSession(&storage.SessionRecord{
		Token:    resp.Token,
		Username: username,
		Scope:    storage.Scope(username, resp.Duress),
		Created:  b.now().UTC(),
	})
	if err != nil {
		return LoginResponse{}, err
	}
	return resp, nil
}

// session resolves a token. The caller holds dbMu.
func (b *Backend) session(ctx context.Context, token string) (*storage.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrUnauthorized
	}
	sess, err := b.store.GetSession(token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if sess.Revoked {
		return nil, ErrSessionRevoked
	}
	return sess, nil
}

// CheckSession reports whether token is still live.
func (b *Backend) CheckSession(ctx context.Context, token string) error {
	defer b.hold()()
	_, err := b.session(ctx, token)
	return err
}

// Logout revokes one session.
func (b *Backend) Logout(ctx context.Context, token string) error {
	defer b.hold()()
	sess, err := b.session(ctx, token)
	if err != nil {
		return err
	}
	sess.Revoked = true
	return b.store.PutSession(sess)
}

// RevokeSessions logs out every session of the token's user, this one
// included, and returns how many were live.
func (b *Backend) RevokeSessions(ctx context.Context, token string) (int, error) {
	defer b.hold()()
	sess, err := b.session(ctx, token)
	if err != nil {
		return 0, err
	}
	return b.store.RevokeSessions(sess.Username)
}

// GetVault returns the blob of the session's scope, nil if none.
func (b *Backend) GetVault(ctx context.Context, token string) ([]byte, error) {
	defer b.hold()()
	sess, err := b.session(ctx, token)
	if err != nil {
		return nil, err
	}
	return b.store.GetVault(sess.Scope)
}

// PutVault atomically replaces the blob of the session's scope.
func (b *Backend) PutVault(ctx context.Context, token string, blob []byte) error {
	if err := validBlob(blob); err != nil {
		return err
	}
	defer b.hold()()
	sess, err := b.session(ctx, token)
	if err != nil {
		return err
	}
	return b.store.PutVault(sess.Scope, blob)
}

// PutProfileKey stores the wrapped key of a new profile. A profile's key is
// never replaced outside a rekey, since that would orphan its fields.
func (b *Backend) PutProfileKey(ctx context.Context, token, profileID string, wrapped vault.EncryptedField) error {
	if profileID == "" || wrapped.IsZero() {
		return fmt.Errorf("%w: missing profile id or key", ErrInvalidRequest)
	}
	defer b.hold()()
	sess, err := b.session(ctx, token)
	if err != nil {
		return err
	}

	now := b.now().UTC()
	return b.store.UpdateProfileRecord(sess.Scope, profileID, func(rec *storage.ProfileRecord, create bool) error {
		if !create {
			return fmt.Errorf("%w: profile %s already has a key", ErrInvalidRequest, profileID)
		}
		rec.WrappedKey = wrapped
		rec.UpdatedAt = now
		return nil
	})
}

// PutProfileField replaces one encrypted field. A zero field deletes it.
// Other fields of the profile are not touched.
func (b *Backend) PutProfileField(ctx context.Context, token, profileID, name string, f vault.EncryptedField) error {
	if !vault.IsSecureField(name) {
		return fmt.Errorf("%w: %q is not a secure field", ErrInvalidRequest, name)
	}
	defer b.hold()()
	sess, err := b.session(ctx, token)
	if err != nil {
		return err
	}

	now := b.now().UTC()
	return b.store.UpdateProfileRecord(sess.Scope, profileID, func(rec *storage.ProfileRecord, create bool) error {
		if create {
			return fmt.Errorf("profile %s: %w", profileID, ErrNotFound)
		}
		if f.IsZero() {
			delete(rec.Fields, name)
		} else {
			rec.Fields[name] = f
		}
		rec.UpdatedAt = now
		return nil
	})
}

// GetProfileRecord returns the wrapped key and encrypted fields of a
// profile.
func (b *Backend) GetProfileRecord(ctx context.Context, token, profileID string) (*storage.ProfileRecord, error) {
	defer b.hold()()
	sess, err := b.session(ctx, token)
	if err != nil {
		return nil, err
	}
	rec, err := b.store.GetProfileRecord(sess.Scope, profileID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("profile %s: %w", profileID, ErrNotFound)
	}
	return rec, err
}

// MarkDeleted moves a profile record to trash.
func (b *Backend) MarkDeleted(ctx context.Context, token, profileID string, at time.Time) error {
	defer b.hold()()
	sess, err := b.session(ctx, token)
	if err != nil {
		return err
	}
	return b.store.UpdateProfileRecord(sess.Scope, profileID, func(rec *storage.ProfileRecord, create bool) error {
		switch {
		case create:
			return fmt.Errorf("profile %s: %w", profileID, ErrNotFound)
		case rec.DeletedAt != nil:
			return trash.ErrAlreadyInTrash
		}
		at := at.UTC()
		rec.DeletedAt = &at
		return nil
	})
}

// RestoreProfile takes a profile record out of trash.
func (b *Backend) RestoreProfile(ctx context.Context, token, profileID string) error {
	defer b.hold()()
	sess, err := b.session(ctx, token)
	if err != nil {
		return err
	}
	return b.store.UpdateProfileRecord(sess.Scope, profileID, func(rec *storage.ProfileRecord, create bool) error {
		switch {
		case create:
			return fmt.Errorf("profile %s: %w", profileID, ErrNotFound)
		case rec.DeletedAt == nil:
			return trash.ErrNotInTrash
		}
		rec.DeletedAt = nil
		return nil
	})
}

// ShredProfile destroys a trashed profile's wrapped key and ciphertexts.
func (b *Backend) ShredProfile(ctx context.Context, token, profileID, confirmation string) error {
	if confirmation != trash.Confirmation(profileID) {
		return trash.ErrConfirmationRequired
	}

	err := func() error {
		defer b.hold()()
		sess, err := b.session(ctx, token)
		if err != nil {
			return err
		}
		err = b.store.DeleteProfileRecord(sess.Scope, profileID, func(rec *storage.ProfileRecord) error {
			if rec.DeletedAt == nil {
				return trash.ErrNotInTrash
			}
			return nil
		})
		if errors.Is(err, storage.ErrNotFound) {
			return trash.ErrGone
		}
		return err
	}()
	if err != nil {
		return err
	}

	if b.opts.CompactOnShred {
		if err := b.Compact(); err != nil {
			b.opts.Log.Warnf("compaction after shred failed: %v", err)
		}
	}
	return nil
}

// ListTrash returns the trashed profiles of the session's scope.
func (b *Backend) ListTrash(ctx context.Context, token string) ([]trash.Record, error) {
	defer b.hold()()
	sess, err := b.session(ctx, token)
	if err != nil {
		return nil, err
	}
	records, err := b.store.ListProfileRecords(sess.Scope)
	if err != nil {
		return nil, err
	}

	now := b.now()
	var out []trash.Record
	for _, rec := range records {
		if rec.DeletedAt == nil {
			continue
		}
		out = append(out, trash.Record{
			ProfileID:     rec.ProfileID,
			DeletedAt:     *rec.DeletedAt,
			DaysRemaining: trash.DaysRemaining(*rec.DeletedAt, now, b.opts.Retention),
		})
	}
	return out, nil
}

// SweepTrash shreds every trashed record past retention in every scope and
// drops stale shares. It returns the number of profiles shredded.
func (b *Backend) SweepTrash(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var removed [][2]string
	err := func() error {
		defer b.hold()()
		now := b.now()
		var err error
		removed, err = b.store.ShredExpired(now.Add(-b.opts.Retention))
		if err != nil {
			return err
		}
		if _, err := b.store.PruneShares(now, now.Add(-ShareTombstoneTTL)); err != nil {
			return err
		}
		return nil
	}()
	if err != nil {
		return 0, err
	}

	for _, r := range removed {
		user, _, _ := strings.Cut(r[0], "/")
		b.opts.Trail.Log(audit.Entry{User: user, Operation: audit.OpShred, Target: r[1], Reason: "retention expired"})
	}
	if len(removed) > 0 {
		b.opts.Trail.Log(audit.Entry{Operation: audit.OpSweep, Count: len(removed)})
		if b.opts.CompactOnShred {
			if err := b.Compact(); err != nil {
				b.opts.Log.Warnf("compaction after sweep failed: %v", err)
			}
		}
	}
	return len(removed), nil
}

// CreateShare stores an encrypted payload for one-time retrieval.
func (b *Backend) CreateShare(ctx context.Context, token string, req ShareRequest) (string, error) {
	if len(req.Payload) < crypto.Overhead {
		return "", fmt.Errorf("%w: share payload too short", ErrInvalidRequest)
	}
	now := b.now()
	if !req.ExpiresAt.After(now) || req.ExpiresAt.Sub(now) > MaxShareTTL {
		return "", fmt.Errorf("%w: expiry must be within %s", ErrInvalidRequest, MaxShareTTL)
	}
	defer b.hold()()
	sess, err := b.session(ctx, token)
	if err != nil {
		return "", err
	}

	rec := &storage.ShareRecord{
		ID:         uuid.NewString(),
		Owner:      sess.Username,
		ResourceID: req.ResourceID,
		Payload:    req.Payload,
		ExpiresAt:  req.ExpiresAt.UTC(),
		Created:    now.UTC(),
	}
	if err := b.store.PutShare(rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// ConsumeShare hands out a share payload once. It needs no session: the
// recipient is anonymous and the link key is the capability.
func (b *Backend) ConsumeShare(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer b.hold()()

	payload, err := b.store.TakeShare(id, b.now())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, share.ErrNotFound
	case errors.Is(err, storage.ErrShareConsumed):
		return nil, share.ErrAlreadyConsumed
	case errors.Is(err, storage.ErrShareExpired):
		return nil, share.ErrExpired
	}
	return payload, err
}

// ChangeCredentials replaces the session scope's credential, blob and
// wrapped profile keys in one transaction. Profile records left out of
// WrappedKeys are shredded with it.
func (b *Backend) ChangeCredentials(ctx context.Context, token string, req RekeyRequest) error {
	if err := validCredential(req.AuthCredential, req.Salt); err != nil {
		return err
	}
	if err := validBlob(req.Vault); err != nil {
		return err
	}

	err := func() error {
		defer b.hold()()
		sess, err := b.session(ctx, token)
		if err != nil {
			return err
		}
		acc, err := b.store.GetAccount(sess.Username)
		if err != nil {
			return err
		}

		duress := sess.Scope == storage.Scope(sess.Username, true)
		cred := storage.Credential{Salt: req.Salt, Verifier: verifier(req.AuthCredential), Params: req.Params}
		if duress {
			acc.Duress = &cred
		} else {
			acc.Primary = cred
		}
		acc.Modified = b.now().UTC()

		err = b.store.Rekey(acc, sess.Scope, req.Vault, req.WrappedKeys)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return err
	}()
	if err != nil {
		return err
	}

	if b.opts.CompactOnShred {
		if err := b.Compact(); err != nil {
			b.opts.Log.Warnf("compaction after rekey failed: %v", err)
		}
	}
	return nil
}

// Compact rewrites the database file without free pages.
func (b *Backend) Compact() error {
	b.dbMu.Lock()
	defer b.dbMu.Unlock()
	return b.store.Compact()
}
