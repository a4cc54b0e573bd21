package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illarion/lockvault/internal/backend"
	"github.com/illarion/lockvault/internal/crypto"
	"github.com/illarion/lockvault/internal/lockstate"
	"github.com/illarion/lockvault/internal/logging"
	"github.com/illarion/lockvault/internal/storage"
	"github.com/illarion/lockvault/internal/trash"
	"github.com/illarion/lockvault/internal/vault"
)

// API is the server a Client talks to. backend.Backend implements it
// in-process; a networked client would implement the same methods.
type API interface {
	Salts(ctx context.Context, username string) (backend.SaltInfo, error)
	Register(ctx context.Context, req backend.RegisterRequest) error
	RegisterDuress(ctx context.Context, token string, req backend.DuressRequest) error
	Login(ctx context.Context, username string, auth []byte) (backend.LoginResponse, error)

	GetVault(ctx context.Context, token string) ([]byte, error)
	PutVault(ctx context.Context, token string, blob []byte) error

	PutProfileKey(ctx context.Context, token, profileID string, wrapped vault.EncryptedField) error
	PutProfileField(ctx context.Context, token, profileID, name string, f vault.EncryptedField) error
	GetProfileRecord(ctx context.Context, token, profileID string) (*storage.ProfileRecord, error)

	MarkDeleted(ctx context.Context, token, profileID string, at time.Time) error
	RestoreProfile(ctx context.Context, token, profileID string) error
	ShredProfile(ctx context.Context, token, profileID, confirmation string) error
	ListTrash(ctx context.Context, token string) ([]trash.Record, error)

	CreateShare(ctx context.Context, token string, req backend.ShareRequest) (string, error)
	ConsumeShare(ctx context.Context, id string) ([]byte, error)

	CheckSession(ctx context.Context, token string) error
	Logout(ctx context.Context, token string) error
	RevokeSessions(ctx context.Context, token string) (int, error)
	ChangeCredentials(ctx context.Context, token string, req backend.RekeyRequest) error
}

var _ API = (*backend.Backend)(nil)

// TokenStore keeps the session token between runs so that a later process
// can log the session out without the password.
type TokenStore interface {
	Token(username string) (string, error)
	SaveToken(username, token string) error
	DeleteToken(username string) error
}

// remote binds an API to one username and the token of its current
// session. It serves as the controller's backend, the share store and the
// trash store.
type remote struct {
	api      API
	username string
	tokens   TokenStore
	log      logging.Logger

	mu      sync.Mutex
	token   string
	duress  bool
	contact string
}

func (r *remote) session() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token == "" {
		return "", backend.ErrUnauthorized
	}
	return r.token, nil
}

func (r *remote) inDuress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.duress
}

func (r *remote) Salt(ctx context.Context, duress bool) ([]byte, crypto.KDFParams, error) {
	info, err := r.api.Salts(ctx, r.username)
	if err != nil {
		return nil, crypto.KDFParams{}, err
	}
	if duress {
		params := info.DuressParams
		if params == (crypto.KDFParams{}) {
			params = info.Params
		}
		return info.DuressSalt, params, nil
	}
	return info.Salt, info.Params, nil
}

// EmergencyContact is the contact the server returned to a duress login.
func (r *remote) EmergencyContact() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contact
}

func (r *remote) Authenticate(ctx context.Context, auth crypto.AuthCredential, duress bool) error {
	resp, err := r.api.Login(ctx, r.username, auth)
	if errors.Is(err, backend.ErrUnauthorized) {
		return fmt.Errorf("%w: %w", lockstate.ErrRejected, err)
	}
	if err != nil {
		return err
	}
	if resp.Duress != duress {
		// Matched the other credential; this attempt only accepts its own.
		if err := r.api.Logout(context.WithoutCancel(ctx), resp.Token); err != nil {
			r.log.Debugf("failed to drop mismatched session: %v", err)
		}
		return lockstate.ErrRejected
	}

	r.mu.Lock()
	previous := r.token
	r.token = resp.Token
	r.duress = resp.Duress
	r.contact = resp.Contact
	r.mu.Unlock()

	if previous != "" {
		if err := r.api.Logout(context.WithoutCancel(ctx), previous); err != nil {
			r.log.Debugf("previous session not closed: %v", err)
		}
	}
	if r.tokens != nil {
		if err := r.tokens.SaveToken(r.username, resp.Token); err != nil {
			r.log.Debugf("session token not cached: %v", err)
		}
	}
	return nil
}

// forget drops the session locally and, with revoke, on the server.
func (r *remote) forget(ctx context.Context, revoke func(ctx context.Context, token string) error) error {
	r.mu.Lock()
	token := r.token
	r.token = ""
	r.duress = false
	r.contact = ""
	r.mu.Unlock()

	if r.tokens != nil {
		if err := r.tokens.DeleteToken(r.username); err != nil {
			r.log.Debugf("cached session token not removed: %v", err)
		}
	}
	if token == "" || revoke == nil {
		return nil
	}
	return revoke(ctx, token)
}

func (r *remote) FetchVault(ctx context.Context) (vault.Blob, error) {
	token, err := r.session()
	if err != nil {
		return nil, err
	}
	return r.api.GetVault(ctx, token)
}

func (r *remote) StoreVault(ctx context.Context, blob vault.Blob) error {
	token, err := r.session()
	if err != nil {
		return err
	}
	return r.api.PutVault(ctx, token, blob)
}

func (r *remote) CheckSession(ctx context.Context) error {
	token, err := r.session()
	if err != nil {
		return err
	}
	return r.api.CheckSession(ctx, token)
}

func (r *remote) CreateShare(ctx context.Context, resourceID string, payload []byte, expiresAt time.Time) (string, error) {
	token, err := r.session()
	if err != nil {
		return "", err
	}
	return r.api.CreateShare(ctx, token, backend.ShareRequest{ResourceID: resourceID, Payload: payload, ExpiresAt: expiresAt})
}

func (r *remote) ConsumeShare(ctx context.Context, id string) ([]byte, error) {
	return r.api.ConsumeShare(ctx, id)
}

func (r *remote) MarkDeleted(ctx context.Context, profileID string, at time.Time) error {
	token, err := r.session()
	if err != nil {
		return err
	}
	return r.api.MarkDeleted(ctx, token, profileID, at)
}

func (r *remote) RestoreProfile(ctx context.Context, profileID string) error {
	token, err := r.session()
	if err != nil {
		return err
	}
	return r.api.RestoreProfile(ctx, token, profileID)
}

func (r *remote) ShredProfile(ctx context.Context, profileID, confirmation string) error {
	token, err := r.session()
	if err != nil {
		return err
	}
	return r.api.ShredProfile(ctx, token, profileID, confirmation)
}

func (r *remote) ListTrash(ctx context.Context) ([]trash.Record, error) {
	token, err := r.session()
	if err != nil {
		return nil, err
	}
	return r.api.ListTrash(ctx, token)
}
