package backend

import (
	"errors"
	"time"

	"github.com/illarion/lockvault/internal/crypto"
	"github.com/illarion/lockvault/internal/session"
	"github.com/illarion/lockvault/internal/vault"
)

var (
	// ErrUnauthorized means the credential or token was not accepted.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSessionRevoked means the token was valid once and has been
	// logged out or revoked.
	ErrSessionRevoked = session.ErrSessionRevoked
	ErrRateLimited    = errors.New("too many login attempts")
	ErrNotFound       = errors.New("not found")
	ErrExists         = errors.New("account already exists")
	ErrInvalidRequest = errors.New("invalid request")
)

// SaltInfo is public. For an unknown username, or an account without a
// duress credential, the missing salts are stable decoys indistinguishable
// from real ones.
type SaltInfo struct {
	Salt         []byte           `json:"salt"`
	Params       crypto.KDFParams `json:"params"`
	DuressSalt   []byte           `json:"duressSalt"`
	DuressParams crypto.KDFParams `json:"duressParams"`
}

type RegisterRequest struct {
	Username       string           `json:"username"`
	AuthCredential []byte           `json:"authCredential"`
	Salt           []byte           `json:"salt"`
	Params         crypto.KDFParams `json:"params"`
	// Vault is the initial, empty, encrypted vault.
	Vault []byte `json:"vault"`
}

type DuressRequest struct {
	AuthCredential []byte           `json:"authCredential"`
	Salt           []byte           `json:"salt"`
	Params         crypto.KDFParams `json:"params"`
	Contact        string           `json:"contact"`
	Vault          []byte           `json:"vault"`
}

type LoginResponse struct {
	Token string `json:"token"`
	// Duress is set when the duress credential matched. The token then
	// grants access to the decoy vault only.
	Duress bool   `json:"duress"`
	Salt   []byte `json:"salt"`
	// Contact is the emergency contact, returned to duress logins only.
	Contact string `json:"contact,omitempty"`
}

type ShareRequest struct {
	ResourceID string    `json:"resourceId"`
	Payload    []byte    `json:"payload"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// RekeyRequest replaces the credential of the session's scope. WrappedKeys
// holds every profile key to keep, re-wrapped under the new master key.
type RekeyRequest struct {
	AuthCredential []byte                          `json:"authCredential"`
	Salt           []byte                          `json:"salt"`
	Params         crypto.KDFParams                `json:"params"`
	Vault          []byte                          `json:"vault"`
	WrappedKeys    map[string]vault.EncryptedField `json:"wrappedKeys"`
}
