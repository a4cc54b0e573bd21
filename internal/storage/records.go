package storage

import (
	"time"

	"github.com/illarion/lockvault/internal/crypto"
	"github.com/illarion/lockvault/internal/vault"
)

// Credential is what the server knows about one password: the public salt,
// the KDF cost and a verifier it can check but not invert.
type Credential struct {
	Salt     []byte           `json:"salt"`
	Verifier []byte           `json:"verifier"`
	Params   crypto.KDFParams `json:"params"`
}

// AccountRecord is stored per username.
type AccountRecord struct {
	Username         string      `json:"username"`
	Primary          Credential  `json:"primary"`
	Duress           *Credential `json:"duress,omitempty"`
	EmergencyContact string      `json:"emergencyContact,omitempty"`
	Created          time.Time   `json:"created"`
	Modified         time.Time   `json:"modified"`
}

// ProfileRecord holds the field-level encrypted attributes of a profile and
// its wrapped key. Deleting it is the crypto-shred.
type ProfileRecord struct {
	ProfileID  string                          `json:"profileId"`
	WrappedKey vault.EncryptedField            `json:"wrappedKey"`
	Fields     map[string]vault.EncryptedField `json:"fields"`
	DeletedAt  *time.Time                      `json:"deletedAt,omitempty"`
	UpdatedAt  time.Time                       `json:"updatedAt"`
}

// ShareRecord is a burn-after-read secret. Payload is erased on first read.
type ShareRecord struct {
	ID         string    `json:"id"`
	Owner      string    `json:"owner"`
	ResourceID string    `json:"resourceId,omitempty"`
	Payload    []byte    `json:"payload,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Consumed   bool      `json:"consumed"`
	ConsumedAt time.Time `json:"consumedAt,omitempty"`
	Created    time.Time `json:"created"`
}

// SessionRecord ties a token to an account and a vault scope.
type SessionRecord struct {
	Token    string    `json:"token"`
	Username string    `json:"username"`
	Scope    string    `json:"scope"`
	Created  time.Time `json:"created"`
	Revoked  bool      `json:"revoked"`
}

// Scope names one vault of an account: the real one or the decoy.
func Scope(username string, duress bool) string {
	if duress {
		return username + "/duress"
	}
	return username + "/primary"
}
