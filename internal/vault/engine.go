package vault

import (
	"encoding/json"
	"fmt"

	"github.com/illarion/lockvault/internal/crypto"
)

// Blob is an encrypted VaultData: nonce || ciphertext || tag.
type Blob []byte

// EncryptedField is one independently encrypted attribute.
type EncryptedField struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// IsZero reports whether the field holds nothing.
func (f EncryptedField) IsZero() bool {
	return len(f.Nonce) == 0 && len(f.Ciphertext) == 0
}

// EncryptVaultData serializes and seals the whole vault.
func EncryptVaultData(v *VaultData, key *crypto.SecretKey) (Blob, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil vault", ErrInvalidInput)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal vault: %w", err)
	}
	defer crypto.ClearBytes(data)

	blob, err := crypto.Encrypt(data, key)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt vault: %w", err)
	}
	return Blob(blob), nil
}

// DecryptVaultBlob opens and deserializes a vault. Authentication failures
// surface as crypto.ErrAuthFailed without further detail.
func DecryptVaultBlob(blob Blob, key *crypto.SecretKey) (*VaultData, error) {
	data, err := crypto.Decrypt(blob, key)
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(data)

	v := &VaultData{}
	if err := json.Unmarshal(data, v); err != nil {
		// Authenticated but malformed: still not something to partially trust.
		return nil, crypto.ErrAuthFailed
	}
	if v.Categories == nil {
		v.Categories = make([]Category, 0)
	}
	return v, nil
}

// EncryptField seals a single attribute value.
func EncryptField(value string, key *crypto.SecretKey) (EncryptedField, error) {
	plaintext := []byte(value)
	defer crypto.ClearBytes(plaintext)

	sealed, err := crypto.Encrypt(plaintext, key)
	if err != nil {
		return EncryptedField{}, fmt.Errorf("failed to encrypt field: %w", err)
	}
	return EncryptedField{
		Nonce:      sealed[:crypto.NonceSize],
		Ciphertext: sealed[crypto.NonceSize:],
	}, nil
}

// DecryptField opens a single attribute value.
func DecryptField(f EncryptedField, key *crypto.SecretKey) (string, error) {
	if len(f.Nonce) != crypto.NonceSize {
		return "", crypto.ErrAuthFailed
	}
	sealed := make([]byte, 0, len(f.Nonce)+len(f.Ciphertext))
	sealed = append(sealed, f.Nonce...)
	sealed = append(sealed, f.Ciphertext...)

	plaintext, err := crypto.Decrypt(sealed, key)
	if err != nil {
		return "", err
	}
	defer crypto.ClearBytes(plaintext)
	return string(plaintext), nil
}

// WrapKey seals a profile key under the master key.
func WrapKey(profileKey, master *crypto.SecretKey) (EncryptedField, error) {
	var wrapped EncryptedField
	err := profileKey.Use(func(k []byte) error {
		sealed, err := crypto.Encrypt(k, master)
		if err != nil {
			return err
		}
		wrapped = EncryptedField{Nonce: sealed[:crypto.NonceSize], Ciphertext: sealed[crypto.NonceSize:]}
		return nil
	})
	if err != nil {
		return EncryptedField{}, fmt.Errorf("failed to wrap profile key: %w", err)
	}
	return wrapped, nil
}

// UnwrapKey opens a profile key sealed by WrapKey.
func UnwrapKey(wrapped EncryptedField, master *crypto.SecretKey) (*crypto.SecretKey, error) {
	if len(wrapped.Nonce) != crypto.NonceSize {
		return nil, crypto.ErrAuthFailed
	}
	sealed := append(append([]byte(nil), wrapped.Nonce...), wrapped.Ciphertext...)
	raw, err := crypto.Decrypt(sealed, master)
	if err != nil {
		return nil, err
	}
	return crypto.NewSecretKey(raw)
}
