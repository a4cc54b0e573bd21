package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Domain-separation labels. Changing either invalidates every account.
const (
	authLabel       = "lockvault/v1/auth"
	encryptionLabel = "lockvault/v1/encryption"
	rootSize        = 32
)

// KDFParams are the Argon2id cost parameters of an account. They are
// chosen at registration and stored next to the salt.
type KDFParams struct {
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
}

// DefaultKDFParams targets a few hundred milliseconds on commodity hardware.
var DefaultKDFParams = KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}

func (p KDFParams) validate() error {
	if p.Time == 0 || p.Threads == 0 || p.MemoryKiB < 8*uint32(p.Threads) {
		return fmt.Errorf("%w: kdf parameters %+v", ErrInvalidInput, p)
	}
	return nil
}

// GenerateSalt creates a new random account salt.
func GenerateSalt() ([]byte, error) {
	salt, err := GenerateRandom(SaltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DerivedKeys is the pair of independent secrets derived from one password.
type DerivedKeys struct {
	Auth   AuthCredential
	Master *SecretKey
}

// Destroy wipes both halves.
func (d *DerivedKeys) Destroy() {
	if d == nil {
		return
	}
	d.Auth.Wipe()
	d.Master.Destroy()
}

// DeriveKeys runs Argon2id once and expands the root into the
// authentication credential and the master key under distinct labels.
// Knowing one output gives nothing about the other without rerunning
// Argon2id on the password.
func DeriveKeys(password, salt []byte, p KDFParams) (*DerivedKeys, error) {
	root, err := deriveRoot(password, salt, p)
	if err != nil {
		return nil, err
	}
	defer ClearBytes(root)

	auth, err := expand(root, authLabel)
	if err != nil {
		return nil, err
	}
	mk, err := expand(root, encryptionLabel)
	if err != nil {
		ClearBytes(auth)
		return nil, err
	}
	master, err := NewSecretKey(mk)
	if err != nil {
		ClearBytes(auth)
		return nil, err
	}
	return &DerivedKeys{Auth: AuthCredential(auth), Master: master}, nil
}

// DeriveAuthCredential derives only the value sent to the server.
func DeriveAuthCredential(password, salt []byte, p KDFParams) (AuthCredential, error) {
	root, err := deriveRoot(password, salt, p)
	if err != nil {
		return nil, err
	}
	defer ClearBytes(root)

	auth, err := expand(root, authLabel)
	if err != nil {
		return nil, err
	}
	return AuthCredential(auth), nil
}

// DeriveMasterKey derives only the vault encryption key.
func DeriveMasterKey(password, salt []byte, p KDFParams) (*SecretKey, error) {
	root, err := deriveRoot(password, salt, p)
	if err != nil {
		return nil, err
	}
	defer ClearBytes(root)

	mk, err := expand(root, encryptionLabel)
	if err != nil {
		return nil, err
	}
	return NewSecretKey(mk)
}

func deriveRoot(password, salt []byte, p KDFParams) ([]byte, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("%w: empty password", ErrInvalidInput)
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: salt must be %d bytes, got %d", ErrInvalidInput, SaltSize, len(salt))
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return argon2.IDKey(password, salt, p.Time, p.MemoryKiB, p.Threads, rootSize), nil
}

func expand(root []byte, label string) ([]byte, error) {
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, root, nil, []byte(label)), out); err != nil {
		return nil, fmt.Errorf("failed to expand %s key: %w", label, err)
	}
	return out, nil
}
