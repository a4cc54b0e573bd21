package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
)

const redacted = "[SECRET]"

var ErrKeyDestroyed = errors.New("key destroyed")

// noCopy makes go vet's copylocks check flag accidental copies of SecretKey.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// SecretKey holds symmetric key material in a memguard enclave: mlocked,
// surrounded by guard pages, read-only, and wiped on Destroy. Only pass it
// by pointer. Every formatting and encoding path redacts it.
type SecretKey struct {
	_   noCopy
	mu  sync.RWMutex
	buf *memguard.LockedBuffer
}

// NewSecretKey moves b into a locked buffer. b is wiped in the process.
func NewSecretKey(b []byte) (*SecretKey, error) {
	if len(b) != KeySize {
		ClearBytes(b)
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrInvalidInput, KeySize)
	}
	buf := memguard.NewBufferFromBytes(b)
	buf.Freeze()
	return &SecretKey{buf: buf}, nil
}

// RandomKey returns a fresh random key.
func RandomKey() *SecretKey {
	buf := memguard.NewBufferRandom(KeySize)
	buf.Freeze()
	return &SecretKey{buf: buf}
}

// Use calls fn with the raw key bytes. The slice must not be retained after
// fn returns. Destroy blocks until every running Use has finished.
func (k *SecretKey) Use(fn func([]byte) error) error {
	if k == nil {
		return ErrKeyDestroyed
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.buf == nil || !k.buf.IsAlive() {
		return ErrKeyDestroyed
	}
	return fn(k.buf.Bytes())
}

// Alive reports whether the key still holds material.
func (k *SecretKey) Alive() bool {
	if k == nil {
		return false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.buf != nil && k.buf.IsAlive()
}

// Destroy wipes the key. Safe to call more than once.
func (k *SecretKey) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.buf != nil {
		k.buf.Destroy()
		k.buf = nil
	}
}

func (k *SecretKey) String() string { return redacted }

// Format implements fmt.Formatter so %v, %#v, %x and friends stay redacted.
func (k *SecretKey) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, redacted)
}

func (k *SecretKey) MarshalJSON() ([]byte, error) { return json.Marshal(redacted) }

func (k *SecretKey) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// AuthCredential is the password-derived value sent to the server in place
// of the password.
type AuthCredential []byte

func (a AuthCredential) String() string { return "[AUTH]" }

// Wipe zeroes the credential.
func (a AuthCredential) Wipe() { ClearBytes(a) }
