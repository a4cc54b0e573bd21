package keyring

import (
	"errors"

	"github.com/zalando/go-keyring"
)

const serviceName = "lockvault"

// ErrNotFound is returned when no entry exists.
var ErrNotFound = keyring.ErrNotFound

func passwordKey(username string) string { return "password:" + username }
func tokenKey(username string) string { return "session:" + username }

// SavePassword stores a password in the OS keyring
func SavePassword(username string, password string) error {
	return keyring.Set(serviceName, passwordKey(username), password)
}

// GetPassword retrieves a password from the OS keyring
func GetPassword(username string) (string, error) {
	return keyring.Get(serviceName, passwordKey(username))
}

// DeletePassword removes a password from the OS keyring
func DeletePassword(username string) error {
	return keyring.Delete(serviceName, passwordKey(username))
}

// HasPassword checks if a password is stored in the keyring
func HasPassword(username string) bool {
	_, err := keyring.Get(serviceName, passwordKey(username))
	return err == nil
}

// Tokens keeps session tokens in the OS keyring so that a later run can
// log out or revoke sessions without the password.
type Tokens struct{}

func (Tokens) Token(username string) (string, error) {
	token, err := keyring.Get(serviceName, tokenKey(username))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	return token, err
}

func (Tokens) SaveToken(username, token string) error {
	return keyring.Set(serviceName, tokenKey(username), token)
}

// DeleteToken is a no-op when nothing is stored.
func (Tokens) DeleteToken(username string) error {
	err := keyring.Delete(serviceName, tokenKey(username))
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
