package share

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/illarion/lockvault/internal/crypto"
)

var (
	ErrExpired         = errors.New("share link expired")
	ErrAlreadyConsumed = errors.New("share link already used")
	ErrNotFound        = errors.New("share link not found")
	ErrInvalidLink     = errors.New("malformed share link")
)

// DefaultTTL applies when Create is given no lifetime.
const DefaultTTL = 24 * time.Hour

const linkPrefix = "lockvault:share/"

// Store is the server side of sharing. It only ever holds ciphertext.
type Store interface {
	// CreateShare stores an encrypted payload and returns its id.
	CreateShare(ctx context.Context, resourceID string, payload []byte, expiresAt time.Time) (string, error)
	// ConsumeShare returns the payload once and erases it. Later calls fail
	// with ErrAlreadyConsumed, calls after expiry with ErrExpired.
	ConsumeShare(ctx context.Context, id string) ([]byte, error)
}

// Link is what the owner hands to the recipient. Key exists nowhere else.
type Link struct {
	ID  string
	Key []byte
}

func (l Link) String() string {
	return linkPrefix + l.ID + "#" + base64.RawURLEncoding.EncodeToString(l.Key)
}

// ParseLink parses the form produced by Link.String.
func ParseLink(s string) (Link, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), linkPrefix)
	if !ok {
		return Link{}, ErrInvalidLink
	}
	id, encoded, ok := strings.Cut(rest, "#")
	if !ok || id == "" {
		return Link{}, ErrInvalidLink
	}
	key, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(key) != crypto.KeySize {
		return Link{}, ErrInvalidLink
	}
	return Link{ID: id, Key: key}, nil
}

// Service creates and redeems burn-after-read links. Links are encrypted
// under a fresh one-time key, never under the master key, so a link grants
// nothing beyond its own payload.
type Service struct {
	Store Store
	// TTL is the lifetime used when Create gets none.
	TTL time.Duration
	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Create encrypts payload under a new one-time key and stores it.
func (s *Service) Create(ctx context.Context, resourceID string, payload []byte, ttl time.Duration) (Link, error) {
	if ttl <= 0 {
		ttl = s.TTL
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	raw, err := crypto.GenerateRandom(crypto.KeySize)
	if err != nil {
		return Link{}, err
	}
	linkKey := append([]byte(nil), raw...)
	key, err := crypto.NewSecretKey(raw)
	if err != nil {
		return Link{}, err
	}
	defer key.Destroy()

	sealed, err := crypto.Encrypt(payload, key)
	if err != nil {
		return Link{}, fmt.Errorf("failed to encrypt share: %w", err)
	}

	id, err := s.Store.CreateShare(ctx, resourceID, sealed, s.now().Add(ttl))
	if err != nil {
		crypto.ClearBytes(linkKey)
		return Link{}, fmt.Errorf("failed to store share: %w", err)
	}
	return Link{ID: id, Key: linkKey}, nil
}

// Consume redeems a link. The server erases the payload before returning
// it, so a second Consume of the same link fails even if this one later
// fails to decrypt.
func (s *Service) Consume(ctx context.Context, link Link) ([]byte, error) {
	if link.ID == "" || len(link.Key) != crypto.KeySize {
		return nil, ErrInvalidLink
	}

	sealed, err := s.Store.ConsumeShare(ctx, link.ID)
	if err != nil {
		return nil, err
	}

	key, err := crypto.NewSecretKey(append([]byte(nil), link.Key...))
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	return crypto.Decrypt(sealed, key)
}
