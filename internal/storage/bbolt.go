package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/illarion/lockvault/internal/crypto"
	"github.com/illarion/lockvault/internal/vault"
	bolt "go.etcd.io/bbolt"
)

// Bucket names
var (
	ConfigBucket   = []byte("config")   // Version and timestamps
	AccountsBucket = []byte("accounts") // Salts and verifiers per username
	VaultsBucket   = []byte("vaults")   // Encrypted vault blobs per scope
	ProfilesBucket = []byte("profiles") // One nested bucket per scope of ProfileRecords
	SharesBucket   = []byte("shares")   // Burn-after-read secrets
	SessionsBucket = []byte("sessions") // Session tokens
)

// Config keys
var (
	ConfigVersion  = []byte("version")
	ConfigCreated  = []byte("created")
	ConfigModified = []byte("modified")
	ConfigPepper   = []byte("pepper") // Server secret for decoy salts
)

var (
	ErrNotFound      = errors.New("not found")
	ErrExists        = errors.New("already exists")
	ErrShareConsumed = errors.New("share already consumed")
	ErrShareExpired  = errors.New("share expired")
)

// Storage provides BBolt-based storage for the lockvault server side
type Storage struct {
	db *bolt.DB
}

// Open opens or creates a lockvault database
func Open(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *Storage) Path() string {
	return s.db.Path()
}

// Initialize creates the bucket structure. Safe to call on an existing database.
func (s *Storage) Initialize() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{ConfigBucket, AccountsBucket, VaultsBucket, ProfilesBucket, SharesBucket, SessionsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		config := tx.Bucket(ConfigBucket)
		if config.Get(ConfigPepper) == nil {
			pepper, err := crypto.GenerateRandom(32)
			if err != nil {
				return err
			}
			if err := config.Put(ConfigPepper, pepper); err != nil {
				return err
			}
		}
		if config.Get(ConfigVersion) != nil {
			return nil
		}
		if err := config.Put(ConfigVersion, []byte("1")); err != nil {
			return err
		}

		created, _ := time.Now().MarshalBinary()
		if err := config.Put(ConfigCreated, created); err != nil {
			return err
		}
		return config.Put(ConfigModified, created)
	})
}

// IsInitialized checks if the database has been initialized
func (s *Storage) IsInitialized() (bool, error) {
	var initialized bool
	err := s.db.View(func(tx *bolt.Tx) error {
		config := tx.Bucket(ConfigBucket)
		if config != nil && config.Get(ConfigVersion) != nil {
			initialized = true
		}
		return nil
	})
	return initialized, err
}

// GetModified retrieves the last modified timestamp
func (s *Storage) GetModified() (time.Time, error) {
	var modified time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		config := tx.Bucket(ConfigBucket)
		if config == nil {
			return fmt.Errorf("config bucket not found")
		}
		data := config.Get(ConfigModified)
		if data == nil {
			return fmt.Errorf("modified time not found")
		}
		return modified.UnmarshalBinary(data)
	})
	return modified, err
}

// Pepper returns the per-database secret. It never leaves the server.
func (s *Storage) Pepper() ([]byte, error) {
	var pepper []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		config := tx.Bucket(ConfigBucket)
		if config == nil {
			return ErrNotFound
		}
		data := config.Get(ConfigPepper)
		if data == nil {
			return ErrNotFound
		}
		// Copy out of the transaction
		pepper = append([]byte(nil), data...)
		return nil
	})
	return pepper, err
}

func touch(tx *bolt.Tx) error {
	modified, _ := time.Now().MarshalBinary()
	return tx.Bucket(ConfigBucket).Put(ConfigModified, modified)
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, key string, v any) error {
	if b == nil {
		return ErrNotFound
	}
	data := b.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// PutAccount creates or replaces an account record
func (s *Storage) PutAccount(rec *AccountRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket(AccountsBucket), rec.Username, rec); err != nil {
			return err
		}
		return touch(tx)
	})
}

// CreateAccount stores a new account; it fails if the username is taken
func (s *Storage) CreateAccount(rec *AccountRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		accounts := tx.Bucket(AccountsBucket)
		if accounts.Get([]byte(rec.Username)) != nil {
			return fmt.Errorf("account %s: %w", rec.Username, ErrExists)
		}
		if err := putJSON(accounts, rec.Username, rec); err != nil {
			return err
		}
		return touch(tx)
	})
}

// GetAccount retrieves an account record
func (s *Storage) GetAccount(username string) (*AccountRecord, error) {
	rec := &AccountRecord{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(AccountsBucket), username, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// PutVault atomically replaces the blob of a scope
func (s *Storage) PutVault(scope string, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(VaultsBucket).Put([]byte(scope), blob); err != nil {
			return err
		}
		return touch(tx)
	})
}

// GetVault retrieves the blob of a scope, or nil if none was stored yet
func (s *Storage) GetVault(scope string) ([]byte, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(VaultsBucket).Get([]byte(scope))
		// Make a copy since the slice is only valid during the transaction
		blob = append([]byte(nil), data...)
		return nil
	})
	if len(blob) == 0 {
		return nil, err
	}
	return blob, err
}

// UpdateProfileRecord loads (or starts) a profile record, applies fn and
// stores the result, all in one transaction. fn sees a zero record with
// create set when none exists yet.
func (s *Storage) UpdateProfileRecord(scope, profileID string, fn func(rec *ProfileRecord, create bool) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		profiles, err := tx.Bucket(ProfilesBucket).CreateBucketIfNotExists([]byte(scope))
		if err != nil {
			return err
		}

		rec := &ProfileRecord{}
		create := false
		if err := getJSON(profiles, profileID, rec); err != nil {
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			create = true
			rec = &ProfileRecord{ProfileID: profileID}
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]vault.EncryptedField)
		}

		if err := fn(rec, create); err != nil {
			return err
		}
		if err := putJSON(profiles, profileID, rec); err != nil {
			return err
		}
		return touch(tx)
	})
}

// GetProfileRecord retrieves one profile record
func (s *Storage) GetProfileRecord(scope, profileID string) (*ProfileRecord, error) {
	rec := &ProfileRecord{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(ProfilesBucket).Bucket([]byte(scope)), profileID, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListProfileRecords returns every profile record of a scope
func (s *Storage) ListProfileRecords(scope string) ([]ProfileRecord, error) {
	var out []ProfileRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		profiles := tx.Bucket(ProfilesBucket).Bucket([]byte(scope))
		if profiles == nil {
			return nil
		}
		return profiles.ForEach(func(k, v []byte) error {
			var rec ProfileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// DeleteProfileRecord destroys a profile record, wrapped key included.
// check runs inside the transaction and may veto the deletion.
func (s *Storage) DeleteProfileRecord(scope, profileID string, check func(rec *ProfileRecord) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		profiles := tx.Bucket(ProfilesBucket).Bucket([]byte(scope))
		rec := &ProfileRecord{}
		if err := getJSON(profiles, profileID, rec); err != nil {
			return err
		}
		if check != nil {
			if err := check(rec); err != nil {
				return err
			}
		}
		if err := profiles.Delete([]byte(profileID)); err != nil {
			return err
		}
		return touch(tx)
	})
}

// ShredExpired deletes every trashed profile record whose deletion time is
// before cutoff, across all scopes. It returns scope/profile pairs removed.
func (s *Storage) ShredExpired(cutoff time.Time) ([][2]string, error) {
	var removed [][2]string
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(ProfilesBucket)
		var scopes [][]byte
		if err := root.ForEachBucket(func(k []byte) error {
			scopes = append(scopes, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}

		for _, scope := range scopes {
			profiles := root.Bucket(scope)
			var expired [][]byte
			err := profiles.ForEach(func(k, v []byte) error {
				var rec ProfileRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}
				if rec.DeletedAt != nil && !rec.DeletedAt.After(cutoff) {
					expired = append(expired, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range expired {
				if err := profiles.Delete(k); err != nil {
					return err
				}
				removed = append(removed, [2]string{string(scope), string(k)})
			}
		}
		if len(removed) == 0 {
			return nil
		}
		return touch(tx)
	})
	return removed, err
}

// Rekey replaces the account credential, the scope's blob and every wrapped
// profile key of the scope in one transaction. Records of the scope missing
// from wrapped can no longer be opened and are deleted.
func (s *Storage) Rekey(rec *AccountRecord, scope string, blob []byte, wrapped map[string]vault.EncryptedField) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		profiles := tx.Bucket(ProfilesBucket).Bucket([]byte(scope))
		if profiles != nil {
			var orphans [][]byte
			if err := profiles.ForEach(func(k, _ []byte) error {
				if _, ok := wrapped[string(k)]; !ok {
					orphans = append(orphans, append([]byte(nil), k...))
				}
				return nil
			}); err != nil {
				return err
			}
			for _, k := range orphans {
				if err := profiles.Delete(k); err != nil {
					return err
				}
			}
		}
		for id, key := range wrapped {
			p := &ProfileRecord{}
			if err := getJSON(profiles, id, p); err != nil {
				return fmt.Errorf("profile %s: %w", id, err)
			}
			p.WrappedKey = key
			if err := putJSON(profiles, id, p); err != nil {
				return err
			}
		}
		if err := tx.Bucket(VaultsBucket).Put([]byte(scope), blob); err != nil {
			return err
		}
		if err := putJSON(tx.Bucket(AccountsBucket), rec.Username, rec); err != nil {
			return err
		}
		return touch(tx)
	})
}

// PutShare stores a new share
func (s *Storage) PutShare(rec *ShareRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(SharesBucket), rec.ID, rec)
	})
}

// TakeShare returns a share's payload and erases it in the same
// transaction. Concurrent callers are serialized by bbolt's single writer,
// so exactly one of them gets the payload. An expired share has its payload
// erased as well.
func (s *Storage) TakeShare(id string, now time.Time) ([]byte, error) {
	var (
		payload []byte
		outcome error
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		shares := tx.Bucket(SharesBucket)
		rec := &ShareRecord{}
		if err := getJSON(shares, id, rec); err != nil {
			return err
		}
		switch {
		case rec.Consumed:
			outcome = ErrShareConsumed
			return nil
		case !now.Before(rec.ExpiresAt):
			outcome = ErrShareExpired
			if rec.Payload == nil {
				return nil
			}
		default:
			payload = rec.Payload
			rec.Consumed = true
			rec.ConsumedAt = now
		}
		rec.Payload = nil
		return putJSON(shares, id, rec)
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return nil, outcome
	}
	return payload, nil
}

// PruneShares erases the payload of every share past its expiry and
// deletes the records of shares that expired before cutoff. A record that
// stays keeps answering consumed or expired instead of not found.
func (s *Storage) PruneShares(now, cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		shares := tx.Bucket(SharesBucket)
		var drop [][]byte
		var erase []*ShareRecord
		err := shares.ForEach(func(k, v []byte) error {
			var rec ShareRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			switch {
			case rec.ExpiresAt.Before(cutoff):
				drop = append(drop, append([]byte(nil), k...))
			case !now.Before(rec.ExpiresAt) && rec.Payload != nil:
				rec.Payload = nil
				erase = append(erase, &rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, rec := range erase {
			if err := putJSON(shares, rec.ID, rec); err != nil {
				return err
			}
		}
		for _, k := range drop {
			if err := shares.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(drop)
		return nil
	})
	return deleted, err
}

// PutSession stores a session
func (s *Storage) PutSession(rec *SessionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(SessionsBucket), rec.Token, rec)
	})
}

// GetSession retrieves a session
func (s *Storage) GetSession(token string) (*SessionRecord, error) {
	rec := &SessionRecord{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(SessionsBucket), token, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// RevokeSessions marks every session of username as revoked and returns how
// many were live.
func (s *Storage) RevokeSessions(username string) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(SessionsBucket)
		var live []SessionRecord
		err := sessions.ForEach(func(k, v []byte) error {
			var rec SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Username == username && !rec.Revoked {
				live = append(live, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for i := range live {
			live[i].Revoked = true
			if err := putJSON(sessions, live[i].Token, &live[i]); err != nil {
				return err
			}
		}
		count = len(live)
		return nil
	})
	return count, err
}

// Compact creates a compacted copy of the database, removing unused space.
// After a shred this also drops the freed pages that still held the
// destroyed records.
func (s *Storage) Compact() error {
	srcPath := s.db.Path()
	tmpPath := srcPath + ".compact"

	// Create new database
	dst, err := bolt.Open(tmpPath, 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to create compact database: %w", err)
	}

	if err := bolt.Compact(dst, s.db, 0); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to copy data: %w", err)
	}

	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close compact database: %w", err)
	}

	if err := s.db.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close source database: %w", err)
	}

	// Atomic replace
	backupPath := srcPath + ".backup"
	if err := os.Rename(srcPath, backupPath); err != nil {
		return fmt.Errorf("failed to backup original: %w", err)
	}
	if err := os.Rename(tmpPath, srcPath); err != nil {
		os.Rename(backupPath, srcPath) // rollback
		return fmt.Errorf("failed to replace database: %w", err)
	}
	os.Remove(backupPath)

	// Reopen database
	s.db, err = bolt.Open(srcPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to reopen database: %w", err)
	}

	return nil
}
