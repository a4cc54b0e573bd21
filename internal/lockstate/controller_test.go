package lockstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/illarion/lockvault/internal/crypto"
	"github.com/illarion/lockvault/internal/logging"
	"github.com/illarion/lockvault/internal/session"
	"github.com/illarion/lockvault/internal/vault"
)

const (
	primaryPassword = "Tr0ub4dor&3"
	duressPassword  = "correct horse battery staple"
)

var testParams = crypto.KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}

type account struct {
	salt []byte
	auth []byte
	blob vault.Blob
}

// fakeBackend holds one primary and one duress account. The gates, when
// set, block the matching call until closed or until its context ends.
type fakeBackend struct {
	mu       sync.Mutex
	accounts map[bool]*account
	current  *bool
	contact  string

	saltErr  error
	storeErr error

	authGate     chan struct{}
	authEntered  chan struct{}
	storeGate    chan struct{}
	storeEntered chan struct{}
}

func newAccount(t *testing.T, password, category string) *account {
	t.Helper()
	salt, err := crypto.GenerateSalt()
	if err != nil {
		t.Fatalf("Failed to generate salt: %v", err)
	}
	keys, err := crypto.DeriveKeys([]byte(password), salt, testParams)
	if err != nil {
		t.Fatalf("Failed to derive keys: %v", err)
	}
	defer keys.Destroy()

	v := vault.CreateEmptyVault()
	if _, err := v.AddCategory(category); err != nil {
		t.Fatalf("Failed to add category: %v", err)
	}
	blob, err := vault.EncryptVaultData(v, keys.Master)
	if err != nil {
		t.Fatalf("Failed to encrypt vault: %v", err)
	}
	return &account{salt: salt, auth: append([]byte(nil), keys.Auth...), blob: blob}
}

func newFake(t *testing.T) *fakeBackend {
	t.Helper()
	return &fakeBackend{accounts: map[bool]*account{
		false: newAccount(t, primaryPassword, "Real"),
		true:  newAccount(t, duressPassword, "Decoy"),
	}}
}

func (f *fakeBackend) Salt(ctx context.Context, duress bool) ([]byte, crypto.KDFParams, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saltErr != nil {
		return nil, crypto.KDFParams{}, f.saltErr
	}
	return append([]byte(nil), f.accounts[duress].salt...), testParams, nil
}

func (f *fakeBackend) Authenticate(ctx context.Context, auth crypto.AuthCredential, duress bool) error {
	f.mu.Lock()
	gate, entered := f.authGate, f.authEntered
	f.mu.Unlock()
	if err := wait(ctx, gate, entered); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !crypto.ConstantTimeCompare(auth, f.accounts[duress].auth) {
		return fmt.Errorf("login: %w", ErrRejected)
	}
	f.current = &duress
	return nil
}

func (f *fakeBackend) EmergencyContact() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil || !*f.current {
		return ""
	}
	return f.contact
}

func (f *fakeBackend) FetchVault(ctx context.Context) (vault.Blob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(vault.Blob(nil), f.accounts[*f.current].blob...), nil
}

func (f *fakeBackend) StoreVault(ctx context.Context, blob vault.Blob) error {
	f.mu.Lock()
	gate, entered := f.storeGate, f.storeEntered
	f.mu.Unlock()
	if err := wait(ctx, gate, entered); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return f.storeErr
	}
	f.accounts[*f.current].blob = append(vault.Blob(nil), blob...)
	return nil
}

func wait(ctx context.Context, gate, entered chan struct{}) error {
	if gate == nil {
		return nil
	}
	if entered != nil {
		entered <- struct{}{}
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newController(f *fakeBackend, id string) *Controller {
	return New(Options{Backend: f, Username: "alice", SessionID: id, Log: logging.Discard})
}

func waitFor(t *testing.T, events <-chan Event, want State) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.To == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for state %s", want)
		}
	}
}

func categories(t *testing.T, c *Controller) []string {
	t.Helper()
	v, err := c.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	var names []string
	for _, cat := range v.Categories {
		names = append(names, cat.Name)
	}
	return names
}

func TestUnlockAndLock(t *testing.T) {
	c := newController(newFake(t), "s1")
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	if err := c.Unlock(context.Background(), []byte(primaryPassword)); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	waitFor(t, events, Unlocking)
	waitFor(t, events, Unlocked)

	if got := categories(t, c); len(got) != 1 || got[0] != "Real" {
		t.Errorf("Expected the primary vault, got %v", got)
	}

	if err := c.Unlock(context.Background(), []byte(primaryPassword)); !errors.Is(err, ErrNotLocked) {
		t.Errorf("Expected ErrNotLocked, got %v", err)
	}

	c.Lock()
	waitFor(t, events, Locked)

	if _, err := c.Snapshot(); !errors.Is(err, ErrLocked) {
		t.Errorf("Expected ErrLocked after lock, got %v", err)
	}
	if err := c.WithKey(func(*crypto.SecretKey) error { return nil }); !errors.Is(err, ErrLocked) {
		t.Errorf("Expected ErrLocked from WithKey, got %v", err)
	}
}

func TestUnlockWrongPassword(t *testing.T) {
	c := newController(newFake(t), "s1")

	err := c.Unlock(context.Background(), []byte("Tr0ub4dor&4"))
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Expected ErrInvalidCredentials, got %v", err)
	}
	if c.State() != Locked {
		t.Errorf("Expected Locked, got %s", c.State())
	}
}

func TestUnlockTamperedBlob(t *testing.T) {
	f := newFake(t)
	f.accounts[false].blob[len(f.accounts[false].blob)-1] ^= 0x01
	c := newController(f, "s1")

	// Integrity failure is indistinguishable from a wrong password
	if err := c.Unlock(context.Background(), []byte(primaryPassword)); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Expected ErrInvalidCredentials, got %v", err)
	}
	if c.State() != Locked {
		t.Errorf("Expected Locked, got %s", c.State())
	}
}

func TestUnlockTransportError(t *testing.T) {
	f := newFake(t)
	f.saltErr = errors.New("connection refused")
	c := newController(f, "s1")

	err := c.Unlock(context.Background(), []byte(primaryPassword))
	if !errors.Is(err, ErrTransport) || !errors.Is(err, f.saltErr) {
		t.Fatalf("Expected transport error wrapping the cause, got %v", err)
	}
	if errors.Is(err, ErrInvalidCredentials) {
		t.Error("Transport failure must not look like bad credentials")
	}
	if c.State() != Locked {
		t.Errorf("Expected Locked, got %s", c.State())
	}
}

func TestUnlockCancelled(t *testing.T) {
	c := newController(newFake(t), "s1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Unlock(ctx, []byte(primaryPassword)); !errors.Is(err, ErrAborted) {
		t.Fatalf("Expected ErrAborted, got %v", err)
	}
	if c.State() != Locked {
		t.Errorf("Expected Locked, got %s", c.State())
	}
}

func TestPanicDuringUnlock(t *testing.T) {
	f := newFake(t)
	f.authGate = make(chan struct{})
	f.authEntered = make(chan struct{}, 1)
	c := newController(f, "s1")

	done := make(chan error, 1)
	go func() {
		done <- c.Unlock(context.Background(), []byte(primaryPassword))
	}()

	select {
	case <-f.authEntered:
	case <-time.After(5 * time.Second):
		t.Fatal("Unlock never reached authentication")
	}
	c.Panic("hotkey")

	if err := <-done; !errors.Is(err, ErrAborted) {
		t.Fatalf("Expected ErrAborted, got %v", err)
	}
	if c.State() != PanicLocked {
		t.Fatalf("Panic must win over the in-flight unlock, got %s", c.State())
	}
	if _, err := c.Snapshot(); !errors.Is(err, ErrLocked) {
		t.Errorf("Expected ErrLocked, got %v", err)
	}

	// A fresh unlock from PanicLocked works
	f.mu.Lock()
	f.authGate, f.authEntered = nil, nil
	f.mu.Unlock()
	if err := c.Unlock(context.Background(), []byte(primaryPassword)); err != nil {
		t.Fatalf("Unlock after panic failed: %v", err)
	}
	if c.State() != Unlocked {
		t.Errorf("Expected Unlocked, got %s", c.State())
	}
}

func TestPanicDiscardsInflightUpdate(t *testing.T) {
	f := newFake(t)
	c := newController(f, "s1")
	if err := c.Unlock(context.Background(), []byte(primaryPassword)); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	f.mu.Lock()
	f.storeGate = make(chan struct{})
	f.storeEntered = make(chan struct{}, 1)
	f.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- c.Update(context.Background(), func(v *vault.VaultData) error {
			_, err := v.AddCategory("Doomed")
			return err
		})
	}()

	select {
	case <-f.storeEntered:
	case <-time.After(5 * time.Second):
		t.Fatal("Update never reached the store")
	}
	c.Panic("hotkey")

	if err := <-done; !errors.Is(err, ErrLocked) {
		t.Fatalf("Expected ErrLocked, got %v", err)
	}

	f.mu.Lock()
	f.storeGate, f.storeEntered = nil, nil
	f.mu.Unlock()
	if err := c.Unlock(context.Background(), []byte(primaryPassword)); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	for _, name := range categories(t, c) {
		if name == "Doomed" {
			t.Error("Mutation in flight during panic was persisted")
		}
	}
}

func TestUpdatePersists(t *testing.T) {
	f := newFake(t)
	c := newController(f, "s1")
	if err := c.Unlock(context.Background(), []byte(primaryPassword)); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	err := c.Update(context.Background(), func(v *vault.VaultData) error {
		_, err := v.AddCategory("Personal")
		return err
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	c.Lock()
	if err := c.Unlock(context.Background(), []byte(primaryPassword)); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if got := categories(t, c); len(got) != 2 || got[1] != "Personal" {
		t.Errorf("Expected persisted category, got %v", got)
	}
}

func TestUpdateFailureLeavesState(t *testing.T) {
	f := newFake(t)
	c := newController(f, "s1")
	if err := c.Unlock(context.Background(), []byte(primaryPassword)); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	boom := errors.New("boom")
	err := c.Update(context.Background(), func(v *vault.VaultData) error {
		v.Categories = nil
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	f.storeErr = errors.New("disk full")
	err = c.Update(context.Background(), func(v *vault.VaultData) error {
		_, err := v.AddCategory("Lost")
		return err
	})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Expected ErrTransport, got %v", err)
	}

	if got := categories(t, c); len(got) != 1 || got[0] != "Real" {
		t.Errorf("Failed updates must leave the vault untouched, got %v", got)
	}
}

type alertRecorder chan string

func (a alertRecorder) Alert(ctx context.Context, username, contact, reason string) error {
	a <- username + " -> " + contact + ": " + reason
	return nil
}

func TestDuressIsolation(t *testing.T) {
	f := newFake(t)
	f.contact = "sec@example.com"
	alerts := make(alertRecorder, 1)
	c := New(Options{Backend: f, Alerter: alerts, Username: "alice", SessionID: "s1", Log: logging.Discard})

	// The duress password does not open the primary vault
	if err := c.Unlock(context.Background(), []byte(duressPassword)); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Expected ErrInvalidCredentials, got %v", err)
	}

	if err := c.UnlockWithDuress(context.Background(), []byte(duressPassword)); err != nil {
		t.Fatalf("UnlockWithDuress failed: %v", err)
	}
	if c.State() != DuressUnlocked {
		t.Fatalf("Expected DuressUnlocked, got %s", c.State())
	}
	if got := categories(t, c); len(got) != 1 || got[0] != "Decoy" {
		t.Errorf("Duress session must see only the decoy vault, got %v", got)
	}

	select {
	case got := <-alerts:
		if got != "alice -> sec@example.com: duress unlock" {
			t.Errorf("Unexpected alert: %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Error("Duress unlock did not raise an alert")
	}

	err := c.Update(context.Background(), func(v *vault.VaultData) error {
		_, err := v.AddCategory("Planted")
		return err
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	c.Lock()
	if err := c.Unlock(context.Background(), []byte(primaryPassword)); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if got := categories(t, c); len(got) != 1 || got[0] != "Real" {
		t.Errorf("Duress writes must not reach the primary vault, got %v", got)
	}
}

func TestRemoteLockEvents(t *testing.T) {
	bus := session.NewBus()
	c1 := newController(newFake(t), "s1")
	c2 := newController(newFake(t), "s2")
	defer c1.Attach(bus)()
	defer c2.Attach(bus)()

	for _, c := range []*Controller{c1, c2} {
		if err := c.Unlock(context.Background(), []byte(primaryPassword)); err != nil {
			t.Fatalf("Unlock failed: %v", err)
		}
	}

	events2, unsubscribe2 := c2.Subscribe()
	defer unsubscribe2()
	c1.Panic("hotkey")
	ev := waitFor(t, events2, PanicLocked)
	if ev.From != Unlocked {
		t.Errorf("Expected transition from Unlocked, got %s", ev.From)
	}

	for _, c := range []*Controller{c1, c2} {
		if err := c.Unlock(context.Background(), []byte(primaryPassword)); err != nil {
			t.Fatalf("Unlock failed: %v", err)
		}
	}

	events1, unsubscribe1 := c1.Subscribe()
	defer unsubscribe1()
	c2.Lock()
	waitFor(t, events1, Locked)
}

func TestIdleLock(t *testing.T) {
	c := New(Options{Backend: newFake(t), SessionID: "s1", IdleTimeout: 30 * time.Millisecond, Log: logging.Discard})
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	if err := c.Unlock(context.Background(), []byte(primaryPassword)); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	ev := waitFor(t, events, Locked)
	if ev.Reason != "idle timeout" {
		t.Errorf("Expected idle timeout, got %q", ev.Reason)
	}
}

func TestRekey(t *testing.T) {
	c := newController(newFake(t), "s1")
	if err := c.Unlock(context.Background(), []byte(primaryPassword)); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	failing := crypto.RandomKey()
	boom := errors.New("boom")
	err := c.Rekey(context.Background(), failing, func(context.Context, *vault.VaultData, *crypto.SecretKey) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	if failing.Alive() {
		t.Error("New key must be destroyed when persisting fails")
	}

	newKey := crypto.RandomKey()
	var old *crypto.SecretKey
	err = c.Rekey(context.Background(), newKey, func(_ context.Context, data *vault.VaultData, oldKey *crypto.SecretKey) error {
		old = oldKey
		if len(data.Categories) != 1 {
			t.Errorf("persist should see the vault, got %d categories", len(data.Categories))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Rekey failed: %v", err)
	}
	if old.Alive() {
		t.Error("Old key must be wiped after rekey")
	}
	err = c.WithKey(func(key *crypto.SecretKey) error {
		if key != newKey {
			t.Error("Resident key was not replaced")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithKey failed: %v", err)
	}
}

func TestUnlockAny(t *testing.T) {
	tests := []struct {
		name     string
		password string
		want     State
		wantErr  error
		category string
	}{
		{"primary", primaryPassword, Unlocked, nil, "Real"},
		{"duress", duressPassword, DuressUnlocked, nil, "Decoy"},
		{"wrong", "hunter2", Locked, ErrInvalidCredentials, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newController(newFake(t), "s1")
			err := c.UnlockAny(context.Background(), []byte(tt.password))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
			if c.State() != tt.want {
				t.Fatalf("Expected %s, got %s", tt.want, c.State())
			}
			if tt.category != "" {
				if got := categories(t, c); len(got) != 1 || got[0] != tt.category {
					t.Errorf("Expected %s vault, got %v", tt.category, got)
				}
			}
		})
	}
}
