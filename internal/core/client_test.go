package core

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/illarion/lockvault/internal/alert"
	"github.com/illarion/lockvault/internal/audit"
	"github.com/illarion/lockvault/internal/backend"
	"github.com/illarion/lockvault/internal/crypto"
	"github.com/illarion/lockvault/internal/keyring"
	"github.com/illarion/lockvault/internal/lockstate"
	"github.com/illarion/lockvault/internal/logging"
	"github.com/illarion/lockvault/internal/session"
	"github.com/illarion/lockvault/internal/share"
	"github.com/illarion/lockvault/internal/storage"
	"github.com/illarion/lockvault/internal/trash"
	"github.com/illarion/lockvault/internal/vault"
	gokeyring "github.com/zalando/go-keyring"
)

const (
	primaryPassword = "Tr0ub4dor&3"
	duressPassword  = "correct horse battery staple"
)

var testParams = crypto.KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}

type testEnv struct {
	t     *testing.T
	dir   string
	store *storage.Storage
	api   *backend.Backend
	bus   *session.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{t: t, dir: t.TempDir(), bus: session.NewBus()}
	e.open()
	t.Cleanup(func() { e.store.Close() })
	return e
}

func (e *testEnv) open() {
	e.t.Helper()
	store, err := storage.Open(filepath.Join(e.dir, "vault.db"))
	if err != nil {
		e.t.Fatalf("Failed to open storage: %v", err)
	}
	api, err := backend.New(store, backend.Options{DefaultParams: testParams, CompactOnShred: true, Log: logging.Discard})
	if err != nil {
		e.t.Fatalf("Failed to create backend: %v", err)
	}
	e.store, e.api = store, api
}

// restart closes the database and opens it again, as a new process would.
func (e *testEnv) restart() {
	e.t.Helper()
	if err := e.store.Close(); err != nil {
		e.t.Fatalf("Failed to close storage: %v", err)
	}
	e.open()
}

func (e *testEnv) client(username string, configure ...func(*Options)) *Client {
	e.t.Helper()
	opts := Options{
		API:      e.api,
		Username: username,
		Params:   testParams,
		Log:      logging.Discard,
		Trail:    &audit.Trail{Path: filepath.Join(e.dir, "audit.jsonl")},
	}
	for _, fn := range configure {
		fn(&opts)
	}
	c, err := NewClient(opts)
	if err != nil {
		e.t.Fatalf("Failed to create client: %v", err)
	}
	e.t.Cleanup(c.Close)
	return c
}

// unlocked registers alice if needed and returns an unlocked client.
func (e *testEnv) unlocked(configure ...func(*Options)) *Client {
	e.t.Helper()
	c := e.client("alice", configure...)
	if err := c.Register(context.Background(), []byte(primaryPassword)); err != nil && !errors.Is(err, backend.ErrExists) {
		e.t.Fatalf("Register failed: %v", err)
	}
	if err := c.Unlock(context.Background(), []byte(primaryPassword)); err != nil {
		e.t.Fatalf("Unlock failed: %v", err)
	}
	return c
}

func addSampleProfile(t *testing.T, c *Client) string {
	t.Helper()
	ctx := context.Background()
	if _, err := c.AddCategory(ctx, "Work"); err != nil {
		t.Fatalf("AddCategory failed: %v", err)
	}
	if _, err := c.AddOrganization(ctx, "Work", "Acme", "https://acme.example"); err != nil {
		t.Fatalf("AddOrganization failed: %v", err)
	}
	id, err := c.AddProfile(ctx, "Acme", "admin", map[string]string{
		"url":               "https://acme.example/login",
		vault.FieldUsername: "alice@acme.example",
		vault.FieldPassword: "hunter2",
	})
	if err != nil {
		t.Fatalf("AddProfile failed: %v", err)
	}
	return id
}

func waitForState(t *testing.T, c *Client, want lockstate.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for c.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s, state is %s", want, c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegisterUnlockRestart(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	c := e.unlocked()
	if c.State() != lockstate.Unlocked {
		t.Fatalf("Expected Unlocked, got %s", c.State())
	}
	v, err := c.Vault()
	if err != nil {
		t.Fatalf("Vault failed: %v", err)
	}
	if len(v.Categories) != 0 {
		t.Errorf("A new vault should be empty, got %d categories", len(v.Categories))
	}

	id := addSampleProfile(t, c)
	c.Lock()
	if _, err := c.Vault(); !errors.Is(err, lockstate.ErrLocked) {
		t.Errorf("Expected ErrLocked after Lock, got %v", err)
	}

	e.restart()
	c2 := e.client("alice")
	if err := c2.Unlock(ctx, []byte(primaryPassword)); err != nil {
		t.Fatalf("Unlock after restart failed: %v", err)
	}

	tests := map[string]string{
		"url":               "https://acme.example/login",
		vault.FieldUsername: "alice@acme.example",
		vault.FieldPassword: "hunter2",
	}
	for name, want := range tests {
		got, err := c2.Field(ctx, id, name)
		if err != nil {
			t.Fatalf("Field(%s) failed: %v", name, err)
		}
		if got != want {
			t.Errorf("Field(%s) = %q, want %q", name, got, want)
		}
	}

	fields, err := c2.Fields(ctx, id)
	if err != nil {
		t.Fatalf("Fields failed: %v", err)
	}
	if len(fields) != 2 || fields[0][0] != vault.FieldPassword {
		t.Errorf("Unexpected secure fields: %v", fields)
	}
}

func TestSecureFieldsStayOffTheBlob(t *testing.T) {
	e := newTestEnv(t)
	c := e.unlocked()
	id := addSampleProfile(t, c)

	v, _ := c.Vault()
	p := v.FindProfile(id)
	for _, name := range vault.SecureFields {
		if _, ok := p.Attributes[name]; ok {
			t.Errorf("Secure field %s stored in the vault blob", name)
		}
	}

	rec, err := e.store.GetProfileRecord(storage.Scope("alice", false), id)
	if err != nil {
		t.Fatalf("Failed to read profile record: %v", err)
	}
	for name, f := range rec.Fields {
		if strings.Contains(string(f.Ciphertext), "hunter2") {
			t.Errorf("Field %s stored in plaintext", name)
		}
	}
}

func TestSetField(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := e.unlocked()
	id := addSampleProfile(t, c)

	if err := c.SetField(ctx, id, vault.FieldPassword, "n3w-secret"); err != nil {
		t.Fatalf("SetField failed: %v", err)
	}
	if got, _ := c.Field(ctx, id, vault.FieldPassword); got != "n3w-secret" {
		t.Errorf("Password = %q", got)
	}
	if err := c.SetField(ctx, id, vault.FieldUsername, ""); err != nil {
		t.Fatalf("Clearing a field failed: %v", err)
	}
	if _, err := c.Field(ctx, id, vault.FieldUsername); !errors.Is(err, vault.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a cleared field, got %v", err)
	}
	if err := c.SetField(ctx, id, "url", "https://acme.example/sso"); err != nil {
		t.Fatalf("SetField on an attribute failed: %v", err)
	}
	if got, _ := c.Field(ctx, id, "url"); got != "https://acme.example/sso" {
		t.Errorf("url = %q", got)
	}
	if err := c.SetField(ctx, "missing", vault.FieldPassword, "x"); !errors.Is(err, vault.ErrProfileNotFound) {
		t.Errorf("Expected ErrProfileNotFound, got %v", err)
	}
}

func TestWrongPassword(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.unlocked().Lock()

	c := e.client("alice")
	if err := c.Unlock(ctx, []byte("Tr0ub4dor&4")); !errors.Is(err, lockstate.ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials, got %v", err)
	}
	if c.State() != lockstate.Locked {
		t.Errorf("Expected Locked, got %s", c.State())
	}

	unknown := e.client("nobody")
	if err := unknown.Unlock(ctx, []byte(primaryPassword)); !errors.Is(err, lockstate.ErrInvalidCredentials) {
		t.Errorf("Unknown user: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestDuressUnlock(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := e.unlocked()
	addSampleProfile(t, c)

	decoy := vault.CreateEmptyVault()
	if _, err := decoy.AddCategory("Personal"); err != nil {
		t.Fatalf("AddCategory failed: %v", err)
	}
	if err := c.ConfigureDuress(ctx, []byte(duressPassword), "sec@example.com", decoy); err != nil {
		t.Fatalf("ConfigureDuress failed: %v", err)
	}

	alerts := make(chan string, 1)
	d := e.client("alice", func(o *Options) {
		o.Alerter = alert.Func(func(_ context.Context, username, contact, reason string) error {
			alerts <- username + " -> " + contact
			return nil
		})
	})
	if err := d.Unlock(ctx, []byte(duressPassword)); err != nil {
		t.Fatalf("Duress unlock failed: %v", err)
	}
	if d.State() != lockstate.DuressUnlocked {
		t.Errorf("Expected DuressUnlocked, got %s", d.State())
	}

	v, _ := d.Vault()
	if len(v.Categories) != 1 || v.Categories[0].Name != "Personal" {
		t.Errorf("Duress session must see only the decoy vault: %+v", v.Categories)
	}

	select {
	case who := <-alerts:
		if who != "alice -> sec@example.com" {
			t.Errorf("Alert for %q", who)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("No emergency alert raised")
	}

	if err := d.ConfigureDuress(ctx, []byte("other"), "", nil); !errors.Is(err, ErrDuressSession) {
		t.Errorf("Expected ErrDuressSession, got %v", err)
	}

	// The real vault is untouched by the decoy session.
	if _, err := d.AddCategory(ctx, "Decoy only"); err != nil {
		t.Fatalf("AddCategory in decoy failed: %v", err)
	}
	p := e.client("alice")
	if err := p.Unlock(ctx, []byte(primaryPassword)); err != nil {
		t.Fatalf("Primary unlock failed: %v", err)
	}
	pv, _ := p.Vault()
	if pv.FindCategory("Decoy only") != nil || pv.FindCategory("Work") == nil {
		t.Error("Primary vault mixed with the decoy")
	}
}

func TestDuressKeepsItsOwnKDFCost(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.unlocked()

	// Configured from a client whose cost differs from the registration.
	costly := crypto.KDFParams{Time: 2, MemoryKiB: 128, Threads: 1}
	c := e.client("alice", func(o *Options) { o.Params = costly })
	if err := c.Unlock(ctx, []byte(primaryPassword)); err != nil {
		t.Fatalf("Unlock with a different configured cost failed: %v", err)
	}
	if err := c.ConfigureDuress(ctx, []byte(duressPassword), "", nil); err != nil {
		t.Fatalf("ConfigureDuress failed: %v", err)
	}

	d := e.client("alice")
	if err := d.UnlockWithDuress(ctx, []byte(duressPassword)); err != nil {
		t.Fatalf("Duress unlock failed: %v", err)
	}
	if d.State() != lockstate.DuressUnlocked {
		t.Fatalf("Expected DuressUnlocked, got %s", d.State())
	}
	if err := d.ChangePassword(ctx, []byte(duressPassword), []byte("new duress")); err != nil {
		t.Fatalf("ChangePassword in a duress session failed: %v", err)
	}

	// A primary rekey under yet another cost leaves duress working.
	p := e.client("alice", func(o *Options) { o.Params = crypto.KDFParams{Time: 1, MemoryKiB: 96, Threads: 1} })
	if err := p.Unlock(ctx, []byte(primaryPassword)); err != nil {
		t.Fatalf("Primary unlock failed: %v", err)
	}
	if err := p.ChangePassword(ctx, []byte(primaryPassword), []byte("new primary")); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	again := e.client("alice")
	if err := again.Unlock(ctx, []byte("new duress")); err != nil {
		t.Fatalf("Unlock with the changed duress password failed: %v", err)
	}
	if again.State() != lockstate.DuressUnlocked {
		t.Errorf("Expected DuressUnlocked, got %s", again.State())
	}
}

func TestDuressAlertsRegisteredContact(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := e.unlocked()
	if err := c.ConfigureDuress(ctx, []byte(duressPassword), "sec@example.com", nil); err != nil {
		t.Fatalf("ConfigureDuress failed: %v", err)
	}

	trail := &audit.Trail{Path: filepath.Join(e.dir, "alerts.jsonl")}
	d := e.client("alice", func(o *Options) {
		// No contact in the local configuration.
		o.Alerter = &alert.Notifier{Trail: trail, Log: logging.Discard}
	})
	if err := d.Unlock(ctx, []byte(duressPassword)); err != nil {
		t.Fatalf("Duress unlock failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, err := trail.ReadEntries()
		if err != nil {
			t.Fatalf("Failed to read trail: %v", err)
		}
		if len(entries) == 1 {
			if entries[0].Operation != audit.OpAlert || entries[0].Target != "sec@example.com" {
				t.Errorf("Unexpected alert entry: %+v", entries[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("No alert recorded for the registered contact, entries: %+v", entries)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShareLink(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := e.unlocked()
	id := addSampleProfile(t, c)

	link, err := c.CreateShare(ctx, id, vault.FieldPassword, time.Hour)
	if err != nil {
		t.Fatalf("CreateShare failed: %v", err)
	}
	parsed, err := share.ParseLink(link.String())
	if err != nil {
		t.Fatalf("ParseLink failed: %v", err)
	}

	recipient := e.client("guest")
	payload, err := recipient.ConsumeShare(ctx, parsed)
	if err != nil {
		t.Fatalf("ConsumeShare failed: %v", err)
	}
	if string(payload) != "hunter2" {
		t.Errorf("Shared payload = %q", payload)
	}
	if _, err := recipient.ConsumeShare(ctx, parsed); !errors.Is(err, share.ErrAlreadyConsumed) {
		t.Errorf("Expected ErrAlreadyConsumed, got %v", err)
	}

	if _, err := e.api.SweepTrash(ctx); err != nil {
		t.Fatalf("SweepTrash failed: %v", err)
	}
	if _, err := ReceiveShare(ctx, e.api, parsed); !errors.Is(err, share.ErrAlreadyConsumed) {
		t.Errorf("After sweep: expected ErrAlreadyConsumed, got %v", err)
	}
}

func TestTrash(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := e.unlocked()
	id := addSampleProfile(t, c)

	if err := c.SoftDelete(ctx, id); err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}
	if _, err := c.CreateShare(ctx, id, vault.FieldPassword, 0); !errors.Is(err, trash.ErrAlreadyInTrash) {
		t.Errorf("Sharing a trashed profile: expected ErrAlreadyInTrash, got %v", err)
	}

	entries, err := c.Trash(ctx)
	if err != nil {
		t.Fatalf("Trash failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Title != "admin" || entries[0].DaysRemaining != 30 {
		t.Errorf("Unexpected trash: %+v", entries)
	}

	if err := c.Restore(ctx, id); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if got, _ := c.Field(ctx, id, vault.FieldPassword); got != "hunter2" {
		t.Errorf("Restored password = %q", got)
	}

	if err := c.SoftDelete(ctx, id); err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}
	if err := c.Shred(ctx, id, "yes"); !errors.Is(err, trash.ErrConfirmationRequired) {
		t.Errorf("Expected ErrConfirmationRequired, got %v", err)
	}
	if err := c.Shred(ctx, id, trash.Confirmation(id)); err != nil {
		t.Fatalf("Shred failed: %v", err)
	}
	if _, err := c.Field(ctx, id, vault.FieldPassword); !errors.Is(err, vault.ErrProfileNotFound) {
		t.Errorf("Expected ErrProfileNotFound after shred, got %v", err)
	}
	if _, err := e.store.GetProfileRecord(storage.Scope("alice", false), id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Profile key survived the shred: %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := e.unlocked()
	id := addSampleProfile(t, c)
	next := []byte("n3w passphrase")

	if err := c.ChangePassword(ctx, []byte("wrong"), next); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("Expected ErrWrongPassword, got %v", err)
	}
	if err := c.ChangePassword(ctx, []byte(primaryPassword), next); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}
	// The open session keeps working under the new key.
	if got, _ := c.Field(ctx, id, vault.FieldPassword); got != "hunter2" {
		t.Errorf("Password after rekey = %q", got)
	}
	c.Lock()

	if err := c.Unlock(ctx, []byte(primaryPassword)); !errors.Is(err, lockstate.ErrInvalidCredentials) {
		t.Errorf("Old password must stop working, got %v", err)
	}
	if err := c.Unlock(ctx, next); err != nil {
		t.Fatalf("Unlock with new password failed: %v", err)
	}
	if got, _ := c.Field(ctx, id, vault.FieldUsername); got != "alice@acme.example" {
		t.Errorf("Username after rekey = %q", got)
	}
}

func TestPanicLocksOtherSessions(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	withBus := func(o *Options) { o.Bus = e.bus }
	a := e.unlocked(withBus)
	b := e.unlocked(withBus)
	remote := e.unlocked(func(o *Options) { o.PollInterval = 10 * time.Millisecond })
	stop := remote.StartSessionPoller(ctx)
	defer stop()

	if err := a.Panic(ctx, "test"); err != nil {
		t.Fatalf("Panic failed: %v", err)
	}
	if a.State() != lockstate.PanicLocked {
		t.Errorf("Expected PanicLocked, got %s", a.State())
	}
	// Same process: the bus delivers at once.
	waitForState(t, b, lockstate.PanicLocked)
	// Other device: the poller sees the revoked session.
	waitForState(t, remote, lockstate.Locked)
	if remote.Token() != "" {
		t.Error("Revoked token still held")
	}

	if err := a.Unlock(ctx, []byte(primaryPassword)); err != nil {
		t.Fatalf("Unlock after panic failed: %v", err)
	}
}

func TestLogout(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := e.unlocked()
	token := c.Token()

	if err := c.Logout(ctx, false); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if c.State() != lockstate.Locked || c.Token() != "" {
		t.Error("Logout must lock and drop the token")
	}
	if err := e.api.CheckSession(ctx, token); !errors.Is(err, backend.ErrSessionRevoked) {
		t.Errorf("Expected ErrSessionRevoked, got %v", err)
	}
}

func TestTokenCache(t *testing.T) {
	gokeyring.MockInit()
	e := newTestEnv(t)
	tokens := keyring.Tokens{}
	c := e.unlocked(func(o *Options) { o.Tokens = tokens })

	cached, err := tokens.Token("alice")
	if err != nil {
		t.Fatalf("Failed to read cached token: %v", err)
	}
	if cached == "" || cached != c.Token() {
		t.Errorf("Cached token %q does not match session %q", cached, c.Token())
	}

	if err := c.Logout(context.Background(), true); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if cached, _ := tokens.Token("alice"); cached != "" {
		t.Error("Logout must clear the cached token")
	}
}

func TestExportAndDiff(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := e.unlocked()
	addSampleProfile(t, c)

	backup, err := c.ExportBlob(ctx)
	if err != nil {
		t.Fatalf("ExportBlob failed: %v", err)
	}
	d, err := c.DiffBackup(backup)
	if err != nil {
		t.Fatalf("DiffBackup failed: %v", err)
	}
	if d != "" {
		t.Errorf("Expected no diff against a fresh export, got:\n%s", d)
	}

	if _, err := c.AddProfile(ctx, "Acme", "billing", nil); err != nil {
		t.Fatalf("AddProfile failed: %v", err)
	}
	d, err = c.DiffBackup(backup)
	if err != nil {
		t.Fatalf("DiffBackup failed: %v", err)
	}
	if !strings.Contains(d, "billing") {
		t.Errorf("Diff should mention the new profile:\n%s", d)
	}

	if _, err := c.DiffBackup([]byte("not a vault blob at all, far too plain")); err == nil {
		t.Error("A foreign blob must not open")
	}
}
