package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/illarion/lockvault/internal/alert"
	"github.com/illarion/lockvault/internal/audit"
	"github.com/illarion/lockvault/internal/backend"
	"github.com/illarion/lockvault/internal/config"
	"github.com/illarion/lockvault/internal/core"
	"github.com/illarion/lockvault/internal/crypto"
	"github.com/illarion/lockvault/internal/keyring"
	"github.com/illarion/lockvault/internal/lockstate"
	"github.com/illarion/lockvault/internal/logging"
	"github.com/illarion/lockvault/internal/session"
	"github.com/illarion/lockvault/internal/share"
	"github.com/illarion/lockvault/internal/storage"
	"github.com/illarion/lockvault/internal/trash"
	"github.com/illarion/lockvault/internal/vault"
	bolt "go.etcd.io/bbolt"
)

// Flags are accepted by every command.
type Flags struct {
	Username string
	DataDir  string
	Verbose  bool
	Debug    bool
}

// Register adds the common flags to fs.
func (f *Flags) Register(fs *flag.FlagSet) {
	fs.StringVar(&f.Username, "u", "", "Account username")
	fs.StringVar(&f.Username, "user", "", "Account username")
	fs.StringVar(&f.DataDir, "data-dir", "", "Directory holding the vault database")
	fs.BoolVar(&f.Verbose, "v", false, "Verbose output")
	fs.BoolVar(&f.Debug, "debug", false, "Debug output")
}

func (f Flags) overrides() map[string]any {
	o := make(map[string]any)
	if f.Username != "" {
		o["username"] = f.Username
	}
	if f.DataDir != "" {
		o["data_dir"] = f.DataDir
	}
	if f.Verbose {
		o["verbose"] = true
	}
	if f.Debug {
		o["debug"] = true
	}
	return o
}

// Env is everything a command works with: the configuration, the local
// backend and, when a username is known, a locked client.
type Env struct {
	Config  config.Config
	Log     logging.Logger
	Trail   *audit.Trail
	Store   *storage.Storage
	Backend *backend.Backend
	Bus     *session.Bus
	Client  *core.Client
}

// Setup loads the configuration and opens the backend. It exits on error.
func Setup(flags Flags) *Env {
	cfg, err := config.Load(flags.overrides())
	if err != nil {
		HandleError(err)
	}
	log := logging.Logger{Verbose: cfg.Verbose, Debug: cfg.Debug}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		HandleError(fmt.Errorf("failed to create data directory: %w", err))
	}
	store, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		HandleError(err)
	}

	trail := &audit.Trail{Path: cfg.AuditPath()}
	opts := backend.DefaultOptions()
	opts.DefaultParams = cfg.KDF.Params()
	opts.Retention = cfg.Retention()
	opts.Log = log
	opts.Trail = trail
	b, err := backend.New(store, opts)
	if err != nil {
		store.Close()
		HandleError(err)
	}

	e := &Env{Config: cfg, Log: log, Trail: trail, Store: store, Backend: b, Bus: session.NewBus()}
	if cfg.Username != "" {
		e.Client, err = core.NewClient(core.Options{
			API:          b,
			Username:     cfg.Username,
			Params:       cfg.KDF.Params(),
			IdleTimeout:  cfg.IdleTimeout,
			PollInterval: cfg.PollInterval,
			Retention:    cfg.Retention(),
			ShareTTL:     cfg.ShareTTL,
			Bus:          e.Bus,
			Alerter:      &alert.Notifier{Contact: cfg.EmergencyContact, Trail: trail, Log: log},
			Tokens:       keyring.Tokens{},
			Log:          log,
			Trail:        trail,
		})
		if err != nil {
			e.Close()
			HandleError(err)
		}
	}
	return e
}

// Close locks the client and closes the database.
func (e *Env) Close() {
	if e.Client != nil {
		e.Client.Close()
	}
	if err := e.Store.Close(); err != nil {
		e.Log.Warnf("failed to close database: %v", err)
	}
}

// RequireClient exits unless a username was given.
func (e *Env) RequireClient() *core.Client {
	if e.Client == nil {
		e.Close()
		HandleError(core.ErrUsernameRequired)
	}
	return e.Client
}

// Fail closes the environment and reports err.
func (e *Env) Fail(err error) {
	e.Close()
	HandleError(err)
}

// PasswordSource tells where a password came from.
type PasswordSource int

const (
	SourceEnv PasswordSource = iota
	SourceKeyring
	SourcePrompt
)

// GetPassword retrieves the password from the environment, the keyring or
// a prompt, in that order.
// The caller is responsible for calling crypto.ClearBytes on the returned password
func GetPassword(prompt, username string) ([]byte, PasswordSource, error) {
	if password := core.GetPasswordFromEnv(); password != nil {
		return password, SourceEnv, nil
	}
	if username != "" {
		if stored, err := keyring.GetPassword(username); err == nil && stored != "" {
			return []byte(stored), SourceKeyring, nil
		}
	}
	password, err := core.ReadPassword(prompt)
	if err != nil {
		return nil, SourcePrompt, err
	}
	return password, SourcePrompt, nil
}

// GetPasswordForInit checks the environment first, then prompts with
// confirmation.
func GetPasswordForInit(prompt string) ([]byte, error) {
	if password := core.GetPasswordFromEnv(); password != nil {
		return password, nil
	}
	return core.ReadPasswordConfirm(prompt)
}

// UnlockOrExit unlocks the client. A stale keyring password is dropped and
// the user is prompted instead.
func UnlockOrExit(ctx context.Context, e *Env) *core.Client {
	c := e.RequireClient()
	password, source, err := GetPassword("Enter password: ", c.Username())
	if err != nil {
		e.Fail(err)
	}
	defer crypto.ClearBytes(password)

	err = c.Unlock(ctx, password)
	if errors.Is(err, lockstate.ErrInvalidCredentials) && source == SourceKeyring {
		e.Log.Warnf("password in keyring is out of date, removing it")
		_ = keyring.DeletePassword(c.Username())

		retry, rerr := core.ReadPassword("Enter password: ")
		if rerr != nil {
			e.Fail(rerr)
		}
		defer crypto.ClearBytes(retry)
		err = c.Unlock(ctx, retry)
	}
	if err != nil {
		e.Fail(err)
	}
	return c
}

// ResolveProfile finds a profile by id, by title, or by organization/title.
func ResolveProfile(v *vault.VaultData, ref string) (string, error) {
	if p := v.FindProfile(ref); p != nil {
		return p.ID, nil
	}
	org, title, scoped := strings.Cut(ref, "/")
	var matches []string
	for _, r := range v.Profiles() {
		if scoped && r.Organization == org && r.Profile.Title == title {
			matches = append(matches, r.Profile.ID)
		}
		if !scoped && r.Profile.Title == ref {
			matches = append(matches, r.Profile.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%s: %w", ref, vault.ErrProfileNotFound)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("%w: %q matches %d profiles, use the id or organization/title", vault.ErrInvalidInput, ref, len(matches))
}

// Exit wipes guarded memory and exits.
func Exit(code int) {
	memguard.SafeExit(code)
}

// HandleError prints err the way users should see it and exits.
func HandleError(err error) {
	printError(os.Stderr, err)
	Exit(1)
}

func printError(w io.Writer, err error) {
	switch {
	case errors.Is(err, lockstate.ErrInvalidCredentials),
		errors.Is(err, crypto.ErrAuthFailed),
		errors.Is(err, core.ErrWrongPassword):
		fmt.Fprintf(w, "Error: invalid username or password\n")
	case errors.Is(err, backend.ErrRateLimited):
		fmt.Fprintf(w, "Error: too many attempts, try again later\n")
	case errors.Is(err, backend.ErrExists):
		fmt.Fprintf(w, "Error: account already exists\n")
		fmt.Fprintf(w, "Use 'lockvault ls' to open it\n")
	case errors.Is(err, core.ErrUsernameRequired):
		fmt.Fprintf(w, "Error: no username\n")
		fmt.Fprintf(w, "Pass -u <name> or set LOCKVAULT_USERNAME\n")
	case errors.Is(err, core.ErrPasswordRequired):
		fmt.Fprintf(w, "Error: password required\n")
	case errors.Is(err, core.ErrDuressSession):
		fmt.Fprintf(w, "Error: not available\n")
	case errors.Is(err, share.ErrExpired),
		errors.Is(err, share.ErrAlreadyConsumed),
		errors.Is(err, share.ErrNotFound):
		fmt.Fprintf(w, "Error: %s\n", err)
		fmt.Fprintf(w, "Share links work once and expire; ask the sender for a new one\n")
	case errors.Is(err, trash.ErrConfirmationRequired):
		fmt.Fprintf(w, "Error: confirmation did not match, nothing was shredded\n")
	case errors.Is(err, trash.ErrNotInTrash):
		fmt.Fprintf(w, "Error: profile is not in trash\n")
		fmt.Fprintf(w, "Use 'lockvault rm' first\n")
	case errors.Is(err, bolt.ErrTimeout):
		fmt.Fprintf(w, "Error: vault database is in use by another lockvault process\n")
	case errors.Is(err, lockstate.ErrTransport):
		fmt.Fprintf(w, "Error: could not reach the vault server, try again\n")
	case errors.Is(err, lockstate.ErrAborted):
		fmt.Fprintf(w, "Error: interrupted, try again\n")
	case errors.Is(err, config.ErrInvalidConfig):
		fmt.Fprintf(w, "Error: %s\n", err)
		fmt.Fprintf(w, "Check lockvault.yaml and LOCKVAULT_* variables\n")
	default:
		fmt.Fprintf(w, "Error: %s\n", err)
	}
}

// formatSize formats a file size in human-readable form
func formatSize(size int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case size >= GB:
		return fmt.Sprintf("%.1f GB", float64(size)/GB)
	case size >= MB:
		return fmt.Sprintf("%.1f MB", float64(size)/MB)
	case size >= KB:
		return fmt.Sprintf("%.1f KB", float64(size)/KB)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}
