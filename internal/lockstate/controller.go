package lockstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illarion/lockvault/internal/audit"
	"github.com/illarion/lockvault/internal/crypto"
	"github.com/illarion/lockvault/internal/logging"
	"github.com/illarion/lockvault/internal/session"
	"github.com/illarion/lockvault/internal/vault"
	"golang.org/x/sync/errgroup"
)

// Backend is the server as seen by one session. duress selects the decoy
// credential, salt and vault.
type Backend interface {
	// Salt returns the public salt and KDF cost for the mode.
	Salt(ctx context.Context, duress bool) ([]byte, crypto.KDFParams, error)
	// Authenticate presents the derived credential. A refusal wraps
	// ErrRejected; anything else is a transport failure.
	Authenticate(ctx context.Context, auth crypto.AuthCredential, duress bool) error
	// FetchVault returns the blob of the authenticated scope, or nil if none
	// has been stored yet.
	FetchVault(ctx context.Context) (vault.Blob, error)
	// StoreVault atomically replaces the blob of the authenticated scope.
	StoreVault(ctx context.Context, blob vault.Blob) error
	// EmergencyContact is the contact registered with the duress
	// credential, known only after a duress authentication.
	EmergencyContact() string
}

// Alerter notifies the emergency contact after a duress unlock. contact is
// empty when none was registered.
type Alerter interface {
	Alert(ctx context.Context, username, contact, reason string) error
}

const alertTimeout = 30 * time.Second

type Options struct {
	Backend   Backend
	Deriver   *crypto.Deriver
	Alerter   Alerter
	Username  string
	SessionID string
	// IdleTimeout locks an open vault after this long without activity.
	// Zero disables the idle lock.
	IdleTimeout time.Duration
	Log         logging.Logger
	Trail       *audit.Trail
}

// Controller owns the master key and the decrypted vault of one session.
// Every transition happens under mu; gen increments on each unlock attempt
// and each lock so that work started under an older generation cannot
// commit.
type Controller struct {
	backend  Backend
	deriver  *crypto.Deriver
	alerter  Alerter
	username string
	id       string
	log      logging.Logger
	trail    *audit.Trail
	idle     *IdleTimer

	mu            sync.Mutex
	state         State
	key           *crypto.SecretKey
	data          *vault.VaultData
	gen           uint64
	cancelAttempt context.CancelFunc
	sessionCtx    context.Context
	cancelSession context.CancelFunc
	bus           *session.Bus

	// writeMu serialises Update and Rekey so two mutations never race to
	// replace the blob.
	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[chan Event]struct{}
}

func New(opts Options) *Controller {
	c := &Controller{
		backend:  opts.Backend,
		deriver:  opts.Deriver,
		alerter:  opts.Alerter,
		username: opts.Username,
		id:       opts.SessionID,
		log:      opts.Log,
		trail:    opts.Trail,
		state:    Locked,
		subs:     make(map[chan Event]struct{}),
	}
	if c.deriver == nil {
		c.deriver = &crypto.Deriver{}
	}
	c.idle = NewIdleTimer(opts.IdleTimeout, c.lockIdle)
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID identifies this session on the bus.
func (c *Controller) SessionID() string {
	return c.id
}

// Unlock opens the primary vault.
func (c *Controller) Unlock(ctx context.Context, password []byte) error {
	return c.unlock(ctx, password, modePrimary)
}

// UnlockWithDuress opens the decoy vault with the duress password and
// raises an emergency alert. To the caller it looks like a normal unlock.
func (c *Controller) UnlockWithDuress(ctx context.Context, password []byte) error {
	return c.unlock(ctx, password, modeDuress)
}

// UnlockAny tries the password as the primary credential and as the duress
// credential, deriving both in parallel, and opens whichever the server
// accepts. Both derivations always run, so the time taken does not reveal
// which one matched or whether a duress credential exists.
func (c *Controller) UnlockAny(ctx context.Context, password []byte) error {
	return c.unlock(ctx, password, modeAuto)
}

type mode int

const (
	modePrimary mode = iota
	modeDuress
	modeAuto
)

func (c *Controller) unlock(ctx context.Context, password []byte, m mode) error {
	c.mu.Lock()
	if c.state != Locked && c.state != PanicLocked {
		c.mu.Unlock()
		return ErrNotLocked
	}
	c.gen++
	gen := c.gen
	attemptCtx, cancel := context.WithCancel(ctx)
	c.cancelAttempt = cancel
	c.setState(Unlocking, "unlock requested")
	c.mu.Unlock()
	defer cancel()

	res, err := c.attempt(attemptCtx, password, m)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		// A lock or panic won the race. Whatever the attempt produced is
		// discarded and the state it set stays.
		res.key.Destroy()
		return ErrAborted
	}
	c.cancelAttempt = nil

	if err != nil {
		c.setState(Locked, "unlock failed")
		return err
	}

	c.key = res.key
	c.data = res.data
	c.sessionCtx, c.cancelSession = context.WithCancel(context.Background())
	to := Unlocked
	if res.duress {
		to = DuressUnlocked
	}
	c.setState(to, "unlocked")
	c.idle.Touch()

	// Same audit line for both modes.
	c.trail.Log(audit.Entry{User: c.username, Operation: audit.OpUnlock})
	if res.duress {
		c.raiseAlert(c.backend.EmergencyContact())
	}
	return nil
}

type unlocked struct {
	key    *crypto.SecretKey
	data   *vault.VaultData
	duress bool
}

// attempt runs one unlock without holding mu. On success the caller owns
// the returned key.
func (c *Controller) attempt(ctx context.Context, password []byte, m mode) (unlocked, error) {
	var modes []bool
	switch m {
	case modePrimary:
		modes = []bool{false}
	case modeDuress:
		modes = []bool{true}
	default:
		modes = []bool{false, true}
	}

	candidates, err := c.deriveAll(ctx, password, modes)
	if err != nil {
		return unlocked{}, err
	}
	defer func() {
		for _, k := range candidates {
			k.Auth.Wipe()
		}
	}()

	matched := -1
	for i, duress := range modes {
		err := c.backend.Authenticate(ctx, candidates[i].Auth, duress)
		if err == nil {
			matched = i
			break
		}
		if !errors.Is(err, ErrRejected) {
			destroyAll(candidates)
			return unlocked{}, c.remoteError(ctx, "authenticate", err)
		}
	}
	for i, k := range candidates {
		if i != matched {
			k.Master.Destroy()
		}
	}
	if matched < 0 {
		c.log.Debugf("server rejected credential")
		return unlocked{}, ErrInvalidCredentials
	}
	master := candidates[matched].Master

	blob, err := c.backend.FetchVault(ctx)
	if err != nil {
		master.Destroy()
		return unlocked{}, c.remoteError(ctx, "fetch vault", err)
	}

	var data *vault.VaultData
	if len(blob) == 0 {
		data = vault.CreateEmptyVault()
	} else {
		data, err = vault.DecryptVaultBlob(blob, master)
		if err != nil {
			master.Destroy()
			c.log.Debugf("vault blob failed to open")
			return unlocked{}, ErrInvalidCredentials
		}
	}
	return unlocked{key: master, data: data, duress: modes[matched]}, nil
}

// deriveAll fetches the salt of each mode and derives its keys, all modes in
// parallel. On error nothing is returned and nothing is left resident.
func (c *Controller) deriveAll(ctx context.Context, password []byte, modes []bool) ([]*crypto.DerivedKeys, error) {
	keys := make([]*crypto.DerivedKeys, len(modes))
	g, gctx := errgroup.WithContext(ctx)
	for i, duress := range modes {
		g.Go(func() error {
			salt, params, err := c.backend.Salt(gctx, duress)
			if err != nil {
				return c.remoteError(ctx, "fetch salt", err)
			}
			k, err := c.deriver.Derive(gctx, password, salt, params)
			if err != nil {
				return err
			}
			keys[i] = k
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		destroyAll(keys)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
		}
		return nil, err
	}
	return keys, nil
}

func destroyAll(keys []*crypto.DerivedKeys) {
	for _, k := range keys {
		k.Destroy()
	}
}

func (c *Controller) remoteError(ctx context.Context, step string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, step, err)
}

func (c *Controller) raiseAlert(contact string) {
	if c.alerter == nil {
		return
	}
	username := c.username
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := c.alerter.Alert(ctx, username, contact, "duress unlock"); err != nil {
			c.log.Debugf("emergency alert failed: %v", err)
		}
	}()
}

// Lock wipes the key and drops the decrypted vault, then tells the other
// sessions.
func (c *Controller) Lock() {
	c.lock(Locked, "manual lock", session.KindLock)
}

// Panic locks from any state, aborting in-flight unlocks and mutations, and
// tells the other sessions to do the same.
func (c *Controller) Panic(trigger string) {
	c.lock(PanicLocked, trigger, session.KindPanic)
}

// Logout locks and tells the other sessions the user signed out.
func (c *Controller) Logout() {
	c.lock(Locked, "logout", session.KindLogout)
}

// ForceLock is the path for locks ordered from outside this session: a bus
// message, a revoked session or a logout. It does not republish.
func (c *Controller) ForceLock(reason string) {
	c.lock(Locked, reason, "")
}

func (c *Controller) lockIdle() {
	if !c.State().Open() {
		return
	}
	c.log.Infof("locking after inactivity")
	c.lock(Locked, "idle timeout", session.KindLock)
}

func (c *Controller) lock(to State, reason string, publish session.Kind) {
	c.mu.Lock()
	c.gen++
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}
	if c.cancelSession != nil {
		c.cancelSession()
		c.cancelSession = nil
		c.sessionCtx = nil
	}
	c.key.Destroy()
	c.key = nil
	c.data = nil
	c.idle.Stop()
	c.setState(to, reason)
	bus := c.bus
	c.mu.Unlock()

	op := audit.OpLock
	if to == PanicLocked {
		op = audit.OpPanic
	}
	c.trail.Log(audit.Entry{User: c.username, Operation: op, Reason: reason})
	if publish != "" && bus != nil {
		bus.Publish(session.Message{Kind: publish, Origin: c.id, Reason: reason})
	}
}

// Snapshot returns a deep copy of the decrypted vault.
func (c *Controller) Snapshot() (*vault.VaultData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Open() {
		return nil, ErrLocked
	}
	c.idle.Touch()
	return c.data.Clone(), nil
}

// Update applies fn to a copy of the vault, encrypts it and stores it. The
// live vault changes only after the store succeeds and only if no lock
// happened meanwhile. A lock cancels the store.
func (c *Controller) Update(ctx context.Context, fn func(v *vault.VaultData) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if !c.state.Open() {
		c.mu.Unlock()
		return ErrLocked
	}
	gen := c.gen
	draft := c.data.Clone()
	sessionCtx := c.sessionCtx
	c.idle.Touch()
	c.mu.Unlock()

	if err := fn(draft); err != nil {
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return ErrLocked
	}
	blob, err := vault.EncryptVaultData(draft, c.key)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	storeCtx, stop := withSession(ctx, sessionCtx)
	defer stop()
	if err := c.backend.StoreVault(storeCtx, blob); err != nil {
		if sessionCtx.Err() != nil {
			return ErrLocked
		}
		return fmt.Errorf("%w: store vault: %w", ErrTransport, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return ErrLocked
	}
	c.data = draft
	return nil
}

// WithKey runs fn with the resident key while holding the state lock, so no
// lock can destroy the key underneath it. fn must be short and must not
// call back into the controller.
func (c *Controller) WithKey(fn func(key *crypto.SecretKey) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Open() {
		return ErrLocked
	}
	c.idle.Touch()
	return fn(c.key)
}

// Rekey replaces the resident key after a password change. persist receives
// a copy of the vault and the old key and must store everything that is
// encrypted under it re-encrypted under newKey. On any failure newKey is
// destroyed and the old key stays.
func (c *Controller) Rekey(ctx context.Context, newKey *crypto.SecretKey, persist func(ctx context.Context, data *vault.VaultData, oldKey *crypto.SecretKey) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if !c.state.Open() {
		c.mu.Unlock()
		newKey.Destroy()
		return ErrLocked
	}
	gen := c.gen
	draft := c.data.Clone()
	oldKey := c.key
	sessionCtx := c.sessionCtx
	c.mu.Unlock()

	// oldKey may be destroyed by a concurrent lock; its Use then fails with
	// crypto.ErrKeyDestroyed and persist aborts.
	storeCtx, stop := withSession(ctx, sessionCtx)
	defer stop()
	if err := persist(storeCtx, draft, oldKey); err != nil {
		newKey.Destroy()
		if sessionCtx.Err() != nil {
			return ErrLocked
		}
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		newKey.Destroy()
		return ErrLocked
	}
	c.key.Destroy()
	c.key = newKey
	return nil
}

// withSession returns a context that ends when either ctx or the session
// context ends.
func withSession(ctx, sessionCtx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(sessionCtx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

// Subscribe returns a channel of state transitions. Events are dropped for
// a subscriber that does not keep up. The returned function unsubscribes.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	c.subsMu.Lock()
	c.subs[ch] = struct{}{}
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, ch)
			c.subsMu.Unlock()
			close(ch)
		})
	}
}

// setState must be called with mu held.
func (c *Controller) setState(to State, reason string) {
	from := c.state
	c.state = to
	if from == to {
		return
	}
	c.log.Debugf("state %s -> %s (%s)", from, to, reason)

	ev := Event{From: from, To: to, Reason: reason, At: time.Now()}
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Attach connects the controller to the session bus: its own lock and panic
// events are published there, and events from other sessions lock it. The
// returned function detaches.
func (c *Controller) Attach(bus *session.Bus) func() {
	c.mu.Lock()
	c.bus = bus
	c.mu.Unlock()

	msgs, unsubscribe := bus.Subscribe(c.id)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range msgs {
			c.applyRemote(msg)
		}
	}()

	return func() {
		c.mu.Lock()
		if c.bus == bus {
			c.bus = nil
		}
		c.mu.Unlock()
		unsubscribe()
		<-done
	}
}

func (c *Controller) applyRemote(msg session.Message) {
	reason := fmt.Sprintf("%s from session %s", msg.Kind, msg.Origin)
	c.log.Infof("%s", reason)
	if msg.Kind == session.KindPanic {
		c.lock(PanicLocked, reason, "")
		return
	}
	c.ForceLock(reason)
}
