package lockstate

import (
	"errors"
	"time"
)

// State of a vault session.
type State int

const (
	Locked State = iota
	Unlocking
	Unlocked
	PanicLocked
	DuressUnlocked
)

func (s State) String() string {
	switch s {
	case Locked:
		return "locked"
	case Unlocking:
		return "unlocking"
	case Unlocked:
		return "unlocked"
	case PanicLocked:
		return "panic-locked"
	case DuressUnlocked:
		return "duress-unlocked"
	}
	return "unknown"
}

// Open reports whether a key is resident. A duress session is open too; it
// just holds the decoy vault.
func (s State) Open() bool {
	return s == Unlocked || s == DuressUnlocked
}

// Event is published on every state transition.
type Event struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

var (
	// ErrInvalidCredentials covers both a rejected auth credential and a
	// blob that fails to decrypt. Callers cannot tell the two apart.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrTransport wraps failures talking to the server.
	ErrTransport = errors.New("server unavailable")

	// ErrLocked is returned by operations that need a resident key, and by
	// mutations discarded because the session locked while they ran.
	ErrLocked = errors.New("vault is locked")

	// ErrAborted is returned by an unlock that was cancelled or pre-empted
	// by a lock or panic.
	ErrAborted = errors.New("unlock aborted")

	// ErrNotLocked is returned by an unlock attempt while another is in
	// flight or the vault is already open.
	ErrNotLocked = errors.New("vault is not locked")

	// ErrRejected is returned by a Backend whose server refused the auth
	// credential.
	ErrRejected = errors.New("credential rejected")
)
