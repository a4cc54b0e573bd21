package alert

import (
	"context"
	"errors"
	"fmt"

	"github.com/illarion/lockvault/internal/audit"
	"github.com/illarion/lockvault/internal/logging"
)

var ErrNoContact = errors.New("no emergency contact configured")

// Notifier records emergency alerts. It writes nothing to the terminal
// above debug level so that a duress unlock looks like any other unlock to
// whoever is watching the screen.
type Notifier struct {
	// Contact is used when the account has none registered.
	Contact string
	Trail   *audit.Trail
	Log     logging.Logger
}

// Alert records that username triggered an emergency event for contact.
func (n *Notifier) Alert(ctx context.Context, username, contact, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if contact == "" {
		contact = n.Contact
	}
	if contact == "" {
		return ErrNoContact
	}

	n.Trail.Log(audit.Entry{
		User:      username,
		Operation: audit.OpAlert,
		Target:    contact,
		Reason:    reason,
	})
	n.Log.Debugf("emergency alert queued for %s", contact)
	return nil
}

// Func adapts a function to the alerter interface used by lockstate.
type Func func(ctx context.Context, username, contact, reason string) error

func (f Func) Alert(ctx context.Context, username, contact, reason string) error {
	if f == nil {
		return fmt.Errorf("nil alert func")
	}
	return f(ctx, username, contact, reason)
}
