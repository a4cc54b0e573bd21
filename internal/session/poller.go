package session

import (
	"context"
	"errors"
	"time"

	"github.com/illarion/lockvault/internal/logging"
)

// ErrSessionRevoked is returned by a Checker when the server no longer
// accepts the session token.
var ErrSessionRevoked = errors.New("session revoked")

// Checker asks the server whether the current session is still valid.
type Checker interface {
	CheckSession(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) CheckSession(ctx context.Context) error { return f(ctx) }

// Poller detects server-side revocation, the fallback for sessions that
// cannot receive bus messages.
type Poller struct {
	Checker  Checker
	Interval time.Duration
	// OnRevoked is called once, from the polling goroutine.
	OnRevoked func(err error)
	Log       logging.Logger
}

// Run polls until ctx is done or the session is revoked. Errors other than
// revocation are logged and polling continues.
func (p *Poller) Run(ctx context.Context) error {
	if p.Interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		err := p.Checker.CheckSession(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrSessionRevoked):
			p.Log.Infof("session revoked by server")
			if p.OnRevoked != nil {
				p.OnRevoked(err)
			}
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			p.Log.Debugf("session check failed: %v", err)
		}
	}
}
