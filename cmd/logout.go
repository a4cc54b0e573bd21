package cmd

import (
	"context"
	"fmt"

	"github.com/illarion/lockvault/internal/keyring"
)

// Logout ends the cached server session, or every session of the user
// with everywhere set.
func Logout(ctx context.Context, flags Flags, everywhere bool) {
	e := Setup(flags)
	defer e.Close()
	c := e.RequireClient()

	tokens := keyring.Tokens{}
	token, err := tokens.Token(c.Username())
	if err != nil {
		e.Fail(fmt.Errorf("failed to read session from keyring: %w", err))
	}
	if token == "" {
		fmt.Println("Not logged in")
		return
	}

	if everywhere {
		n, err := e.Backend.RevokeSessions(ctx, token)
		if err != nil {
			e.Fail(err)
		}
		fmt.Printf("Logged out of %d session(s)\n", n)
	} else {
		if err := e.Backend.Logout(ctx, token); err != nil {
			e.Log.Debugf("session already closed: %v", err)
		}
		fmt.Println("Logged out")
	}
	if err := tokens.DeleteToken(c.Username()); err != nil {
		e.Log.Warnf("failed to remove cached session: %v", err)
	}
}
