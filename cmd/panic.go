package cmd

import (
	"context"
	"fmt"

	"github.com/illarion/lockvault/internal/keyring"
)

// Panic locks every session of the user. A cached session token is enough;
// without one the password is needed to reach the server.
func Panic(ctx context.Context, flags Flags) {
	e := Setup(flags)
	defer e.Close()
	c := e.RequireClient()

	token, err := keyring.Tokens{}.Token(c.Username())
	if err != nil {
		e.Log.Debugf("no cached session: %v", err)
	}
	if token != "" {
		n, err := e.Backend.RevokeSessions(ctx, token)
		if err == nil {
			_ = keyring.Tokens{}.DeleteToken(c.Username())
			fmt.Printf("Locked %d session(s)\n", n)
			return
		}
		e.Log.Debugf("cached session rejected: %v", err)
	}

	UnlockOrExit(ctx, e)
	if err := c.Panic(ctx, "cli"); err != nil {
		e.Fail(err)
	}
	fmt.Println("All sessions locked")
}
