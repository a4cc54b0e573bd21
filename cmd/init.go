package cmd

import (
	"context"
	"fmt"

	"github.com/illarion/lockvault/internal/config"
	"github.com/illarion/lockvault/internal/crypto"
	"github.com/illarion/lockvault/internal/git"
)

// Init registers a new account with an empty vault
func Init(ctx context.Context, flags Flags) {
	e := Setup(flags)
	defer e.Close()
	c := e.RequireClient()

	// Read password (env var or prompt with confirmation)
	password, err := GetPasswordForInit("Choose a password: ")
	if err != nil {
		e.Fail(err)
	}
	defer crypto.ClearBytes(password)

	fmt.Println("Deriving keys...")
	if err := c.Register(ctx, password); err != nil {
		e.Fail(err)
	}

	fmt.Printf("Initialized vault for %s in %s\n", c.Username(), e.Config.DataDir)
	warnGit(e)
}

// warnGit prints git hygiene warnings for the data directory.
func warnGit(e *Env) {
	status, err := git.Check(e.Config.DataDir, config.DatabaseFile, config.AuditFile)
	if err != nil {
		e.Log.Debugf("git check failed: %v", err)
		return
	}
	if out := git.Format(e.Config.DataDir, status); out != "" {
		fmt.Print(out)
	}
}
