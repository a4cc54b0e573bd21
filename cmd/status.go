package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/illarion/lockvault/internal/keyring"
)

// Status shows where the vault lives and what is cached locally.
// Does not require a password.
func Status(ctx context.Context, flags Flags) {
	e := Setup(flags)
	defer e.Close()

	fmt.Printf("Data dir: %s\n", e.Config.DataDir)
	if info, err := os.Stat(e.Config.DatabasePath()); err == nil {
		fmt.Printf("Database: %s\n", formatSize(info.Size()))
	}
	if ok, err := e.Store.IsInitialized(); err != nil || !ok {
		fmt.Println("Database: not initialized")
	} else if modified, err := e.Store.GetModified(); err == nil {
		fmt.Printf("Last write: %s\n", modified.Format(time.RFC3339))
	}

	if e.Client == nil {
		fmt.Println("User: (none, pass -u)")
		return
	}
	user := e.Client.Username()
	fmt.Printf("User: %s\n", user)
	if keyring.HasPassword(user) {
		fmt.Println("Password: stored in keyring")
	} else {
		fmt.Println("Password: not stored")
	}
	token, _ := keyring.Tokens{}.Token(user)
	switch {
	case token == "":
		fmt.Println("Session: none")
	case e.Backend.CheckSession(ctx, token) == nil:
		fmt.Println("Session: active")
	default:
		fmt.Println("Session: ended")
	}
	warnGit(e)
}
