package cmd

import (
	"context"
	"fmt"

	"github.com/illarion/lockvault/internal/core"
	"github.com/illarion/lockvault/internal/crypto"
	"github.com/illarion/lockvault/internal/keyring"
)

// Passwd changes the password of the vault
func Passwd(ctx context.Context, flags Flags) {
	e := Setup(flags)
	defer e.Close()
	c := e.RequireClient()

	current, _, err := GetPassword("Enter current password: ", c.Username())
	if err != nil {
		e.Fail(err)
	}
	defer crypto.ClearBytes(current)
	if err := c.Unlock(ctx, current); err != nil {
		e.Fail(err)
	}

	next, err := core.ReadPasswordConfirm("Enter new password: ")
	if err != nil {
		e.Fail(err)
	}
	defer crypto.ClearBytes(next)

	fmt.Println("Re-encrypting vault...")
	if err := c.ChangePassword(ctx, current, next); err != nil {
		e.Fail(err)
	}

	// Keep a stored password in step, never add one
	if keyring.HasPassword(c.Username()) {
		if err := keyring.SavePassword(c.Username(), string(next)); err == nil {
			fmt.Println("Keyring updated with new password")
		}
	}

	fmt.Println("password changed successfully")
}
