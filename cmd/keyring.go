package cmd

import (
	"context"
	"fmt"

	"github.com/illarion/lockvault/internal/core"
	"github.com/illarion/lockvault/internal/crypto"
	"github.com/illarion/lockvault/internal/keyring"
)

// KeyringSave saves the password to the OS keyring after checking it
func KeyringSave(ctx context.Context, flags Flags) {
	e := Setup(flags)
	defer e.Close()
	c := e.RequireClient()

	password, err := core.ReadPassword("Enter password: ")
	if err != nil {
		e.Fail(err)
	}
	defer crypto.ClearBytes(password)

	if err := c.Unlock(ctx, password); err != nil {
		e.Fail(err)
	}

	if err := keyring.SavePassword(c.Username(), string(password)); err != nil {
		e.Fail(fmt.Errorf("failed to save to keyring: %w", err))
	}
	fmt.Println("Password saved to keyring")
}

// KeyringDelete removes the password and cached session from the OS keyring
func KeyringDelete(flags Flags) {
	e := Setup(flags)
	defer e.Close()
	c := e.RequireClient()

	_ = keyring.Tokens{}.DeleteToken(c.Username())
	if err := keyring.DeletePassword(c.Username()); err != nil {
		fmt.Println("No password stored in keyring")
		return
	}
	fmt.Println("Password removed from keyring")
}

// KeyringStatus checks if a password is stored in the keyring
func KeyringStatus(flags Flags) {
	e := Setup(flags)
	defer e.Close()
	c := e.RequireClient()

	if keyring.HasPassword(c.Username()) {
		fmt.Println("Password: stored in keyring")
	} else {
		fmt.Println("Password: not stored")
	}
	if token, _ := (keyring.Tokens{}).Token(c.Username()); token != "" {
		fmt.Println("Session: cached")
	} else {
		fmt.Println("Session: none")
	}
}
