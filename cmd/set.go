package cmd

import (
	"context"
	"fmt"

	"github.com/illarion/lockvault/internal/core"
	"github.com/illarion/lockvault/internal/crypto"
	"github.com/illarion/lockvault/internal/vault"
)

// Set changes one field of a profile. Without a value a secure field is
// read without echo; an empty value clears the field.
func Set(ctx context.Context, flags Flags, ref, name string, value *string) {
	e := Setup(flags)
	defer e.Close()
	c := UnlockOrExit(ctx, e)

	v, err := c.Vault()
	if err != nil {
		e.Fail(err)
	}
	id, err := ResolveProfile(v, ref)
	if err != nil {
		e.Fail(err)
	}

	var val string
	if value != nil {
		val = *value
	} else {
		if !vault.IsSecureField(name) {
			e.Fail(fmt.Errorf("%w: value required for %s", vault.ErrInvalidInput, name))
		}
		secret, err := core.ReadPassword(fmt.Sprintf("New %s: ", name))
		if err != nil {
			e.Fail(err)
		}
		val = string(secret)
		crypto.ClearBytes(secret)
	}

	if err := c.SetField(ctx, id, name, val); err != nil {
		e.Fail(err)
	}
	if val == "" {
		fmt.Printf("Cleared %s\n", name)
		return
	}
	fmt.Printf("Updated %s\n", name)
}
