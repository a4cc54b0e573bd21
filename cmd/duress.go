package cmd

import (
	"context"
	"fmt"

	"github.com/illarion/lockvault/internal/core"
	"github.com/illarion/lockvault/internal/crypto"
	"github.com/illarion/lockvault/internal/vault"
)

// Duress sets the duress password. Unlocking with it opens a decoy vault
// seeded with the real vault's categories and organizations, without any
// profiles, and raises an emergency alert.
func Duress(ctx context.Context, flags Flags, contact string) {
	e := Setup(flags)
	defer e.Close()
	c := UnlockOrExit(ctx, e)

	if contact == "" {
		contact = e.Config.EmergencyContact
	}

	v, err := c.Vault()
	if err != nil {
		e.Fail(err)
	}

	password, err := core.ReadPasswordConfirm("Enter duress password: ")
	if err != nil {
		e.Fail(err)
	}
	defer crypto.ClearBytes(password)

	if err := c.ConfigureDuress(ctx, password, contact, decoySeed(v)); err != nil {
		e.Fail(err)
	}
	fmt.Println("Duress password set")
	if contact == "" {
		fmt.Println("No emergency contact configured; set emergency_contact to be alerted")
	}
}

// decoySeed copies the structure of v without profiles.
func decoySeed(v *vault.VaultData) *vault.VaultData {
	seed := vault.CreateEmptyVault()
	for _, cat := range v.Categories {
		catID, err := seed.AddCategory(cat.Name)
		if err != nil {
			continue
		}
		for _, org := range cat.Organizations {
			_, _ = seed.AddOrganization(catID, org.Name, org.Website)
		}
	}
	return seed
}
