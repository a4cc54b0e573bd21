package cmd

import (
	"context"
	"fmt"

	"github.com/illarion/lockvault/internal/vault"
)

// Ls unlocks the vault and prints its tree with profile ids
func Ls(ctx context.Context, flags Flags) {
	e := Setup(flags)
	defer e.Close()
	c := UnlockOrExit(ctx, e)

	v, err := c.Vault()
	if err != nil {
		e.Fail(err)
	}
	printTree(v)
	warnGit(e)
}

func printTree(v *vault.VaultData) {
	if len(v.Categories) == 0 {
		fmt.Println("Vault is empty")
		fmt.Println("Run 'lockvault add category <name>' to start")
		return
	}
	for _, cat := range v.Categories {
		fmt.Printf("%s/\n", cat.Name)
		for _, org := range cat.Organizations {
			if org.Website != "" {
				fmt.Printf("  %s/ (%s)\n", org.Name, org.Website)
			} else {
				fmt.Printf("  %s/\n", org.Name)
			}
			for _, p := range org.Profiles {
				if p.InTrash() {
					continue
				}
				fmt.Printf("    %s  %s\n", p.Title, p.ID)
			}
		}
	}
}
