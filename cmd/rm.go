package cmd

import (
	"context"
	"fmt"
	"os"
)

// Remove moves profiles to trash
func Remove(ctx context.Context, flags Flags, refs []string) {
	if len(refs) == 0 {
		fmt.Fprintf(os.Stderr, "Error: rm requires at least one profile argument\n")
		fmt.Fprintf(os.Stderr, "Usage: lockvault rm <profile> [profile...]\n")
		Exit(1)
	}

	e := Setup(flags)
	defer e.Close()
	c := UnlockOrExit(ctx, e)

	v, err := c.Vault()
	if err != nil {
		e.Fail(err)
	}
	for _, ref := range refs {
		id, err := ResolveProfile(v, ref)
		if err != nil {
			e.Fail(err)
		}
		if err := c.SoftDelete(ctx, id); err != nil {
			e.Fail(err)
		}
		fmt.Printf("moved to trash: %s\n", ref)
	}
	fmt.Printf("Profiles are shredded after %d days; use 'lockvault restore' to undo\n", e.Config.RetentionDays)
}
