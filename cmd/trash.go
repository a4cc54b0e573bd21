package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/illarion/lockvault/internal/trash"
)

// Trash lists trashed profiles with their remaining days
func Trash(ctx context.Context, flags Flags) {
	e := Setup(flags)
	defer e.Close()
	c := UnlockOrExit(ctx, e)

	entries, err := c.Trash(ctx)
	if err != nil {
		e.Fail(err)
	}
	if len(entries) == 0 {
		fmt.Println("Trash is empty")
		return
	}
	for _, t := range entries {
		fmt.Printf("  %s/%s  %s  (%d days left)\n", t.Organization, t.Title, t.ProfileID, t.DaysRemaining)
	}
}

// Restore brings profiles back from trash
func Restore(ctx context.Context, flags Flags, refs []string) {
	if len(refs) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: lockvault restore <profile> [profile...]\n")
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
		if err := c.Restore(ctx, id); err != nil {
			e.Fail(err)
		}
		fmt.Printf("restored: %s\n", ref)
	}
}

// Shred destroys a trashed profile for good. Unless force is set the user
// has to type the profile title.
func Shred(ctx context.Context, flags Flags, ref string, force bool) {
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
	p := v.FindProfile(id)

	confirmation := trash.Confirmation(id)
	if !force {
		fmt.Printf("This destroys %q and cannot be undone.\n", p.Title)
		fmt.Print("Type the profile title to confirm: ")
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if strings.TrimSpace(answer) != p.Title {
			confirmation = ""
		}
	}

	if err := c.Shred(ctx, id, confirmation); err != nil {
		e.Fail(err)
	}
	fmt.Printf("shredded: %s\n", p.Title)
}
