package cmd

import (
	"context"
	"fmt"
)

// Sweep shreds every trashed profile past retention, for all accounts.
// No password is needed: the server drops key records without reading
// them. Suitable for cron.
func Sweep(ctx context.Context, flags Flags) {
	e := Setup(flags)
	defer e.Close()

	n, err := e.Backend.SweepTrash(ctx)
	if err != nil {
		e.Fail(err)
	}
	fmt.Printf("Shredded %d expired profile(s)\n", n)
}
