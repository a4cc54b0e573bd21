package cmd

import (
	"context"
	"fmt"
	"os"
)

// Diff compares the vault with an exported backup
func Diff(ctx context.Context, flags Flags, backupPath string) {
	backup, err := os.ReadFile(backupPath)
	if err != nil {
		HandleError(fmt.Errorf("failed to read backup: %w", err))
	}

	e := Setup(flags)
	defer e.Close()
	c := UnlockOrExit(ctx, e)

	d, err := c.DiffBackup(backup)
	if err != nil {
		e.Fail(err)
	}
	if d == "" {
		fmt.Println("No differences")
		return
	}
	fmt.Print(d)
}
