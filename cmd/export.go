package cmd

import (
	"context"
	"fmt"
	"os"
)

// Export writes the encrypted vault blob to path. It opens only with the
// password that was current at export time.
func Export(ctx context.Context, flags Flags, path string) {
	e := Setup(flags)
	defer e.Close()
	c := UnlockOrExit(ctx, e)

	blob, err := c.ExportBlob(ctx)
	if err != nil {
		e.Fail(err)
	}
	if err := os.WriteFile(path, blob, 0600); err != nil {
		e.Fail(fmt.Errorf("failed to write backup: %w", err))
	}
	fmt.Printf("Exported %s to %s\n", formatSize(int64(len(blob))), path)
}
