package cmd

import (
	"fmt"
	"os"
)

// Compact compacts the vault database to reclaim unused space
func Compact(flags Flags) {
	e := Setup(flags)
	defer e.Close()

	path := e.Config.DatabasePath()
	info, err := os.Stat(path)
	if err != nil {
		e.Fail(err)
	}
	sizeBefore := info.Size()

	if err := e.Backend.Compact(); err != nil {
		e.Fail(err)
	}

	info, err = os.Stat(path)
	if err != nil {
		e.Fail(err)
	}
	fmt.Printf("Compacted: %s -> %s\n", formatSize(sizeBefore), formatSize(info.Size()))
}
