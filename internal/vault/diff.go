package vault

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Outline renders the vault structure one entry per line. Only names,
// titles and blob attributes appear; secure fields are never part of it.
func Outline(v *VaultData) string {
	var b strings.Builder
	for _, c := range v.Categories {
		fmt.Fprintf(&b, "%s/\n", c.Name)
		for _, o := range c.Organizations {
			fmt.Fprintf(&b, "  %s/\n", o.Name)
			for _, p := range o.Profiles {
				marker := ""
				if p.InTrash() {
					marker = " (trash)"
				}
				fmt.Fprintf(&b, "    %s%s\n", p.Title, marker)

				keys := make([]string, 0, len(p.Attributes))
				for k := range p.Attributes {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(&b, "      %s: %s\n", k, p.Attributes[k])
				}
			}
		}
	}
	return b.String()
}

// Diff returns a unified diff of the outlines of two vaults, or an empty
// string if they are identical.
func Diff(label string, before, after *VaultData) string {
	a, b := Outline(before), Outline(after)
	if a == b {
		return ""
	}

	dmp := diffmatchpatch.New()

	// Line-mode diff for readable output
	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffMain(ca, cb, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	patches := dmp.PatchMake(a, diffs)
	if len(patches) == 0 {
		return ""
	}

	var result strings.Builder
	fmt.Fprintf(&result, "--- a/%s\n", label)
	fmt.Fprintf(&result, "+++ b/%s\n", label)
	result.WriteString(dmp.PatchToText(patches))
	return result.String()
}
