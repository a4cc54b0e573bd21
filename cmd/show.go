package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Show prints a profile. With field set, only that value is printed, raw,
// for use in scripts. Secure fields are masked unless reveal is set.
func Show(ctx context.Context, flags Flags, ref, field string, reveal bool) {
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

	if field != "" {
		value, err := c.Field(ctx, id, field)
		if err != nil {
			e.Fail(err)
		}
		fmt.Println(value)
		return
	}

	p := v.FindProfile(id)
	fmt.Printf("%s (%s)\n", p.Title, p.ID)
	if p.InTrash() {
		fmt.Printf("  in trash since %s\n", p.DeletedAt.Local().Format("2006-01-02 15:04"))
	}

	keys := make([]string, 0, len(p.Attributes))
	for k := range p.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s: %s\n", k, p.Attributes[k])
	}

	fields, err := c.Fields(ctx, id)
	if err != nil {
		e.Fail(err)
	}
	for _, f := range fields {
		value := f[1]
		if !reveal {
			value = strings.Repeat("*", 8)
		}
		fmt.Printf("  %s: %s\n", f[0], value)
	}
}
