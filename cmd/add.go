package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/illarion/lockvault/internal/core"
	"github.com/illarion/lockvault/internal/crypto"
	"github.com/illarion/lockvault/internal/vault"
)

// FieldFlags collects repeated -f name=value flags.
type FieldFlags map[string]string

func (f FieldFlags) String() string {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	return strings.Join(names, ",")
}

func (f FieldFlags) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	f[name] = value
	return nil
}

// AddCategory adds a top-level category
func AddCategory(ctx context.Context, flags Flags, name string) {
	e := Setup(flags)
	defer e.Close()
	c := UnlockOrExit(ctx, e)

	if _, err := c.AddCategory(ctx, name); err != nil {
		e.Fail(err)
	}
	fmt.Printf("Added category %s\n", name)
}

// AddOrganization adds an organization under a category
func AddOrganization(ctx context.Context, flags Flags, category, name, website string) {
	e := Setup(flags)
	defer e.Close()
	c := UnlockOrExit(ctx, e)

	if _, err := c.AddOrganization(ctx, category, name, website); err != nil {
		e.Fail(err)
	}
	fmt.Printf("Added organization %s/%s\n", category, name)
}

// AddProfile adds a profile. With promptPassword the password field is
// read without echo instead of from the command line.
func AddProfile(ctx context.Context, flags Flags, organization, title string, fields FieldFlags, promptPassword bool) {
	e := Setup(flags)
	defer e.Close()
	c := UnlockOrExit(ctx, e)

	attrs := map[string]string(fields)
	if attrs == nil {
		attrs = make(map[string]string)
	}
	for name, value := range attrs {
		if vault.IsSecureField(name) && value != "" {
			fmt.Fprintf(os.Stderr, "warning: %s given on the command line may end up in shell history\n", name)
		}
	}
	if promptPassword {
		secret, err := core.ReadPassword("Profile password: ")
		if err != nil {
			e.Fail(err)
		}
		attrs[vault.FieldPassword] = string(secret)
		crypto.ClearBytes(secret)
	}

	id, err := c.AddProfile(ctx, organization, title, attrs)
	if err != nil {
		e.Fail(err)
	}
	fmt.Printf("Added profile %s (%s)\n", title, id)
}
