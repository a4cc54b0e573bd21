package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/illarion/lockvault/internal/core"
	"github.com/illarion/lockvault/internal/crypto"
	"github.com/illarion/lockvault/internal/share"
	"github.com/illarion/lockvault/internal/vault"
)

// Share prints a one-time link to one field of a profile
func Share(ctx context.Context, flags Flags, ref, field string, ttl time.Duration) {
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
	if field == "" {
		field = vault.FieldPassword
	}

	link, err := c.CreateShare(ctx, id, field, ttl)
	if err != nil {
		e.Fail(err)
	}
	if ttl <= 0 {
		ttl = e.Config.ShareTTL
	}
	fmt.Println(link.String())
	fmt.Fprintf(os.Stderr, "The link works once and expires in %s\n", ttl)
}

// Receive redeems a share link. No account is needed.
func Receive(ctx context.Context, flags Flags, raw string) {
	link, err := share.ParseLink(raw)
	if err != nil {
		HandleError(err)
	}

	e := Setup(flags)
	defer e.Close()

	payload, err := core.ReceiveShare(ctx, e.Backend, link)
	if err != nil {
		e.Fail(err)
	}
	defer crypto.ClearBytes(payload)
	fmt.Println(string(payload))
}
