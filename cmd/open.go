package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/illarion/lockvault/internal/core"
	"github.com/illarion/lockvault/internal/crypto"
	"github.com/illarion/lockvault/internal/lockstate"
	"github.com/illarion/lockvault/internal/trash"
	"golang.org/x/term"
)

// displayState never tells a duress session apart from a normal one.
func displayState(s lockstate.State) string {
	if s == lockstate.DuressUnlocked {
		return lockstate.Unlocked.String()
	}
	return s.String()
}

// shell is an interactive session: the vault stays unlocked between
// commands until it is locked by hand, by inactivity, by a panic or by a
// revoked server session.
type shell struct {
	e       *Env
	c       *core.Client
	in      *bufio.Scanner
	stopped func()
}

// Open starts an interactive session
func Open(ctx context.Context, flags Flags) {
	e := Setup(flags)
	defer e.Close()
	c := UnlockOrExit(ctx, e)

	sh := &shell{e: e, c: c, in: bufio.NewScanner(os.Stdin)}
	sh.startPoller(ctx)
	defer sh.stopPoller()

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()
	go func() {
		for ev := range events {
			if ev.To == lockstate.Unlocking || displayState(ev.From) == displayState(ev.To) {
				continue
			}
			fmt.Fprintf(os.Stderr, "\n[%s] %s\n", displayState(ev.To), ev.Reason)
		}
	}()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	sweeper := &trash.Sweeper{
		Interval: e.Config.SweepInterval,
		Log:      e.Log,
		Sweep: func(ctx context.Context) (int, error) {
			if !c.State().Open() {
				return 0, nil
			}
			return c.SweepTrash(ctx)
		},
	}
	go func() { _ = sweeper.Run(sweepCtx) }()

	fmt.Println("Type 'help' for commands, 'quit' to leave.")
	for {
		fmt.Printf("lockvault (%s)> ", displayState(c.State()))
		if !sh.in.Scan() {
			fmt.Println()
			return
		}
		fields := strings.Fields(sh.in.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return
		}
		if err := sh.run(ctx, fields[0], fields[1:]); err != nil {
			printError(os.Stderr, err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (sh *shell) startPoller(ctx context.Context) {
	sh.stopPoller()
	sh.stopped = sh.c.StartSessionPoller(ctx)
}

func (sh *shell) stopPoller() {
	if sh.stopped != nil {
		sh.stopped()
		sh.stopped = nil
	}
}

// readPassword reads from the terminal without echo, or the next input
// line when stdin is piped.
func (sh *shell) readPassword(prompt string) ([]byte, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return core.ReadPassword(prompt)
	}
	if !sh.in.Scan() {
		return nil, core.ErrPasswordRequired
	}
	return []byte(sh.in.Text()), nil
}

func (sh *shell) run(ctx context.Context, name string, args []string) error {
	c := sh.c
	switch name {
	case "help":
		fmt.Println("  ls                   list profiles")
		fmt.Println("  show <profile> [f]   show a profile or one field")
		fmt.Println("  trash                list trashed profiles")
		fmt.Println("  lock                 lock the vault")
		fmt.Println("  unlock               unlock again")
		fmt.Println("  panic                lock every session now")
		fmt.Println("  status               show lock state")
		fmt.Println("  quit                 leave")
	case "status":
		fmt.Printf("%s (%s)\n", displayState(c.State()), c.Username())
	case "ls":
		v, err := c.Vault()
		if err != nil {
			return err
		}
		printTree(v)
	case "show":
		if len(args) == 0 {
			return errors.New("usage: show <profile> [field]")
		}
		v, err := c.Vault()
		if err != nil {
			return err
		}
		id, err := ResolveProfile(v, args[0])
		if err != nil {
			return err
		}
		if len(args) > 1 {
			value, err := c.Field(ctx, id, args[1])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		}
		fields, err := c.Fields(ctx, id)
		if err != nil {
			return err
		}
		p := v.FindProfile(id)
		fmt.Printf("%s (%s)\n", p.Title, p.ID)
		for k, val := range p.Attributes {
			fmt.Printf("  %s: %s\n", k, val)
		}
		for _, f := range fields {
			fmt.Printf("  %s: ********\n", f[0])
		}
	case "trash":
		entries, err := c.Trash(ctx)
		if err != nil {
			return err
		}
		for _, t := range entries {
			fmt.Printf("  %s/%s  %s  (%d days left)\n", t.Organization, t.Title, t.ProfileID, t.DaysRemaining)
		}
	case "lock":
		c.Lock()
	case "unlock":
		password, err := sh.readPassword("Enter password: ")
		if err != nil {
			return err
		}
		defer crypto.ClearBytes(password)
		if err := c.Unlock(ctx, password); err != nil {
			return err
		}
		sh.startPoller(ctx)
	case "panic":
		sh.stopPoller()
		return c.Panic(ctx, "shell")
	default:
		return fmt.Errorf("unknown command %q, type 'help'", name)
	}
	return nil
}
