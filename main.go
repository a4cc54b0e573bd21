package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/illarion/lockvault/cmd"
)

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		printUsage()
		cmd.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(ctx, os.Args[2:])
	case "ls":
		runLs(ctx, os.Args[2:])
	case "add":
		runAdd(ctx, os.Args[2:])
	case "set":
		runSet(ctx, os.Args[2:])
	case "show":
		runShow(ctx, os.Args[2:])
	case "rm":
		runRm(ctx, os.Args[2:])
	case "trash":
		runTrash(ctx, os.Args[2:])
	case "restore":
		runRestore(ctx, os.Args[2:])
	case "shred":
		runShred(ctx, os.Args[2:])
	case "share":
		runShare(ctx, os.Args[2:])
	case "receive":
		runReceive(ctx, os.Args[2:])
	case "open":
		runOpen(ctx, os.Args[2:])
	case "passwd":
		runPasswd(ctx, os.Args[2:])
	case "diff":
		runDiff(ctx, os.Args[2:])
	case "export":
		runExport(ctx, os.Args[2:])
	case "duress":
		runDuress(ctx, os.Args[2:])
	case "panic":
		runPanic(ctx, os.Args[2:])
	case "logout":
		runLogout(ctx, os.Args[2:])
	case "keyring":
		runKeyring(ctx, os.Args[2:])
	case "status":
		runStatus(ctx, os.Args[2:])
	case "compact":
		runCompact(ctx, os.Args[2:])
	case "sweep":
		runSweep(ctx, os.Args[2:])
	case "completion":
		runCompletion(ctx, os.Args[2:])
	case "help", "-h", "--help":
		if len(os.Args) <= 2 {
			printUsage()
			return
		}
		printCommandHelp(os.Args[2])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		cmd.Exit(1)
	}
}

// newFlagSet returns a flag set carrying the common flags.
func newFlagSet(name string) (*flag.FlagSet, *cmd.Flags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	flags := &cmd.Flags{}
	flags.Register(fs)
	return fs, flags
}

func parse(fs *flag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		cmd.Exit(1)
	}
}

// requireArgs prints usage and exits unless fs has between lo and hi
// positional arguments. hi < 0 means no upper bound.
func requireArgs(fs *flag.FlagSet, lo, hi int, usage string) {
	n := fs.NArg()
	if n < lo || (hi >= 0 && n > hi) {
		fmt.Fprintf(os.Stderr, "Usage: lockvault %s\n", usage)
		cmd.Exit(1)
	}
}

func runInit(ctx context.Context, args []string) {
	fs, flags := newFlagSet("init")
	parse(fs, args)

	cmd.Init(ctx, *flags)
}

func runLs(ctx context.Context, args []string) {
	fs, flags := newFlagSet("ls")
	parse(fs, args)

	cmd.Ls(ctx, *flags)
}

func runAdd(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: lockvault add <category|org|profile> ...")
		cmd.Exit(1)
	}
	kind := args[0]

	fs, flags := newFlagSet("add " + kind)
	website := fs.String("website", "", "Organization website")
	fields := cmd.FieldFlags{}
	fs.Var(fields, "f", "Profile field name=value (repeatable)")
	fs.Var(fields, "field", "Profile field name=value (repeatable)")
	promptShort := fs.Bool("p", false, "Prompt for the profile password")
	promptLong := fs.Bool("password", false, "Prompt for the profile password")
	parse(fs, args[1:])

	switch kind {
	case "category":
		requireArgs(fs, 1, 1, "add category <name>")
		cmd.AddCategory(ctx, *flags, fs.Arg(0))
	case "org", "organization":
		requireArgs(fs, 2, 2, "add org [--website <url>] <category> <name>")
		cmd.AddOrganization(ctx, *flags, fs.Arg(0), fs.Arg(1), *website)
	case "profile":
		requireArgs(fs, 2, 2, "add profile [-f name=value]... [-p] <organization> <title>")
		cmd.AddProfile(ctx, *flags, fs.Arg(0), fs.Arg(1), fields, *promptShort || *promptLong)
	default:
		fmt.Fprintf(os.Stderr, "Unknown kind: %s\nSupported: category, org, profile\n", kind)
		cmd.Exit(1)
	}
}

func runSet(ctx context.Context, args []string) {
	fs, flags := newFlagSet("set")
	parse(fs, args)
	requireArgs(fs, 2, 3, "set <profile> <field> [value]")

	var value *string
	if fs.NArg() == 3 {
		v := fs.Arg(2)
		value = &v
	}
	cmd.Set(ctx, *flags, fs.Arg(0), fs.Arg(1), value)
}

func runShow(ctx context.Context, args []string) {
	fs, flags := newFlagSet("show")
	reveal := fs.Bool("reveal", false, "Show secure fields in clear")
	parse(fs, args)
	requireArgs(fs, 1, 2, "show [--reveal] <profile> [field]")

	cmd.Show(ctx, *flags, fs.Arg(0), fs.Arg(1), *reveal)
}

func runRm(ctx context.Context, args []string) {
	fs, flags := newFlagSet("rm")
	parse(fs, args)

	cmd.Remove(ctx, *flags, fs.Args())
}

func runTrash(ctx context.Context, args []string) {
	fs, flags := newFlagSet("trash")
	parse(fs, args)

	cmd.Trash(ctx, *flags)
}

func runRestore(ctx context.Context, args []string) {
	fs, flags := newFlagSet("restore")
	parse(fs, args)

	cmd.Restore(ctx, *flags, fs.Args())
}

func runShred(ctx context.Context, args []string) {
	fs, flags := newFlagSet("shred")
	force := fs.Bool("force", false, "Shred without typing the title")
	parse(fs, args)
	requireArgs(fs, 1, 1, "shred [--force] <profile>")

	cmd.Shred(ctx, *flags, fs.Arg(0), *force)
}

func runShare(ctx context.Context, args []string) {
	fs, flags := newFlagSet("share")
	ttl := fs.Duration("ttl", 0, "Link lifetime (default from share_ttl)")
	parse(fs, args)
	requireArgs(fs, 1, 2, "share [--ttl 1h] <profile> [field]")

	cmd.Share(ctx, *flags, fs.Arg(0), fs.Arg(1), *ttl)
}

func runReceive(ctx context.Context, args []string) {
	fs, flags := newFlagSet("receive")
	parse(fs, args)
	requireArgs(fs, 1, 1, "receive <link>")

	cmd.Receive(ctx, *flags, fs.Arg(0))
}

func runOpen(ctx context.Context, args []string) {
	fs, flags := newFlagSet("open")
	parse(fs, args)

	cmd.Open(ctx, *flags)
}

func runPasswd(ctx context.Context, args []string) {
	fs, flags := newFlagSet("passwd")
	parse(fs, args)

	cmd.Passwd(ctx, *flags)
}

func runDiff(ctx context.Context, args []string) {
	fs, flags := newFlagSet("diff")
	parse(fs, args)
	requireArgs(fs, 1, 1, "diff <backup>")

	cmd.Diff(ctx, *flags, fs.Arg(0))
}

func runExport(ctx context.Context, args []string) {
	fs, flags := newFlagSet("export")
	parse(fs, args)
	requireArgs(fs, 1, 1, "export <file>")

	cmd.Export(ctx, *flags, fs.Arg(0))
}

func runDuress(ctx context.Context, args []string) {
	fs, flags := newFlagSet("duress")
	contact := fs.String("contact", "", "Emergency contact (default from emergency_contact)")
	parse(fs, args)

	cmd.Duress(ctx, *flags, *contact)
}

func runPanic(ctx context.Context, args []string) {
	fs, flags := newFlagSet("panic")
	parse(fs, args)

	cmd.Panic(ctx, *flags)
}

func runLogout(ctx context.Context, args []string) {
	fs, flags := newFlagSet("logout")
	all := fs.Bool("all", false, "End every session of the user")
	parse(fs, args)

	cmd.Logout(ctx, *flags, *all)
}

func runKeyring(ctx context.Context, args []string) {
	fs, flags := newFlagSet("keyring")
	parse(fs, args)
	requireArgs(fs, 1, 1, "keyring <save|delete|status>")

	switch fs.Arg(0) {
	case "save":
		cmd.KeyringSave(ctx, *flags)
	case "delete":
		cmd.KeyringDelete(*flags)
	case "status":
		cmd.KeyringStatus(*flags)
	default:
		fmt.Fprintf(os.Stderr, "Unknown keyring command: %s\n", fs.Arg(0))
		cmd.Exit(1)
	}
}

func runStatus(ctx context.Context, args []string) {
	fs, flags := newFlagSet("status")
	parse(fs, args)

	cmd.Status(ctx, *flags)
}

func runCompact(_ context.Context, args []string) {
	fs, flags := newFlagSet("compact")
	parse(fs, args)

	cmd.Compact(*flags)
}

func runSweep(ctx context.Context, args []string) {
	fs, flags := newFlagSet("sweep")
	parse(fs, args)

	cmd.Sweep(ctx, *flags)
}

func runCompletion(_ context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: lockvault completion <bash|zsh|fish>")
		cmd.Exit(1)
	}
	cmd.Completion(args[0])
}

func printUsage() {
	fmt.Println("lockvault - zero-knowledge credential vault")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  lockvault <command> [-u user] [flags] [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init        Create an account with an empty vault")
	fmt.Println("  ls          List categories, organizations and profiles")
	fmt.Println("  add         Add a category, organization or profile")
	fmt.Println("  set         Set or clear a profile field")
	fmt.Println("  show        Show a profile or one field")
	fmt.Println("  rm          Move profiles to trash")
	fmt.Println("  trash       List trashed profiles")
	fmt.Println("  restore     Restore profiles from trash")
	fmt.Println("  shred       Destroy a trashed profile for good")
	fmt.Println("  share       Create a one-time share link")
	fmt.Println("  receive     Redeem a share link")
	fmt.Println("  open        Start an interactive session")
	fmt.Println("  passwd      Change the vault password")
	fmt.Println("  diff        Compare the vault with an exported backup")
	fmt.Println("  export      Export the encrypted vault")
	fmt.Println("  duress      Set the duress password")
	fmt.Println("  panic       Lock every session now")
	fmt.Println("  logout      End the cached session")
	fmt.Println("  status      Show data dir, cached password and session")
	fmt.Println("  keyring     Manage password in OS keyring")
	fmt.Println("  compact     Compact the database to reclaim disk space")
	fmt.Println("  sweep       Shred trash past its retention")
	fmt.Println("  completion  Generate shell completions")
	fmt.Println("  help        Show help for a command")
	fmt.Println()
	fmt.Println("Common flags:")
	fmt.Println("  -u, -user      Account username (or LOCKVAULT_USERNAME)")
	fmt.Println("  -data-dir      Data directory (or LOCKVAULT_DATA_DIR)")
	fmt.Println("  -v, -debug     Verbose or debug output")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  lockvault init -u alice")
	fmt.Println("  lockvault add category -u alice Work")
	fmt.Println("  lockvault add profile -u alice -f username=alice -p Acme admin")
	fmt.Println("  lockvault show -u alice Acme/admin password")
	fmt.Println()
	fmt.Println("Use 'lockvault help <command>' for more information about a command.")
}

func printCommandHelp(command string) {
	switch command {
	case "init":
		fmt.Println("lockvault init -u <user>")
		fmt.Println()
		fmt.Println("Creates an account with an empty encrypted vault.")
		fmt.Println("The password never leaves this machine and cannot be recovered.")
	case "ls":
		fmt.Println("lockvault ls")
		fmt.Println()
		fmt.Println("Unlocks the vault and lists its tree with profile ids.")
	case "add":
		fmt.Println("lockvault add category <name>")
		fmt.Println("lockvault add org [--website <url>] <category> <name>")
		fmt.Println("lockvault add profile [-f name=value]... [-p] <organization> <title>")
		fmt.Println()
		fmt.Println("username, password, email, notes and recovery_codes are encrypted")
		fmt.Println("under the profile's own key; other fields live in the vault blob.")
		fmt.Println()
		fmt.Println("Flags:")
		fmt.Println("  -p, --password   Prompt for the password field")
	case "set":
		fmt.Println("lockvault set <profile> <field> [value]")
		fmt.Println()
		fmt.Println("Sets a field. Without a value a secure field is prompted for.")
		fmt.Println("An empty value clears the field.")
	case "show":
		fmt.Println("lockvault show [--reveal] <profile> [field]")
		fmt.Println()
		fmt.Println("Shows a profile, or prints one field raw for scripts.")
		fmt.Println("Profiles are named by id, title or organization/title.")
	case "rm":
		fmt.Println("lockvault rm <profile> [profile...]")
		fmt.Println()
		fmt.Println("Moves profiles to trash. They are shredded after retention_days.")
	case "trash":
		fmt.Println("lockvault trash")
		fmt.Println()
		fmt.Println("Lists trashed profiles with the days left before shredding.")
	case "restore":
		fmt.Println("lockvault restore <profile> [profile...]")
	case "shred":
		fmt.Println("lockvault shred [--force] <profile>")
		fmt.Println()
		fmt.Println("Destroys the key of a trashed profile. Cannot be undone.")
	case "share":
		fmt.Println("lockvault share [--ttl 1h] <profile> [field]")
		fmt.Println()
		fmt.Println("Prints a link that reveals one field once. The key is in the")
		fmt.Println("link only; the server stores ciphertext. Default field: password.")
	case "receive":
		fmt.Println("lockvault receive <link>")
		fmt.Println()
		fmt.Println("Redeems a share link. Works once; needs no account.")
	case "open":
		fmt.Println("lockvault open")
		fmt.Println()
		fmt.Println("Keeps the vault unlocked in an interactive session until it is")
		fmt.Println("locked by hand, by idle_timeout, by a panic or by a revoked session.")
	case "passwd":
		fmt.Println("lockvault passwd")
		fmt.Println()
		fmt.Println("Changes the password. The vault is re-encrypted and every profile")
		fmt.Println("key re-wrapped in one transaction.")
	case "diff":
		fmt.Println("lockvault diff <backup>")
		fmt.Println()
		fmt.Println("Compares the vault with a backup made by 'lockvault export'.")
	case "export":
		fmt.Println("lockvault export <file>")
		fmt.Println()
		fmt.Println("Writes the encrypted vault. Secure fields are not included.")
	case "duress":
		fmt.Println("lockvault duress [--contact <address>]")
		fmt.Println()
		fmt.Println("Sets a second password that opens a decoy vault and alerts the")
		fmt.Println("emergency contact.")
	case "panic":
		fmt.Println("lockvault panic")
		fmt.Println()
		fmt.Println("Locks every session of the user at once.")
	case "logout":
		fmt.Println("lockvault logout [--all]")
	case "keyring":
		fmt.Println("lockvault keyring <save|delete|status>")
		fmt.Println()
		fmt.Println("Stores the password in the OS keyring so commands do not prompt.")
	case "status":
		fmt.Println("lockvault status")
		fmt.Println()
		fmt.Println("Shows the data directory, database size and what is cached in")
		fmt.Println("the keyring. Does not require a password.")
	case "compact":
		fmt.Println("lockvault compact")
		fmt.Println()
		fmt.Println("Compacts the database. Done automatically after shred and passwd.")
		fmt.Println("Does not require a password.")
	case "sweep":
		fmt.Println("lockvault sweep")
		fmt.Println()
		fmt.Println("Shreds trash past retention for every account. For cron.")
		fmt.Println("Does not require a password.")
	case "completion":
		fmt.Println("lockvault completion <bash|zsh|fish>")
		fmt.Println()
		fmt.Println("Setup:")
		fmt.Println("  # Bash - add to ~/.bashrc")
		fmt.Println("  eval \"$(lockvault completion bash)\"")
		fmt.Println()
		fmt.Println("  # Zsh - add to ~/.zshrc")
		fmt.Println("  eval \"$(lockvault completion zsh)\"")
		fmt.Println()
		fmt.Println("  # Fish - add to ~/.config/fish/config.fish")
		fmt.Println("  lockvault completion fish | source")
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
	}
}
