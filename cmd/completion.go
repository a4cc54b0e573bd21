package cmd

import (
	"fmt"
	"os"
)

// Completion outputs shell completion scripts
func Completion(shell string) {
	switch shell {
	case "bash":
		fmt.Print(bashCompletion)
	case "zsh":
		fmt.Print(zshCompletion)
	case "fish":
		fmt.Print(fishCompletion)
	default:
		fmt.Fprintf(os.Stderr, "Unknown shell: %s\nSupported: bash, zsh, fish\n", shell)
		Exit(1)
	}
}

const bashCompletion = `_lockvault() {
    local cur prev words cword
    _init_completion || return

    local commands="init ls add set show rm trash restore shred share receive open passwd diff export duress panic logout status keyring compact sweep help completion"
    local common="-u --user --data-dir -v --debug"

    if [[ $cword -eq 1 ]]; then
        COMPREPLY=($(compgen -W "$commands" -- "$cur"))
        return
    fi

    local cmd="${words[1]}"
    case "$cmd" in
        add)
            if [[ $cword -eq 2 ]]; then
                COMPREPLY=($(compgen -W "category org profile" -- "$cur"))
            else
                COMPREPLY=($(compgen -W "$common --website -f --field -p --password" -- "$cur"))
            fi
            ;;
        show)
            COMPREPLY=($(compgen -W "$common --reveal" -- "$cur"))
            ;;
        shred)
            COMPREPLY=($(compgen -W "$common --force" -- "$cur"))
            ;;
        share)
            COMPREPLY=($(compgen -W "$common --ttl" -- "$cur"))
            ;;
        logout)
            COMPREPLY=($(compgen -W "$common --all" -- "$cur"))
            ;;
        duress)
            COMPREPLY=($(compgen -W "$common --contact" -- "$cur"))
            ;;
        diff|export)
            _filedir
            ;;
        keyring)
            COMPREPLY=($(compgen -W "save delete status" -- "$cur"))
            ;;
        help)
            COMPREPLY=($(compgen -W "$commands" -- "$cur"))
            ;;
        completion)
            COMPREPLY=($(compgen -W "bash zsh fish" -- "$cur"))
            ;;
        *)
            COMPREPLY=($(compgen -W "$common" -- "$cur"))
            ;;
    esac
}

complete -F _lockvault lockvault
`

const zshCompletion = `#compdef lockvault

_lockvault() {
    local -a commands
    commands=(
        'init:Create an account with an empty vault'
        'ls:List categories, organizations and profiles'
        'add:Add a category, organization or profile'
        'set:Set or clear a profile field'
        'show:Show a profile or one field'
        'rm:Move profiles to trash'
        'trash:List trashed profiles'
        'restore:Restore profiles from trash'
        'shred:Destroy a trashed profile for good'
        'share:Create a one-time share link'
        'receive:Redeem a share link'
        'open:Start an interactive session'
        'passwd:Change the vault password'
        'diff:Compare the vault with an exported backup'
        'export:Export the encrypted vault'
        'duress:Set the duress password'
        'panic:Lock every session now'
        'logout:End the cached session'
        'status:Show local state'
        'keyring:Manage password in OS keyring'
        'compact:Compact the database'
        'sweep:Shred expired trash'
        'help:Show help for a command'
        'completion:Generate shell completions'
    )

    _arguments -C \
        '1: :->command' \
        '*: :->args'

    case "$state" in
        command)
            _describe -t commands 'lockvault commands' commands
            ;;
        args)
            case "${words[2]}" in
                add)
                    _values 'kind' category org profile
                    ;;
                diff|export)
                    _arguments '*:file:_files'
                    ;;
                keyring)
                    _values 'subcommand' save delete status
                    ;;
                help)
                    _describe -t commands 'lockvault commands' commands
                    ;;
                completion)
                    _values 'shell' bash zsh fish
                    ;;
            esac
            ;;
    esac
}

_lockvault "$@"
`

const fishCompletion = `# lockvault fish completions

set -l commands init ls add set show rm trash restore shred share receive open passwd diff export duress panic logout status keyring compact sweep help completion

complete -c lockvault -f

# Commands
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a init -d 'Create an account'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a ls -d 'List the vault'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a add -d 'Add an entry'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a set -d 'Set a profile field'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a show -d 'Show a profile'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a rm -d 'Move profiles to trash'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a trash -d 'List trash'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a restore -d 'Restore from trash'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a shred -d 'Destroy a trashed profile'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a share -d 'Create a share link'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a receive -d 'Redeem a share link'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a open -d 'Interactive session'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a passwd -d 'Change password'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a diff -d 'Compare with a backup'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a export -d 'Export encrypted vault'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a duress -d 'Set duress password'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a panic -d 'Lock every session'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a logout -d 'End the session'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a status -d 'Show local state'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a keyring -d 'Manage password in OS keyring'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a compact -d 'Compact database'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a sweep -d 'Shred expired trash'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a help -d 'Show help'
complete -c lockvault -n "not __fish_seen_subcommand_from $commands" -a completion -d 'Generate completions'

# add kinds
complete -c lockvault -n "__fish_seen_subcommand_from add" -a "category org profile"

# files
complete -c lockvault -n "__fish_seen_subcommand_from diff export" -F

# keyring subcommands
complete -c lockvault -n "__fish_seen_subcommand_from keyring" -a "save delete status"

# help completions
complete -c lockvault -n "__fish_seen_subcommand_from help" -a "$commands"

# completion completions
complete -c lockvault -n "__fish_seen_subcommand_from completion" -a "bash zsh fish"
`
