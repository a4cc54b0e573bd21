// Package keyring stores the vault password (opt-in) and the current
// session token in the OS keyring.
package keyring
