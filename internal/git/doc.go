// Package git warns when lockvault's data directory sits inside a git
// work tree.
//
// Checks performed:
//   - Whether the database or audit trail is tracked by git (should not be)
//   - Whether they are covered by .gitignore (should be)
//
// The database holds ciphertext only, but also the account verifiers and
// session tokens, and the audit trail names users and emergency contacts.
package git
