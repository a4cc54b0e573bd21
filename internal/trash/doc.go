// Package trash implements soft delete, restore and crypto-shredding of
// profiles.
//
// A trashed profile keeps its ciphertext and its wrapped key untouched, so
// restoring it is a metadata change. Shredding destroys the wrapped profile
// key and the field ciphertexts on the server; once that has happened no
// copy of the ciphertext can be opened, even with full storage access.
//
// Retention defaults to 30 days. Expired entries are shredded by a Sweeper,
// and manual shredding is always available earlier with an explicit
// confirmation token.
package trash
