// Package storage provides the BBolt database behind the lockvault server
// side.
//
// Database structure uses six buckets:
//   - config: version and timestamps
//   - accounts: per-username salts, KDF parameters and verifiers
//   - vaults: the encrypted vault blob of each scope (primary or duress)
//   - profiles: one nested bucket per scope of profile records, each holding
//     a wrapped profile key and field-level ciphertexts
//   - shares: burn-after-read secrets
//   - sessions: session tokens
//
// Nothing stored here can be decrypted without the client's master key.
// BBolt provides ACID transactions, file locking, and corruption detection;
// its single writer is what makes share consumption atomic.
package storage
