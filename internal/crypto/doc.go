// Package crypto provides the client-side cryptography for lockvault.
//
// Key derivation uses Argon2id over (password, salt) to produce a root
// secret, which HKDF-SHA256 expands under two labels:
//   - "lockvault/v1/auth": the AuthCredential sent to the server
//   - "lockvault/v1/encryption": the MasterKey, which never leaves the client
//
// Encryption uses XChaCha20-Poly1305 with:
//   - 32-byte keys
//   - 24-byte random nonce per encryption operation
//   - a single ErrAuthFailed for every open failure
//
// Memory safety:
//   - Keys live in SecretKey, a memguard locked buffer wiped by Destroy()
//   - Use ClearBytes() to zero passwords and other transient buffers
package crypto
