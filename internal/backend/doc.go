// Package backend is the lockvault server, run in-process over a bbolt file.
//
// It keeps accounts (salt, KDF cost, verifier), encrypted vault blobs,
// per-profile wrapped keys and field ciphertexts, one-time shares and
// session tokens. Every method that reads or writes vault material takes a
// session token; the token's scope decides whether the real or the decoy
// vault is served.
package backend
