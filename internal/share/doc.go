// Package share implements one-time secret links.
//
// The owner's client encrypts the payload under a random key and stores
// only the ciphertext. The key travels in the fragment of the link:
//
//	lockvault:share/<id>#<base64url key>
//
// The server hands the ciphertext out exactly once and erases it in the
// same transaction, so concurrent redemptions see one success. A response
// lost in transit still counts as redeemed.
package share
