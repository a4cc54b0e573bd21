// Package audit keeps an append-only JSON Lines record of security
// relevant operations: registration, unlocks, panics, shreds, share use
// and emergency alerts.
//
// Entries carry identifiers only. Profile titles, field values and key
// material are never written.
package audit
