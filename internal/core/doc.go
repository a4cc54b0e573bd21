// Package core is the lockvault client.
//
// A Client binds one username to an API (the server) and runs every
// cryptographic step locally:
//   - Register/ConfigureDuress: derive credentials, upload salt, verifier
//     input and an encrypted empty vault
//   - Unlock: derive, authenticate, decrypt; the duress password opens the
//     decoy vault and raises an alert
//   - AddProfile/SetField/Field: per-profile keys wrapped under the master
//     key, secure fields encrypted under the profile key
//   - SoftDelete/Restore/Shred/Trash: trash with retention
//   - CreateShare/ConsumeShare: burn-after-read links
//   - Lock/Panic/Logout and the session poller
//   - ChangePassword: re-key without touching field ciphertexts
package core
