// Package lockstate implements the session lock-state machine.
//
//	Locked ──Unlock──▶ Unlocking ──▶ Unlocked
//	   ▲                   │    └──▶ DuressUnlocked (UnlockWithDuress)
//	   └──── failure ──────┘
//
// Lock, Panic, ForceLock and the idle timer leave any state for Locked or
// PanicLocked, wiping the master key and dropping the decrypted vault.
// Panic always wins: an unlock or mutation that is still running when it
// happens is cancelled and never commits.
//
// The controller never sees the password after Unlock returns and never
// hands the master key out of WithKey.
package lockstate
