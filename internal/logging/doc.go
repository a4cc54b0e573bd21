// Package logging provides leveled output for lockvault commands and
// background components.
//
// Verbosity comes from configuration:
//
//   - verbose: info lines
//   - debug: info and debug lines
//
// Warnings and errors are always written. Key material is never passed to
// the logger; crypto.SecretKey redacts itself if it ever is.
//
//	log := logging.Logger{Verbose: cfg.Verbose, Debug: cfg.Debug}
//	log.Infof("vault unlocked (%d profiles)", n)
package logging
