// Package config resolves lockvault settings with viper.
//
// Precedence, lowest first: built-in defaults, lockvault.yaml in the data
// directory or the working directory, LOCKVAULT_* environment variables
// (nested keys use underscores: LOCKVAULT_KDF_MEMORY_KIB), and explicit
// overrides from command-line flags.
//
// Durations accept Go syntax ("90s", "5m"). An idle_timeout or
// poll_interval of zero disables the idle lock or session polling.
package config
