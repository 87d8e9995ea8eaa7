// Package config loads runtime configuration for storectl.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional config file selected via -c or -config. Files ending in
//     .yaml or .yml are read as YAML, everything else as JSON.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// # File schema
//
// Durations use timex.Duration, so they may be strings like "5s" or integer
// nanoseconds. Keys left out of the file keep their previous value.
//
//	uri: bolt:///var/lib/gophstore/store.db
//	key_scheme: kdf:argon2i:int
//	lock_timeout: 5s
//	page_size: 100
//	remove_mode: idempotent
//	mode: perf
//	rows: 5000
//
// The resulting Config is turned into store options with StoreOptions.
package config
