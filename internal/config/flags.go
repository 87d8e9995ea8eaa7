package config

import (
	"flag"
	"io"

	"github.com/dmitrijs2005/gophstore/internal/flagx"
)

var knownFlags = []string{"-u", "-s", "-k", "-create", "-t", "-p", "-r", "-retries", "-l", "-m", "-n"}

// parseFlags populates Config fields from command-line flags.
//
// Supported flags:
//
//	-u string     store uri (sqlite://, postgres://, bolt://, memory://)
//	-s string     key scheme (raw, kdf:argon2i:int, kdf:argon2i:mod)
//	-k string     key or passphrase
//	-create bool  create the store when it does not exist (use -create=false)
//	-t duration   lock timeout
//	-p int        scan page size
//	-r string     remove mode (fail, idempotent)
//	-retries int  connection attempts
//	-l string     log level
//	-m string     harness mode (basic, perf)
//	-n int        rows written in perf mode
func parseFlags(cfg *Config, args []string) error {
	args = flagx.FilterArgs(args, knownFlags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.URI, "u", cfg.URI, "store uri")
	fs.StringVar(&cfg.KeyScheme, "s", cfg.KeyScheme, "key scheme")
	fs.StringVar(&cfg.Key, "k", cfg.Key, "key or passphrase")
	fs.BoolVar(&cfg.CreateIfMissing, "create", cfg.CreateIfMissing, "create the store when missing")
	fs.DurationVar(&cfg.LockTimeout, "t", cfg.LockTimeout, "lock timeout")
	fs.IntVar(&cfg.PageSize, "p", cfg.PageSize, "scan page size")
	fs.StringVar(&cfg.RemoveMode, "r", cfg.RemoveMode, "remove mode")
	fs.IntVar(&cfg.MaxConnRetries, "retries", cfg.MaxConnRetries, "connection attempts")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.Mode, "m", cfg.Mode, "harness mode")
	fs.IntVar(&cfg.Rows, "n", cfg.Rows, "rows written in perf mode")

	return fs.Parse(args)
}
