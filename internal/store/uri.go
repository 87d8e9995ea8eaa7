package store

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/dmitrijs2005/gophstore/internal/common"
)

// Kind selects a backend.
type Kind string

const (
	KindMemory   Kind = "memory"
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
	KindBolt     Kind = "bolt"
)

// Target is a parsed provisioning URI.
type Target struct {
	Kind Kind
	// Path is the database file for sqlite and bolt, or the full connection
	// string for postgres.
	Path string
}

// ParseURI splits a provisioning URI of the form <scheme>://<target>.
// sqlite://:memory: and memory:// select the in-memory backend.
func ParseURI(uri string) (Target, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok || scheme == "" {
		return Target{}, fmt.Errorf("%w: malformed store uri %q", common.ErrProvision, redact(uri))
	}

	switch strings.ToLower(scheme) {
	case "memory":
		return Target{Kind: KindMemory}, nil
	case "sqlite":
		if rest == ":memory:" {
			return Target{Kind: KindMemory}, nil
		}
		if rest == "" {
			return Target{}, fmt.Errorf("%w: sqlite uri without a path", common.ErrProvision)
		}
		return Target{Kind: KindSQLite, Path: rest}, nil
	case "bolt":
		if rest == "" {
			return Target{}, fmt.Errorf("%w: bolt uri without a path", common.ErrProvision)
		}
		return Target{Kind: KindBolt, Path: rest}, nil
	case "postgres", "postgresql":
		if rest == "" {
			return Target{}, fmt.Errorf("%w: postgres uri without a host", common.ErrProvision)
		}
		return Target{Kind: KindPostgres, Path: uri}, nil
	default:
		return Target{}, fmt.Errorf("%w: unsupported store scheme %q", common.ErrProvision, scheme)
	}
}

// redact hides a password in a URI for logs and errors.
func redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	return u.Redacted()
}
