package store

import (
	"time"

	"github.com/dmitrijs2005/gophstore/internal/backend"
	"github.com/dmitrijs2005/gophstore/internal/logging"
	"github.com/dmitrijs2005/gophstore/internal/models"
)

type options struct {
	logger          logging.Logger
	lockTimeout     time.Duration
	pageSize        int
	removeMode      models.RemoveMode
	createIfMissing bool
	maxConnRetries  int
}

func defaultOptions() options {
	return options{
		logger:          logging.NopLogger{},
		lockTimeout:     backend.DefaultLockTimeout,
		pageSize:        backend.DefaultPageSize,
		removeMode:      models.RemoveFail,
		createIfMissing: true,
		maxConnRetries:  3,
	}
}

// Option configures Provision.
type Option func(*options)

// WithLogger sets the logger of the store, its backend and its sessions.
// A nil logger discards output.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = logging.OrNop(l) }
}

// WithLockTimeout bounds waiting for an exclusive key before failing with
// common.ErrBusy.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithPageSize sets the number of rows fetched per scan page.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithRemoveMode selects whether removing an absent entry fails with
// common.ErrNotFound (the default) or succeeds.
func WithRemoveMode(m models.RemoveMode) Option {
	return func(o *options) { o.removeMode = m }
}

// WithCreateIfMissing controls whether Provision may create a new store.
// It defaults to true.
func WithCreateIfMissing(v bool) Option {
	return func(o *options) { o.createIfMissing = v }
}

// WithMaxConnRetries sets how many times a server backend connection is
// attempted before Provision gives up.
func WithMaxConnRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConnRetries = n
		}
	}
}

func (o options) backend() backend.Options {
	return backend.Options{
		LockTimeout:     o.lockTimeout,
		CreateIfMissing: o.createIfMissing,
		MaxConnRetries:  o.maxConnRetries,
		Logger:          o.logger,
	}
}
