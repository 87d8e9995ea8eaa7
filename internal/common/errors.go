// Package common defines the error taxonomy and small helpers shared by every
// layer of the store. Callers should use errors.Is to match these values;
// backends wrap the underlying driver error behind the matching kind.
package common

import "errors"

var (
	// Entry-level errors.
	ErrDuplicate  = errors.New("duplicate entry")
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")

	// Contention and storage errors. Both are safe to retry.
	ErrBusy    = errors.New("busy")
	ErrBackend = errors.New("backend error")

	// Cryptographic errors.
	ErrEncryption = errors.New("encryption error")
	ErrDecryption = errors.New("decryption error")

	// Provisioning-time key errors.
	ErrKeyMismatch   = errors.New("key mismatch")
	ErrKeyDerivation = errors.New("key derivation error")

	// Lifecycle errors.
	ErrSessionClosed = errors.New("session closed")
	ErrProvision     = errors.New("provision error")
)

// Retryable reports whether err is of a kind callers may safely retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrBackend)
}
