// Package cryptox holds the key material of an open store and the envelope
// encryption applied to every value and tag crossing the backend boundary.
package cryptox

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/gophstore/internal/common"
	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the length of a raw store key (AES-256).
	KeySize = 32
	// SaltSize is the length of the salt generated for KDF key schemes.
	SaltSize = 16
)

// Key schemes accepted by Provision.
const (
	SchemeRaw         = "raw"
	SchemeArgon2iInt  = "kdf:argon2i:int"
	SchemeArgon2iMod  = "kdf:argon2i:mod"
	kdfSchemePrefix   = "kdf:"
	keyCheckLabel     = "gophstore key check v1"
	rawKeyDescription = "base64url encoded 32-byte key"
)

type argonParams struct {
	time    uint32
	memory  uint32
	threads uint8
}

// kdfProfiles maps a KDF scheme to its argon2i cost parameters.
var kdfProfiles = map[string]argonParams{
	SchemeArgon2iInt: {time: 4, memory: 32 * 1024, threads: 1},
	SchemeArgon2iMod: {time: 6, memory: 128 * 1024, threads: 1},
}

// RawKey is the root key material of a store.
type RawKey []byte

// GenerateRawKey returns KeySize bytes of fresh random key material.
func GenerateRawKey() RawKey {
	return RawKey(common.GenerateRandByteArray(KeySize))
}

// String encodes the key in the form accepted by ParseRawKey.
func (k RawKey) String() string {
	return base64.RawURLEncoding.EncodeToString(k)
}

// ParseRawKey decodes a key produced by RawKey.String.
func ParseRawKey(s string) (RawKey, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: raw key must be a %s: %w", common.ErrKeyDerivation, rawKeyDescription, err)
	}
	if len(b) != KeySize {
		return nil, fmt.Errorf("%w: raw key must be %d bytes, got %d", common.ErrKeyDerivation, KeySize, len(b))
	}
	return RawKey(b), nil
}

// IsKDFScheme reports whether scheme derives its key from a passphrase.
func IsKDFScheme(scheme string) bool {
	return strings.HasPrefix(scheme, kdfSchemePrefix)
}

// DeriveKey derives a raw key from a passphrase with argon2i using the cost
// parameters of profile. It is deterministic for equal inputs.
func DeriveKey(passphrase, salt []byte, profile string) (RawKey, error) {
	p, ok := kdfProfiles[profile]
	if !ok {
		return nil, fmt.Errorf("%w: unknown key derivation profile %q", common.ErrKeyDerivation, profile)
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: empty passphrase", common.ErrKeyDerivation)
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("%w: salt must be at least %d bytes", common.ErrKeyDerivation, SaltSize)
	}
	return RawKey(argon2.Key(passphrase, salt, p.time, p.memory, p.threads, KeySize)), nil
}

// KeyManager owns the key material of one open store. It is created at
// provisioning and wiped by Close; it is never shared between stores.
type KeyManager struct {
	scheme string
	salt   []byte
	key    *StoreKey
}

// NewKeyManager resolves key according to scheme. For the raw scheme key is
// the encoded raw key and salt is ignored; for KDF schemes key is the
// passphrase and salt the value persisted when the store was created.
func NewKeyManager(scheme, key string, salt []byte) (*KeyManager, error) {
	var raw RawKey
	var err error

	switch {
	case scheme == SchemeRaw:
		raw, err = ParseRawKey(key)
		salt = nil
	case IsKDFScheme(scheme):
		raw, err = DeriveKey([]byte(key), salt, scheme)
	default:
		err = fmt.Errorf("%w: unsupported key scheme %q", common.ErrKeyDerivation, scheme)
	}
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(raw)

	sk, err := NewStoreKey(raw)
	if err != nil {
		return nil, err
	}
	return &KeyManager{scheme: scheme, salt: salt, key: sk}, nil
}

// Scheme returns the key scheme the manager was built with.
func (m *KeyManager) Scheme() string { return m.scheme }

// Salt returns the KDF salt, nil for the raw scheme.
func (m *KeyManager) Salt() []byte { return m.salt }

// StoreKey returns the derived sub-keys used by the encryption engine.
func (m *KeyManager) StoreKey() *StoreKey { return m.key }

// CheckValue returns the verifiable value persisted with a new store.
func (m *KeyManager) CheckValue() []byte {
	mac := hmac.New(sha256.New, m.key.check)
	mac.Write([]byte(keyCheckLabel))
	return mac.Sum(nil)
}

// Verify compares a persisted check value against the current key.
func (m *KeyManager) Verify(check []byte) error {
	if subtle.ConstantTimeCompare(check, m.CheckValue()) == 0 {
		return fmt.Errorf("%w: store key check failed", common.ErrKeyMismatch)
	}
	return nil
}

// Close wipes the key material.
func (m *KeyManager) Close() {
	m.key.Wipe()
}
