package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/dmitrijs2005/gophstore/internal/common"
	"golang.org/x/crypto/hkdf"
)

const (
	// NonceSize is the AES-GCM nonce length prefixed to every ciphertext.
	NonceSize = 12
	// TagSize is the AES-GCM authentication tag length.
	TagSize = 16
)

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptValue encrypts plaintext with AES-256-GCM under a fresh random nonce,
// binding aad to the ciphertext. The result is nonce || ciphertext, so equal
// plaintexts never produce equal outputs.
//
// Example:
//
//	ct, err := EncryptValue(key, []byte("secret"), []byte("category\x00name"))
//	if err != nil {
//	    return err
//	}
//	pt, err := DecryptValue(key, ct, []byte("category\x00name"))
func EncryptValue(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrEncryption, err)
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("%w: nonce: %w", common.ErrEncryption, err)
	}
	return aead.Seal(out, out[:NonceSize], plaintext, aad), nil
}

// DecryptValue reverses EncryptValue. Tampered input, a wrong key or a
// different aad yield common.ErrDecryption.
func DecryptValue(key, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrDecryption)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrDecryption, err)
	}
	pt, err := aead.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", common.ErrDecryption)
	}
	return pt, nil
}

// EncryptSearchable encrypts plaintext deterministically: the nonce is the
// truncated HMAC-SHA256 of the plaintext under macKey. Equal plaintexts map to
// equal outputs, which makes the result usable as a blind index while staying
// decryptable with key.
func EncryptSearchable(key, macKey, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrEncryption, err)
	}
	mac := hmac.New(sha256.New, macKey)
	mac.Write(plaintext)
	nonce := mac.Sum(nil)[:NonceSize]

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	copy(out, nonce)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// DecryptSearchable reverses EncryptSearchable.
func DecryptSearchable(key, ciphertext []byte) ([]byte, error) {
	return DecryptValue(key, ciphertext, nil)
}

// StoreKey is the set of independent sub-keys derived from a raw key.
type StoreKey struct {
	value    []byte
	tagName  []byte
	tagValue []byte
	mac      []byte
	check    []byte
}

// NewStoreKey expands raw into per-purpose sub-keys with HKDF-SHA256.
func NewStoreKey(raw RawKey) (*StoreKey, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: raw key must be %d bytes", common.ErrKeyDerivation, KeySize)
	}

	r := hkdf.New(sha256.New, raw, nil, []byte("gophstore sub-keys"))
	sk := &StoreKey{}
	for _, dst := range []*[]byte{&sk.value, &sk.tagName, &sk.tagValue, &sk.mac, &sk.check} {
		*dst = make([]byte, KeySize)
		if _, err := io.ReadFull(r, *dst); err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrKeyDerivation, err)
		}
	}
	return sk, nil
}

// EncryptValue encrypts an entry value bound to aad.
func (k *StoreKey) EncryptValue(plaintext, aad []byte) ([]byte, error) {
	return EncryptValue(k.value, plaintext, aad)
}

// DecryptValue decrypts an entry value bound to aad.
func (k *StoreKey) DecryptValue(ciphertext, aad []byte) ([]byte, error) {
	return DecryptValue(k.value, ciphertext, aad)
}

// EncryptTagName returns the blind index of an encrypted tag name.
func (k *StoreKey) EncryptTagName(name string) ([]byte, error) {
	return EncryptSearchable(k.tagName, k.mac, []byte(name))
}

// EncryptTagValue returns the blind index of an encrypted tag value.
func (k *StoreKey) EncryptTagValue(value string) ([]byte, error) {
	return EncryptSearchable(k.tagValue, k.mac, []byte(value))
}

func (k *StoreKey) DecryptTagName(ciphertext []byte) (string, error) {
	b, err := DecryptSearchable(k.tagName, ciphertext)
	return string(b), err
}

func (k *StoreKey) DecryptTagValue(ciphertext []byte) (string, error) {
	b, err := DecryptSearchable(k.tagValue, ciphertext)
	return string(b), err
}

// Wipe zeroes every sub-key.
func (k *StoreKey) Wipe() {
	for _, b := range [][]byte{k.value, k.tagName, k.tagValue, k.mac, k.check} {
		common.WipeByteArray(b)
	}
}
