package cryptox

import (
	"bytes"
	"testing"

	"github.com/dmitrijs2005/gophstore/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRawKey_StringRoundTrip(t *testing.T) {
	k := GenerateRawKey()
	require.Len(t, k, KeySize)

	parsed, err := ParseRawKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	assert.NotEqual(t, k, GenerateRawKey())
}

func TestParseRawKey_Malformed(t *testing.T) {
	for _, s := range []string{"", "not base64 !!", RawKey(make([]byte, 16)).String()} {
		_, err := ParseRawKey(s)
		require.ErrorIs(t, err, common.ErrKeyDerivation, "input %q", s)
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")

	k1, err := DeriveKey([]byte("secret-password"), salt, SchemeArgon2iInt)
	require.NoError(t, err)
	k2, err := DeriveKey([]byte("secret-password"), salt, SchemeArgon2iInt)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(k1, k2), "same inputs must derive the same key")
	assert.Len(t, k1, KeySize)

	k3, err := DeriveKey([]byte("secret-password"), []byte("fedcba9876543210"), SchemeArgon2iInt)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(k1, k3), "different salts must derive different keys")
}

func TestDeriveKey_MalformedInput(t *testing.T) {
	salt := []byte("0123456789abcdef")

	_, err := DeriveKey(nil, salt, SchemeArgon2iInt)
	require.ErrorIs(t, err, common.ErrKeyDerivation)

	_, err = DeriveKey([]byte("pw"), []byte("short"), SchemeArgon2iInt)
	require.ErrorIs(t, err, common.ErrKeyDerivation)

	_, err = DeriveKey([]byte("pw"), salt, "kdf:scrypt")
	require.ErrorIs(t, err, common.ErrKeyDerivation)
}

func TestKeyManager_VerifyCheckValue(t *testing.T) {
	raw := GenerateRawKey()

	m1, err := NewKeyManager(SchemeRaw, raw.String(), nil)
	require.NoError(t, err)
	m2, err := NewKeyManager(SchemeRaw, raw.String(), nil)
	require.NoError(t, err)
	other, err := NewKeyManager(SchemeRaw, GenerateRawKey().String(), nil)
	require.NoError(t, err)

	require.NoError(t, m2.Verify(m1.CheckValue()))
	require.ErrorIs(t, other.Verify(m1.CheckValue()), common.ErrKeyMismatch)
	assert.Equal(t, SchemeRaw, m1.Scheme())
	assert.Nil(t, m1.Salt())
}

func TestKeyManager_KDFScheme(t *testing.T) {
	salt := common.GenerateRandByteArray(SaltSize)

	m, err := NewKeyManager(SchemeArgon2iInt, "pass", salt)
	require.NoError(t, err)
	assert.Equal(t, salt, m.Salt())
	assert.True(t, IsKDFScheme(m.Scheme()))

	again, err := NewKeyManager(SchemeArgon2iInt, "pass", salt)
	require.NoError(t, err)
	require.NoError(t, again.Verify(m.CheckValue()))

	wrong, err := NewKeyManager(SchemeArgon2iInt, "other", salt)
	require.NoError(t, err)
	require.ErrorIs(t, wrong.Verify(m.CheckValue()), common.ErrKeyMismatch)
}

func TestKeyManager_UnknownScheme(t *testing.T) {
	_, err := NewKeyManager("rot13", "x", nil)
	require.ErrorIs(t, err, common.ErrKeyDerivation)
}

func TestKeyManager_CloseWipesKeys(t *testing.T) {
	m, err := NewKeyManager(SchemeRaw, GenerateRawKey().String(), nil)
	require.NoError(t, err)

	sk := m.StoreKey()
	m.Close()
	assert.Equal(t, make([]byte, KeySize), sk.value)
	assert.Equal(t, make([]byte, KeySize), sk.mac)
}
