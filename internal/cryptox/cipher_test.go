package cryptox

import (
	"testing"

	"github.com/dmitrijs2005/gophstore/internal/common"
	"github.com/dmitrijs2005/gophstore/internal/models"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoreKey(t *testing.T) *StoreKey {
	t.Helper()
	sk, err := NewStoreKey(GenerateRawKey())
	require.NoError(t, err)
	return sk
}

func TestEncryptValue_RoundTripAndFreshNonce(t *testing.T) {
	key := common.GenerateRandByteArray(KeySize)
	aad := []byte("category\x00name")

	for _, v := range [][]byte{[]byte("value"), {}, make([]byte, 4096)} {
		c1, err := EncryptValue(key, v, aad)
		require.NoError(t, err)
		c2, err := EncryptValue(key, v, aad)
		require.NoError(t, err)
		assert.NotEqual(t, c1, c2, "probabilistic encryption must not repeat")

		pt, err := DecryptValue(key, c1, aad)
		require.NoError(t, err)
		assert.Equal(t, len(v), len(pt))
		assert.Equal(t, string(v), string(pt))
	}
}

func TestDecryptValue_Failures(t *testing.T) {
	key := common.GenerateRandByteArray(KeySize)
	ct, err := EncryptValue(key, []byte("value"), nil)
	require.NoError(t, err)

	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0xff

	tests := []struct {
		name string
		key  []byte
		ct   []byte
		aad  []byte
	}{
		{"tampered", key, tampered, nil},
		{"wrong key", common.GenerateRandByteArray(KeySize), ct, nil},
		{"wrong aad", key, ct, []byte("other")},
		{"truncated", key, ct[:NonceSize], nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecryptValue(tt.key, tt.ct, tt.aad)
			require.ErrorIs(t, err, common.ErrDecryption)
		})
	}
}

func TestEncryptSearchable_Deterministic(t *testing.T) {
	sk := newStoreKey(t)

	b1, err := sk.EncryptTagValue("b")
	require.NoError(t, err)
	b2, err := sk.EncryptTagValue("b")
	require.NoError(t, err)
	assert.Equal(t, b1, b2, "blind index must be stable for the same key")

	c, err := sk.EncryptTagValue("c")
	require.NoError(t, err)
	assert.NotEqual(t, b1, c)

	n, err := sk.EncryptTagName("b")
	require.NoError(t, err)
	assert.NotEqual(t, b1, n, "names and values use separate keys")

	v, err := sk.DecryptTagValue(b1)
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	other := newStoreKey(t)
	b3, err := other.EncryptTagValue("b")
	require.NoError(t, err)
	assert.NotEqual(t, b1, b3, "different keys must give different indexes")
}

func TestStoreKey_EntryRoundTrip(t *testing.T) {
	sk := newStoreKey(t)
	e := &models.Entry{
		Category: "category",
		Name:     "name",
		Value:    []byte("value"),
		Tags:     models.ParseTags(map[string]string{"~plaintag": "a", "enctag": "b"}),
	}

	row, err := sk.EncryptEntry(e)
	require.NoError(t, err)
	assert.Equal(t, "category", row.Category)
	assert.NotEqual(t, e.Value, row.Value)

	require.Len(t, row.Tags, 2)
	assert.Equal(t, models.RowTag{Name: []byte("plaintag"), Value: []byte("a"), Plaintext: true}, row.Tags[1])
	assert.NotEqual(t, []byte("enctag"), row.Tags[0].Name)

	got, err := sk.DecryptEntry(row)
	require.NoError(t, err)
	if diff := cmp.Diff(e, got); diff != "" {
		t.Fatalf("entry mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreKey_RowBoundToKey(t *testing.T) {
	sk := newStoreKey(t)
	row, err := sk.EncryptEntry(&models.Entry{Category: "c", Name: "a", Value: []byte("v")})
	require.NoError(t, err)

	row.Name = "b"
	_, err = sk.DecryptEntry(row)
	require.ErrorIs(t, err, common.ErrDecryption, "a value moved to another key must not decrypt")
}

func TestStoreKey_RowBoundToKeyWithSeparatorInNames(t *testing.T) {
	sk := newStoreKey(t)
	row, err := sk.EncryptEntry(&models.Entry{Category: "a\x00b", Name: "c", Value: []byte("v")})
	require.NoError(t, err)

	row.Category, row.Name = "a", "b\x00c"
	_, err = sk.DecryptEntry(row)
	require.ErrorIs(t, err, common.ErrDecryption)

	assert.NotEqual(t, valueAAD("a\x00b", "c"), valueAAD("a", "b\x00c"))
}
