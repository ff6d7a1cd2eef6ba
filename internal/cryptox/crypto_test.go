package cryptox

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tinfoilsh/chatsync/internal/common"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	key := common.GenerateRandByteArray(32)
	plaintext := []byte("hello, world")

	blob, err := Seal(plaintext, key)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, blob)

	back, err := Open(blob, key)
	require.NoError(t, err)
	require.Equal(t, plaintext, back)
}

func TestSeal_FreshNoncePerCall(t *testing.T) {
	key := common.GenerateRandByteArray(32)

	a, err := Seal([]byte("same"), key)
	require.NoError(t, err)
	b, err := Seal([]byte("same"), key)
	require.NoError(t, err)

	require.NotEqual(t, a, b, "two seals of the same plaintext must differ")
}

func TestOpen_WrongKeyFails(t *testing.T) {
	key := common.GenerateRandByteArray(32)
	other := common.GenerateRandByteArray(32)

	blob, err := Seal([]byte("secret"), key)
	require.NoError(t, err)

	_, err = Open(blob, other)
	require.Error(t, err)
}

func TestOpen_TruncatedBlob(t *testing.T) {
	key := common.GenerateRandByteArray(32)
	_, err := Open([]byte{1, 2, 3}, key)
	require.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestOpen_TamperedCiphertext(t *testing.T) {
	key := common.GenerateRandByteArray(32)
	blob, err := Seal([]byte("secret"), key)
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0xFF
	_, err = Open(blob, key)
	require.Error(t, err)
}

func TestSealRecord_RoundTrip(t *testing.T) {
	type rec struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	key := common.GenerateRandByteArray(32)

	blob, err := SealRecord(rec{ID: "a", Title: "b"}, key)
	require.NoError(t, err)

	var back rec
	require.NoError(t, OpenRecord(blob, key, &back))
	require.Equal(t, rec{ID: "a", Title: "b"}, back)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	salt := common.GenerateRandByteArray(16)

	k1 := DeriveKey([]byte("correct horse"), salt)
	k2 := DeriveKey([]byte("correct horse"), salt)
	k3 := DeriveKey([]byte("battery staple"), salt)

	require.Len(t, k1, 32)
	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, k3)
}

func TestMakeVerifier_StableAndKeyed(t *testing.T) {
	key := common.GenerateRandByteArray(32)
	v1 := MakeVerifier(key)
	v2 := MakeVerifier(key)
	require.Equal(t, v1, v2)
	require.Len(t, v1, 32)
	require.NotEqual(t, key, v1)
}
