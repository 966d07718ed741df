package cryptoutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ioustamora/datamesh/internal/dmerrors"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	priv, pub, err := GenerateKeypair()
	require.NoError(t, err)

	plaintext := []byte("hello datamesh")
	ciphertext, err := Encrypt(pub, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	got, err := Decrypt(priv, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecryptAuthenticationFailure(t *testing.T) {
	priv, pub, err := GenerateKeypair()
	require.NoError(t, err)

	ciphertext, err := Encrypt(pub, []byte("payload"))
	require.NoError(t, err)

	// Flip a byte in the sealed body to break the auth tag.
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = Decrypt(priv, ciphertext)
	require.ErrorIs(t, err, dmerrors.ErrAuthenticationFailed)
}

func TestHashHexDeterministic(t *testing.T) {
	a := HashHex([]byte("same bytes"))
	b := HashHex([]byte("same bytes"))
	require.Equal(t, a, b)
	require.Len(t, a, 64)

	c := HashHex([]byte("different"))
	require.NotEqual(t, a, c)
}

func TestKeyHexRoundTrip(t *testing.T) {
	_, pub, err := GenerateKeypair()
	require.NoError(t, err)

	hex := EncodeHex(pub[:])
	decoded, err := DecodePublicKeyHex(hex)
	require.NoError(t, err)
	require.Equal(t, pub, decoded)

	_, err = DecodePublicKeyHex("not-hex")
	require.Error(t, err)

	_, err = DecodePublicKeyHex("ab") // too short
	require.Error(t, err)
}
