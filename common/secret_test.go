package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plain := "sk-ant-REDACTED"

	encrypted, err := EncryptSecret(plain)
	require.NoError(t, err)
	require.NotEqual(t, plain, encrypted)

	decrypted, err := DecryptSecret(encrypted)
	require.NoError(t, err)
	require.Equal(t, plain, decrypted)
}

func TestEncryptProducesFreshNonce(t *testing.T) {
	a, err := EncryptSecret("same-value")
	require.NoError(t, err)
	b, err := EncryptSecret("same-value")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestEncryptDecryptEmpty(t *testing.T) {
	encrypted, err := EncryptSecret("")
	require.NoError(t, err)
	require.Empty(t, encrypted)

	decrypted, err := DecryptSecret("")
	require.NoError(t, err)
	require.Empty(t, decrypted)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	_, err := DecryptSecret("not base64!!!")
	require.Error(t, err)

	_, err = DecryptSecret("YQ==")
	require.Error(t, err)
}

func TestMaskSecret(t *testing.T) {
	require.Equal(t, "", MaskSecret(""))
	require.Equal(t, "******", MaskSecret("sk-live-value"))
	require.True(t, IsMaskedSecret(MaskSecret("x")))
	require.False(t, IsMaskedSecret("sk-live-value"))
}
