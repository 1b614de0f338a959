package main

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptBodyRoundTrip(t *testing.T) {
	for _, body := range []string{"", "Your lab results are ready", "Привет 😀"} {
		sealed, err := EncryptBody(body, "clinic-key")
		require.NoError(t, err)
		assert.NotEqual(t, body, sealed)

		opened, err := DecryptBody(sealed, "clinic-key")
		require.NoError(t, err)
		assert.Equal(t, body, opened)
	}
}

func TestEncryptBodyUsesFreshNonce(t *testing.T) {
	a, err := EncryptBody("same", "k")
	require.NoError(t, err)
	b, err := EncryptBody("same", "k")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptBodyErrors(t *testing.T) {
	sealed, err := EncryptBody("secret", "right")
	require.NoError(t, err)

	_, err = DecryptBody(sealed, "wrong")
	assert.Error(t, err)

	_, err = DecryptBody("%%%", "right")
	assert.Error(t, err)

	_, err = DecryptBody(base64.StdEncoding.EncodeToString([]byte("tiny")), "right")
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestSealBody(t *testing.T) {
	redacted, err := sealBody("Appointment at 9am", "")
	require.NoError(t, err)
	assert.Equal(t, "Appoi*****", redacted)

	sealed, err := sealBody("Appointment at 9am", "k")
	require.NoError(t, err)
	opened, err := DecryptBody(sealed, "k")
	require.NoError(t, err)
	assert.Equal(t, "Appointment at 9am", opened)
}
