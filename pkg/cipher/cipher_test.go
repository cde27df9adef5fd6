package cipher_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corestream/eventcore/pkg/cipher"
	"github.com/corestream/eventcore/pkg/eventerr"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := cipher.NewAESGCM([]byte("a passphrase of any length"), nil, nil)
	require.NoError(t, err)

	plaintext := []byte("originator-version state bytes")
	ciphertext, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	got, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptProducesDistinctCiphertextsForSamePlaintext(t *testing.T) {
	c, err := cipher.NewAESGCM([]byte("key material"), nil, nil)
	require.NoError(t, err)

	a, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "fresh random nonce per call must vary the ciphertext")
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	c, err := cipher.NewAESGCM([]byte("key material"), nil, nil)
	require.NoError(t, err)

	ciphertext, err := c.Encrypt([]byte("hello"))
	require.NoError(t, err)

	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = c.Decrypt(tampered)
	require.Error(t, err)

	var decErr *eventerr.DecryptionError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, eventerr.DecryptionAuthentication, decErr.Kind)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	a, err := cipher.NewAESGCM([]byte("key one"), nil, nil)
	require.NoError(t, err)
	b, err := cipher.NewAESGCM([]byte("key two"), nil, nil)
	require.NoError(t, err)

	ciphertext, err := a.Encrypt([]byte("hello"))
	require.NoError(t, err)

	_, err = b.Decrypt(ciphertext)
	require.Error(t, err)
	assert.ErrorIs(t, err, eventerr.ErrDecryption)
}

func TestNewAESGCMRejectsEmptyKeyMaterial(t *testing.T) {
	_, err := cipher.NewAESGCM(nil, nil, nil)
	require.Error(t, err)
}

func TestDecryptRejectsTruncatedCiphertext(t *testing.T) {
	c, err := cipher.NewAESGCM([]byte("key material"), nil, nil)
	require.NoError(t, err)

	_, err = c.Decrypt([]byte("short"))
	require.Error(t, err)
	assert.ErrorIs(t, err, eventerr.ErrDecryption)
}
