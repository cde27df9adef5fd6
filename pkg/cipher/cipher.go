// Package cipher implements the optional authenticated symmetric
// encryption stage of the state pipeline, using AES in GCM mode.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/corestream/eventcore/pkg/eventerr"
	"golang.org/x/crypto/hkdf"
)

const keySize = 32 // AES-256

// Cipher is an authenticated symmetric encryption transform over bytes.
// Tampering with ciphertext is detected on decrypt.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESGCM implements Cipher using AES-256-GCM. Construct with NewAESGCM,
// which derives a fixed-length key from arbitrary key material via
// HKDF-SHA256 so callers may supply a passphrase of any length — key
// length is always validated at construction, never at encrypt/decrypt
// time.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM derives a 32-byte AES-256 key from keyMaterial using
// HKDF-SHA256 with the given salt/info (both may be nil), and constructs a
// ready-to-use GCM cipher. Returns an error if keyMaterial is empty.
func NewAESGCM(keyMaterial, salt, info []byte) (*AESGCM, error) {
	if len(keyMaterial) == 0 {
		return nil, fmt.Errorf("cipher: key material must not be empty")
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, keyMaterial, salt, info)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("cipher: key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce, prepended to the
// returned ciphertext.
func (c *AESGCM) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cipher: nonce generation failed: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt. Any tampering with ciphertext, including a
// single-bit flip, causes this to fail with
// eventerr.DecryptionError{Kind: DecryptionAuthentication}.
func (c *AESGCM) Decrypt(ciphertext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, &eventerr.DecryptionError{Kind: eventerr.DecryptionAuthentication}
	}
	nonce, sealed := ciphertext[:ns], ciphertext[ns:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &eventerr.DecryptionError{Kind: eventerr.DecryptionAuthentication}
	}
	return plaintext, nil
}
