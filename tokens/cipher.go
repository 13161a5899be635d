package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const cipherPrefix = "enc:v1:"

// ErrCipherUnavailable is returned when an encrypted value is read without a key.
var ErrCipherUnavailable = errors.New("tokens: encrypted value found but TOKEN_ENCRYPTION_KEY is not set")

// Cipher encrypts token values at rest with XChaCha20-Poly1305. A nil Cipher
// stores values in plaintext.
type Cipher struct {
	key []byte
}

// NewCipher parses a 32-byte key given as hex or base64. An empty key yields a
// nil cipher.
func NewCipher(raw string) (*Cipher, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	key, err := decodeKey(raw)
	if err != nil {
		return nil, err
	}
	return &Cipher{key: key}, nil
}

func decodeKey(raw string) ([]byte, error) {
	if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) == chacha20poly1305.KeySize {
		return decoded, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(raw); err == nil && len(decoded) == chacha20poly1305.KeySize {
			return decoded, nil
		}
	}
	return nil, fmt.Errorf("tokens: TOKEN_ENCRYPTION_KEY must decode to %d bytes (hex or base64)", chacha20poly1305.KeySize)
}

// Seal encrypts plaintext and prefixes the result with the format marker.
func (c *Cipher) Seal(plaintext string) (string, error) {
	if c == nil || plaintext == "" {
		return plaintext, nil
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("tokens: init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("tokens: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return cipherPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Values without the marker are returned as-is.
func (c *Cipher) Open(value string) (string, error) {
	if !strings.HasPrefix(value, cipherPrefix) {
		return value, nil
	}
	if c == nil {
		return "", ErrCipherUnavailable
	}
	sealed, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, cipherPrefix))
	if err != nil {
		return "", fmt.Errorf("tokens: decode sealed value: %w", err)
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("tokens: init cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return "", errors.New("tokens: sealed value too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("tokens: decrypt: %w", err)
	}
	return string(plaintext), nil
}
