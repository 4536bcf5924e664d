package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// aesPrefix tags values sealed by the in-process provider so they are
// never confused with another provider's ciphertext.
const aesPrefix = "aes:v1:"

// ErrMalformedCiphertext is returned for values this provider did not
// produce.
var ErrMalformedCiphertext = errors.New("malformed ciphertext")

func init() {
	registerProvider("aes", func(cfg Config) (Store, error) {
		if cfg.EncryptionKey == "" {
			return Unavailable(), nil
		}
		return newAESStore(cfg.EncryptionKey)
	})
}

// aesStore seals values with AES-256-GCM under a SHA-256 digest of the
// configured key. Key material stays in process memory.
type aesStore struct {
	aead cipher.AEAD
}

func newAESStore(key string) (*aesStore, error) {
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("aes secret store: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aes secret store: %w", err)
	}
	return &aesStore{aead: aead}, nil
}

func (s *aesStore) Encrypt(ctx context.Context, plaintext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("aes encrypt: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return aesPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (s *aesStore) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	payload, ok := strings.CutPrefix(ciphertext, aesPrefix)
	if !ok {
		return "", fmt.Errorf("aes decrypt: %w", ErrMalformedCiphertext)
	}
	data, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil || len(data) < s.aead.NonceSize() {
		return "", fmt.Errorf("aes decrypt: %w", ErrMalformedCiphertext)
	}
	n := s.aead.NonceSize()
	plain, err := s.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("aes decrypt: %w", err)
	}
	return string(plain), nil
}
