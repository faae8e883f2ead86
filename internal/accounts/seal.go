package accounts

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts credentials at rest with XChaCha20-Poly1305. The key is
// derived from the configured seal key; plaintext credentials only exist in
// memory on the way to a platform API call.
type Sealer struct {
	key []byte
}

// NewSealer derives a sealer from the configured seal key string.
func NewSealer(sealKey string) (*Sealer, error) {
	if sealKey == "" {
		return nil, errors.New("seal key is required")
	}
	sum := sha256.Sum256([]byte(sealKey))
	return &Sealer{key: sum[:]}, nil
}

// Seal encrypts plaintext, prepending the random nonce.
func (s *Sealer) Seal(plaintext string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Unseal decrypts a sealed credential.
func (s *Sealer) Unseal(sealed []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("create aead: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return "", errors.New("sealed credential too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed credential: %w", err)
	}
	return string(plaintext), nil
}
