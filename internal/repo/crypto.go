package repo

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// CredentialBox encrypts account session credentials at rest with
// AES-256-GCM. A nil key disables encryption (plaintext passthrough),
// which is only acceptable for local development workspaces.
type CredentialBox struct {
	key []byte
}

func NewCredentialBox(key []byte) (*CredentialBox, error) {
	if key != nil && len(key) != 32 {
		return nil, fmt.Errorf("credential key must be 32 bytes, got %d", len(key))
	}
	return &CredentialBox{key: key}, nil
}

// Seal encrypts a plaintext session credential for storage.
func (b *CredentialBox) Seal(plaintext string) (string, error) {
	if b == nil || b.key == nil {
		return plaintext, nil
	}
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return "v1:" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a stored session credential. Call only at the point the
// credential is handed to the remote client.
func (b *CredentialBox) Open(stored string) (string, error) {
	if b == nil || b.key == nil {
		return stored, nil
	}
	if len(stored) < 3 || stored[:3] != "v1:" {
		return "", errors.New("credential is not in sealed form")
	}
	raw, err := base64.StdEncoding.DecodeString(stored[3:])
	if err != nil {
		return "", fmt.Errorf("decode credential: %w", err)
	}
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("credential too short")
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open credential: %w", err)
	}
	return string(plain), nil
}
