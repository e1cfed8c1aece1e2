package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Encryption provides AES-GCM encryption/decryption for per-user provider
// credentials at rest. Secrets are stored as base64 ciphertext and only
// decrypted inside the credential store collaborator.
type Encryption struct {
	key []byte
}

// NewEncryption creates a new encryption service with the given key
// The key should be 16, 24, or 32 bytes for AES-128, AES-192, or AES-256
func NewEncryption(key []byte) (*Encryption, error) {
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, fmt.Errorf("invalid key size: must be 16, 24, or 32 bytes, got %d", len(key))
	}

	return &Encryption{
		key: key,
	}, nil
}

// NewEncryptionFromBase64 creates a new encryption service from a base64-encoded key
func NewEncryptionFromBase64(encodedKey string) (*Encryption, error) {
	if encodedKey == "" {
		return nil, fmt.Errorf("encryption key cannot be empty")
	}

	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}

	return NewEncryption(key)
}

// GenerateKey generates a new random encryption key of the specified size
// Returns the key as a base64-encoded string for easy storage in environment variables
func GenerateKey(keySize int) (string, error) {
	if keySize != 16 && keySize != 24 && keySize != 32 {
		return "", fmt.Errorf("invalid key size: must be 16, 24, or 32 bytes")
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(key), nil
}

func (e *Encryption) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext with AES-GCM, prepends the nonce and returns the
// result base64-encoded.
func (e *Encryption) Encrypt(plaintext []byte) (string, error) {
	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt, expecting the nonce at the front of the
// base64-decoded ciphertext.
func (e *Encryption) Decrypt(ciphertextBase64 string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// EncryptString encrypts a secret string, returning "" for "".
func (e *Encryption) EncryptString(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return e.Encrypt([]byte(plaintext))
}

// DecryptString decrypts a stored secret, returning "" for "".
func (e *Encryption) DecryptString(ciphertextBase64 string) (string, error) {
	if ciphertextBase64 == "" {
		return "", nil
	}
	plaintext, err := e.Decrypt(ciphertextBase64)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
