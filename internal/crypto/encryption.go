// Package crypto implements at-rest encryption for memory content (A4):
// AES-256-GCM keyed per user via HKDF, grounded on the teacher's
// internal/crypto/encryption.go. Key derivation is purpose-scoped rather
// than using one fixed HKDF info string, so that encrypting a long-term
// memory record never shares a derived key with any other field class
// this service might later be asked to protect, even for the same user.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Purpose namespaces a derived key to one class of protected field.
// LongTermMemoryContent is the only purpose this repository currently
// exercises; the type exists so a second field class (e.g. a future
// user-profile secret) derives an independent key rather than reusing
// this one under a different label.
type Purpose string

const LongTermMemoryContent Purpose = "long-term-memory-content"

// EncryptionService derives per-user, per-purpose keys from one master key
// and performs AES-256-GCM encryption under them.
type EncryptionService struct {
	masterKey []byte
}

// NewEncryptionService creates a new encryption service with the given
// master key. masterKeyHex must be a 32-byte hex-encoded string (64 hex
// characters).
func NewEncryptionService(masterKeyHex string) (*EncryptionService, error) {
	if masterKeyHex == "" {
		return nil, errors.New("encryption master key is required")
	}

	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid master key format (must be hex): %w", err)
	}

	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes (64 hex characters), got %d bytes", len(masterKey))
	}

	return &EncryptionService{masterKey: masterKey}, nil
}

// deriveKey derives a key scoped to both userID (the HKDF salt) and
// purpose (folded into the HKDF info alongside a fixed domain label), so
// compromising the key derived for one purpose does not expose another
// purpose's key for the same user.
func (e *EncryptionService) deriveKey(userID string, purpose Purpose) ([]byte, error) {
	if userID == "" {
		return nil, errors.New("user ID is required for key derivation")
	}
	if purpose == "" {
		return nil, errors.New("purpose is required for key derivation")
	}

	info := []byte("ema-encryption:" + string(purpose))
	hkdfReader := hkdf.New(sha256.New, e.masterKey, []byte(userID), info)

	key := make([]byte, 32) // AES-256 requires a 32-byte key
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext under the key derived for (userID, purpose)
// using AES-256-GCM. Returns base64-encoded ciphertext with the nonce
// prepended.
func (e *EncryptionService) Encrypt(userID string, purpose Purpose, plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", nil
	}

	key, err := e.deriveKey(userID, purpose)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt for the same (userID, purpose) pair.
func (e *EncryptionService) Decrypt(userID string, purpose Purpose, ciphertextB64 string) ([]byte, error) {
	if ciphertextB64 == "" {
		return nil, nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	key, err := e.deriveKey(userID, purpose)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptString is a convenience wrapper over Encrypt for text fields.
func (e *EncryptionService) EncryptString(userID string, purpose Purpose, plaintext string) (string, error) {
	return e.Encrypt(userID, purpose, []byte(plaintext))
}

// DecryptString is a convenience wrapper over Decrypt for text fields.
func (e *EncryptionService) DecryptString(userID string, purpose Purpose, ciphertext string) (string, error) {
	plaintext, err := e.Decrypt(userID, purpose, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// GenerateMasterKey generates a new random 32-byte master key (for setup).
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
