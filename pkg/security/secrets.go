package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// KeyManager protects the cluster's shared symmetric key (C8) at rest. It
// only concerns itself with how the key is stored on disk between daemon
// restarts; the transport does not use the key.
type KeyManager struct {
	wrapKey []byte // 32 bytes, AES-256
}

// NewKeyManager builds a manager that wraps cluster keys with wrapKey,
// which must be 32 bytes (AES-256).
func NewKeyManager(wrapKey []byte) (*KeyManager, error) {
	if len(wrapKey) != 32 {
		return nil, fmt.Errorf("wrap key must be 32 bytes for AES-256, got %d", len(wrapKey))
	}
	return &KeyManager{wrapKey: wrapKey}, nil
}

// NewKeyManagerFromPassphrase derives a 32-byte wrap key from an
// operator-supplied passphrase via SHA-256.
func NewKeyManagerFromPassphrase(passphrase string) (*KeyManager, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	hash := sha256.Sum256([]byte(passphrase))
	return NewKeyManager(hash[:])
}

// WrapClusterKey encrypts the cluster shared key for storage, prepending
// the GCM nonce to the ciphertext.
func (km *KeyManager) WrapClusterKey(clusterKey []byte) ([]byte, error) {
	if len(clusterKey) == 0 {
		return nil, fmt.Errorf("cluster key cannot be empty")
	}

	gcm, err := km.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, clusterKey, nil), nil
}

// UnwrapClusterKey reverses WrapClusterKey.
func (km *KeyManager) UnwrapClusterKey(wrapped []byte) ([]byte, error) {
	gcm, err := km.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(wrapped) < nonceSize {
		return nil, fmt.Errorf("wrapped key too short")
	}

	nonce, ciphertext := wrapped[:nonceSize], wrapped[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap cluster key: %w", err)
	}
	return plaintext, nil
}

func (km *KeyManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(km.wrapKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// DeriveClusterKey derives a 32-byte default cluster key from the cluster
// name, used when no explicit key or key file is configured (spec.md §6).
func DeriveClusterKey(clusterName string) []byte {
	hash := sha256.Sum256([]byte(clusterName))
	return hash[:]
}
