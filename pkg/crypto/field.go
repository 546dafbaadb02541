// Package crypto implements field-level encryption at rest for sensitive
// Store columns (email bodies, classification reasoning, audit details),
// with support for key rotation via a tagged key id.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"time"
)

// Algo identifies the encryption algorithm used for an EncryptedField.
const Algo = "AES-256-GCM"

// EncryptedField is the on-disk envelope for an encrypted sensitive value,
// per the persisted state layout: {ciphertext, key_id, algo, timestamp}.
type EncryptedField struct {
	Ciphertext  string    `json:"ciphertext"`
	KeyID       string    `json:"key_id"`
	Algo        string    `json:"algo"`
	EncryptedAt time.Time `json:"timestamp"`
}

// KeyRing holds one or more named 32-byte AES-256 keys. Encrypt always
// uses ActiveKeyID; Decrypt looks up the key by the envelope's KeyID so
// values encrypted under a retired key remain readable after rotation.
type KeyRing struct {
	ActiveKeyID string
	keys        map[string][]byte
}

// NewKeyRing builds a KeyRing from a map of key id to raw 32-byte key
// material. activeKeyID must be present in keys.
func NewKeyRing(keys map[string][]byte, activeKeyID string) (*KeyRing, error) {
	if _, ok := keys[activeKeyID]; !ok {
		return nil, fmt.Errorf("crypto: active key id %q not present in key ring", activeKeyID)
	}
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("crypto: key %q must be 32 bytes for AES-256, got %d", id, len(key))
		}
	}
	return &KeyRing{ActiveKeyID: activeKeyID, keys: keys}, nil
}

// Encrypt seals plaintext under the active key and returns the envelope.
func (r *KeyRing) Encrypt(plaintext []byte) (EncryptedField, error) {
	return r.encryptWithKey(r.ActiveKeyID, plaintext)
}

func (r *KeyRing) encryptWithKey(keyID string, plaintext []byte) (EncryptedField, error) {
	key, ok := r.keys[keyID]
	if !ok {
		return EncryptedField{}, fmt.Errorf("crypto: unknown key id %q", keyID)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return EncryptedField{}, fmt.Errorf("crypto: building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return EncryptedField{}, fmt.Errorf("crypto: building GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return EncryptedField{}, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return EncryptedField{
		Ciphertext:  base64.StdEncoding.EncodeToString(sealed),
		KeyID:       keyID,
		Algo:        Algo,
		EncryptedAt: time.Now().UTC(),
	}, nil
}

// Decrypt opens an EncryptedField using the key named in the envelope.
func (r *KeyRing) Decrypt(field EncryptedField) ([]byte, error) {
	if field.Algo != Algo {
		return nil, fmt.Errorf("crypto: unsupported algo %q", field.Algo)
	}
	key, ok := r.keys[field.KeyID]
	if !ok {
		return nil, fmt.Errorf("crypto: unknown key id %q; cannot decrypt value encrypted under a retired key that is no longer configured", field.KeyID)
	}

	sealed, err := base64.StdEncoding.DecodeString(field.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: building GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("crypto: ciphertext too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypting: %w", err)
	}
	return plaintext, nil
}

// EncryptString is a convenience wrapper around Encrypt for text fields.
func (r *KeyRing) EncryptString(s string) (EncryptedField, error) {
	return r.Encrypt([]byte(s))
}

// DecryptString is a convenience wrapper around Decrypt for text fields.
func (r *KeyRing) DecryptString(field EncryptedField) (string, error) {
	plaintext, err := r.Decrypt(field)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
