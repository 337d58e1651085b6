package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/org/secretsync/pkg/models"
)

// KeySize is the length in bytes of a workspace key.
const KeySize = 32

const (
	tagSize     = 16
	hashContext = "secretsync-content-hash-v1"
)

// ErrDecrypt is returned when ciphertext fails authentication.
var ErrDecrypt = errors.New("decryption failed")

// GenerateKey generates a 32-byte cryptographically secure random workspace key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// EncodeKey renders a key for config files and request bodies.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// ParseKey decodes a base64 workspace key and checks its length.
func ParseKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// DeriveKey derives a purpose-bound subkey from root using HKDF-SHA256.
func DeriveKey(root []byte, context string) ([]byte, error) {
	sub := make([]byte, KeySize)
	r := hkdf.New(sha256.New, root, nil, []byte(context))
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return sub, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// EncryptAESGCM encrypts plaintext with AES-256-GCM. The authentication tag
// is returned apart from the ciphertext.
func EncryptAESGCM(plaintext, key []byte) (ciphertext, iv, tag []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}
	iv = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - tagSize
	return sealed[:split], iv, sealed[split:], nil
}

// DecryptAESGCM decrypts AES-256-GCM ciphertext. A tag mismatch yields ErrDecrypt.
func DecryptAESGCM(ciphertext, iv, tag, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad iv length %d", ErrDecrypt, len(iv))
	}
	if len(tag) != tagSize {
		return nil, fmt.Errorf("%w: bad tag length %d", ErrDecrypt, len(tag))
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// ContentHash fingerprints plaintext under a key derived from the workspace
// key. Equal plaintexts hash equal; the hash reveals nothing without the key.
func ContentHash(plaintext, key []byte) (string, error) {
	hk, err := DeriveKey(key, hashContext)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, hk)
	mac.Write(plaintext)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// EncryptField encrypts and fingerprints a single key or value.
func EncryptField(plaintext string, key []byte) (models.EncryptedField, error) {
	ct, iv, tag, err := EncryptAESGCM([]byte(plaintext), key)
	if err != nil {
		return models.EncryptedField{}, err
	}
	hash, err := ContentHash([]byte(plaintext), key)
	if err != nil {
		return models.EncryptedField{}, err
	}
	return models.EncryptedField{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Tag:        base64.StdEncoding.EncodeToString(tag),
		Hash:       hash,
	}, nil
}

// DecryptField reverses EncryptField. Malformed base64 is reported as ErrDecrypt.
func DecryptField(f models.EncryptedField, key []byte) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(f.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext: %v", ErrDecrypt, err)
	}
	iv, err := base64.StdEncoding.DecodeString(f.IV)
	if err != nil {
		return "", fmt.Errorf("%w: iv: %v", ErrDecrypt, err)
	}
	tag, err := base64.StdEncoding.DecodeString(f.Tag)
	if err != nil {
		return "", fmt.Errorf("%w: tag: %v", ErrDecrypt, err)
	}
	pt, err := DecryptAESGCM(ct, iv, tag, key)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
