package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if len(key) != KeySize {
		t.Errorf("expected %d bytes, got %d", KeySize, len(key))
	}
	key2, _ := GenerateKey()
	if bytes.Equal(key, key2) {
		t.Error("two keys should not be equal")
	}
}

func TestParseKey(t *testing.T) {
	key, _ := GenerateKey()
	parsed, err := ParseKey(EncodeKey(key))
	if err != nil {
		t.Fatalf("ParseKey failed: %v", err)
	}
	if !bytes.Equal(key, parsed) {
		t.Error("parsed key should match original")
	}
	if _, err := ParseKey(EncodeKey([]byte("short"))); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := ParseKey("not base64!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestDeriveKey(t *testing.T) {
	root, _ := GenerateKey()
	k1, err := DeriveKey(root, "ctx-a")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	k2, _ := DeriveKey(root, "ctx-a")
	if !bytes.Equal(k1, k2) {
		t.Error("derivation should be deterministic")
	}
	k3, _ := DeriveKey(root, "ctx-b")
	if bytes.Equal(k1, k3) {
		t.Error("different contexts should yield different keys")
	}
}

func TestAESGCMRoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	plaintext := []byte("super secret value 12345")

	ct, iv, tag, err := EncryptAESGCM(plaintext, key)
	if err != nil {
		t.Fatalf("EncryptAESGCM failed: %v", err)
	}
	if len(tag) != 16 {
		t.Errorf("expected 16 byte tag, got %d", len(tag))
	}
	if len(ct) != len(plaintext) {
		t.Errorf("ciphertext length %d, want %d", len(ct), len(plaintext))
	}

	decrypted, err := DecryptAESGCM(ct, iv, tag, key)
	if err != nil {
		t.Fatalf("DecryptAESGCM failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted %q != original %q", decrypted, plaintext)
	}
}

func TestAESGCMWrongKey(t *testing.T) {
	key, _ := GenerateKey()
	wrongKey, _ := GenerateKey()

	ct, iv, tag, _ := EncryptAESGCM([]byte("secret data"), key)
	_, err := DecryptAESGCM(ct, iv, tag, wrongKey)
	if !errors.Is(err, ErrDecrypt) {
		t.Errorf("expected ErrDecrypt, got %v", err)
	}
}

func TestAESGCMTamperedTag(t *testing.T) {
	key, _ := GenerateKey()
	ct, iv, tag, _ := EncryptAESGCM([]byte("secret data"), key)
	tag[0] ^= 0xff
	if _, err := DecryptAESGCM(ct, iv, tag, key); !errors.Is(err, ErrDecrypt) {
		t.Errorf("expected ErrDecrypt, got %v", err)
	}
}

func TestContentHash(t *testing.T) {
	key, _ := GenerateKey()
	other, _ := GenerateKey()

	h1, err := ContentHash([]byte("DB_URL"), key)
	if err != nil {
		t.Fatalf("ContentHash failed: %v", err)
	}
	h2, _ := ContentHash([]byte("DB_URL"), key)
	if h1 != h2 {
		t.Error("hash should be deterministic for the same key")
	}
	h3, _ := ContentHash([]byte("DB_URL"), other)
	if h1 == h3 {
		t.Error("hash should depend on the key")
	}
	h4, _ := ContentHash([]byte("DB_HOST"), key)
	if h1 == h4 {
		t.Error("different plaintexts should hash differently")
	}
}

func TestFieldRoundTrip(t *testing.T) {
	key, _ := GenerateKey()

	f, err := EncryptField("postgres://localhost", key)
	if err != nil {
		t.Fatalf("EncryptField failed: %v", err)
	}
	if f.Ciphertext == "" || f.IV == "" || f.Tag == "" || f.Hash == "" {
		t.Fatalf("field has empty parts: %+v", f)
	}
	got, err := DecryptField(f, key)
	if err != nil {
		t.Fatalf("DecryptField failed: %v", err)
	}
	if got != "postgres://localhost" {
		t.Errorf("got %q", got)
	}

	// Two encryptions differ in ciphertext but agree on hash.
	g, _ := EncryptField("postgres://localhost", key)
	if g.Ciphertext == f.Ciphertext {
		t.Error("ciphertexts should differ across encryptions")
	}
	if g.Hash != f.Hash {
		t.Error("hashes should match for equal plaintexts")
	}

	f.IV = "%%%"
	if _, err := DecryptField(f, key); !errors.Is(err, ErrDecrypt) {
		t.Errorf("expected ErrDecrypt for malformed iv, got %v", err)
	}
}
