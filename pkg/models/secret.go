package models

import "time"

// SecretType controls who can see a secret inside a workspace environment.
type SecretType string

const (
	SecretTypeShared   SecretType = "shared"
	SecretTypePersonal SecretType = "personal"
)

// Valid reports whether t is a known secret type.
func (t SecretType) Valid() bool {
	return t == SecretTypeShared || t == SecretTypePersonal
}

// EncryptedField is one client-encrypted blob. Ciphertext, IV and Tag are
// base64; Hash is a hex content fingerprint of the plaintext.
type EncryptedField struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
	Hash       string `json:"hash"`
}

// Secret is the current state of one key/value pair in a workspace environment.
// OwnerID is set only for personal secrets.
type Secret struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	Environment string         `json:"environment"`
	Type        SecretType     `json:"type"`
	OwnerID     string         `json:"owner_id,omitempty"`
	Key         EncryptedField `json:"key"`
	Value       EncryptedField `json:"value"`
	Version     int            `json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with s.
func (s *Secret) Clone() *Secret {
	c := *s
	return &c
}

// SecretInput is one entry of a pushed batch.
type SecretInput struct {
	Type  SecretType     `json:"type"`
	Key   EncryptedField `json:"key"`
	Value EncryptedField `json:"value"`
}

// SecretVersion is an immutable copy of a secret at one version number.
type SecretVersion struct {
	ID          string         `json:"id"`
	SecretID    string         `json:"secret_id"`
	Version     int            `json:"version"`
	IsDeleted   bool           `json:"is_deleted"`
	WorkspaceID string         `json:"workspace_id"`
	Environment string         `json:"environment"`
	Type        SecretType     `json:"type"`
	OwnerID     string         `json:"owner_id,omitempty"`
	Key         EncryptedField `json:"key"`
	Value       EncryptedField `json:"value"`
	CreatedAt   time.Time      `json:"created_at"`
}

// SecretSnapshot is a denormalized copy of every secret in a workspace.
type SecretSnapshot struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Version     int       `json:"version"`
	Secrets     []Secret  `json:"secrets"`
	CreatedAt   time.Time `json:"created_at"`
}

// Scope identifies the caller and the workspace environment an operation targets.
type Scope struct {
	UserID      string
	WorkspaceID string
	Environment string
}
