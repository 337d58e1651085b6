package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/org/secretsync/internal/storage"
	"github.com/org/secretsync/pkg/models"
)

const tokenPrefix = "sst_"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token has been revoked")
	ErrTokenExpired = errors.New("token has expired")
)

// TokenParams describes a token to issue. An empty SubjectID makes the token
// its own user subject.
type TokenParams struct {
	DisplayName string
	SubjectID   string
	SubjectType string
	Policies    []string
	TTL         time.Duration
	Renewable   bool
	ParentID    *string
}

// TokenService handles token creation, validation, revocation, and renewal.
type TokenService struct {
	store storage.StorageBackend
}

// NewTokenService creates a TokenService backed by the given storage.
func NewTokenService(store storage.StorageBackend) *TokenService {
	return &TokenService{store: store}
}

// CreateToken generates a new token and persists its hash.
// Returns the token model and the plaintext token string (shown once to the caller).
func (s *TokenService) CreateToken(ctx context.Context, p TokenParams) (*models.Token, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generating token: %w", err)
	}
	plaintext := tokenPrefix + base64.RawURLEncoding.EncodeToString(raw)

	now := time.Now().UTC()
	var expiresAt time.Time
	if p.TTL > 0 {
		expiresAt = now.Add(p.TTL)
	}

	t := &models.Token{
		ID:          uuid.NewString(),
		DisplayName: p.DisplayName,
		SubjectID:   p.SubjectID,
		SubjectType: p.SubjectType,
		Policies:    p.Policies,
		TTL:         p.TTL,
		Renewable:   p.Renewable,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		ParentID:    p.ParentID,
	}
	if t.SubjectType == "" {
		t.SubjectType = models.SubjectUser
	}
	if t.SubjectID == "" {
		t.SubjectID = t.ID
	}

	if err := s.store.WriteToken(ctx, t, hashToken(plaintext)); err != nil {
		return nil, "", fmt.Errorf("persisting token: %w", err)
	}
	return t, plaintext, nil
}

// ValidateToken looks up a token by its plaintext value.
// Returns error if not found, expired, or revoked.
func (s *TokenService) ValidateToken(ctx context.Context, plaintext string) (*models.Token, error) {
	token, err := s.store.GetToken(ctx, hashToken(plaintext))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if token.IsRevoked() {
		return nil, ErrTokenRevoked
	}
	if token.IsExpired() {
		return nil, ErrTokenExpired
	}
	return token, nil
}

// RevokeToken revokes a token and all its children.
func (s *TokenService) RevokeToken(ctx context.Context, tokenID string) error {
	if err := s.store.RevokeToken(ctx, tokenID); err != nil {
		return err
	}
	return s.store.RevokeTokenChildren(ctx, tokenID)
}

// RenewToken extends a renewable token's expiry by ttl from now.
func (s *TokenService) RenewToken(ctx context.Context, token *models.Token, ttl time.Duration) (time.Time, error) {
	if !token.Renewable {
		return time.Time{}, errors.New("token is not renewable")
	}
	if ttl <= 0 {
		ttl = token.TTL
	}
	newExpiry := time.Now().Add(ttl).UTC()
	if err := s.store.RenewToken(ctx, token.ID, newExpiry); err != nil {
		return time.Time{}, err
	}
	return newExpiry, nil
}

// HashToken returns the SHA-256 hex hash of a plaintext token. Exported for use by middleware.
func HashToken(plaintext string) string {
	return hashToken(plaintext)
}

func hashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
