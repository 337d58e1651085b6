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

// unlimitedUses marks a client secret that never runs out. Limited secrets
// count down to zero.
const unlimitedUses = -1

// ErrInvalidCredentials hides which half of a client id/secret pair was wrong.
var ErrInvalidCredentials = errors.New("invalid client id or client secret")

// MachineIdentityService manages service accounts that log in with a client
// id and secret. Tokens they receive act for the identity itself.
type MachineIdentityService struct {
	store  storage.StorageBackend
	tokens *TokenService
}

// NewMachineIdentityService creates a MachineIdentityService.
func NewMachineIdentityService(store storage.StorageBackend, tokens *TokenService) *MachineIdentityService {
	return &MachineIdentityService{store: store, tokens: tokens}
}

// CreateIdentity creates or updates a machine identity.
func (s *MachineIdentityService) CreateIdentity(ctx context.Context, name string, policies []string, secretTTL, tokenTTL time.Duration) (*models.MachineIdentity, error) {
	mi := &models.MachineIdentity{
		ID:              uuid.NewString(),
		Name:            name,
		Policies:        policies,
		ClientSecretTTL: secretTTL,
		TokenTTL:        tokenTTL,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.WriteMachineIdentity(ctx, mi); err != nil {
		return nil, fmt.Errorf("creating machine identity: %w", err)
	}
	// An upsert keeps the original ID.
	return s.store.GetMachineIdentity(ctx, name)
}

// GetIdentity returns a machine identity by name.
func (s *MachineIdentityService) GetIdentity(ctx context.Context, name string) (*models.MachineIdentity, error) {
	return s.store.GetMachineIdentity(ctx, name)
}

// GenerateClientSecret issues a new client secret for the named identity.
// uses of 0 means unlimited.
func (s *MachineIdentityService) GenerateClientSecret(ctx context.Context, name string, uses int) (string, error) {
	mi, err := s.store.GetMachineIdentity(ctx, name)
	if err != nil {
		return "", err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating client secret: %w", err)
	}
	clientSecret := base64.RawURLEncoding.EncodeToString(raw)

	var expiresAt *time.Time
	if mi.ClientSecretTTL > 0 {
		t := time.Now().Add(mi.ClientSecretTTL).UTC()
		expiresAt = &t
	}

	remaining := uses
	if uses <= 0 {
		remaining = unlimitedUses
	}
	secret := &models.MachineIdentitySecret{
		ID:            uuid.NewString(),
		IdentityID:    mi.ID,
		SecretHash:    hashClientSecret(clientSecret),
		UsesRemaining: remaining,
		ExpiresAt:     expiresAt,
	}
	if err := s.store.WriteMachineIdentitySecret(ctx, secret); err != nil {
		return "", fmt.Errorf("persisting client secret: %w", err)
	}
	return clientSecret, nil
}

// Login validates clientID + clientSecret and issues a token for the identity.
func (s *MachineIdentityService) Login(ctx context.Context, clientID, clientSecret string) (*models.Token, string, error) {
	mi, err := s.store.GetMachineIdentityByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}

	hash := hashClientSecret(clientSecret)
	secret, err := s.store.GetMachineIdentitySecret(ctx, hash)
	if err != nil || secret.IdentityID != mi.ID {
		return nil, "", ErrInvalidCredentials
	}
	if secret.ExpiresAt != nil && time.Now().After(*secret.ExpiresAt) {
		return nil, "", errors.New("client secret has expired")
	}
	if secret.UsesRemaining == 0 {
		return nil, "", errors.New("client secret has been exhausted")
	}

	if err := s.store.ConsumeMachineIdentitySecret(ctx, hash); err != nil {
		return nil, "", fmt.Errorf("consuming client secret: %w", err)
	}

	return s.tokens.CreateToken(ctx, TokenParams{
		DisplayName: "machine:" + mi.Name,
		SubjectID:   mi.ID,
		SubjectType: models.SubjectMachine,
		Policies:    mi.Policies,
		TTL:         mi.TokenTTL,
	})
}

func hashClientSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}
