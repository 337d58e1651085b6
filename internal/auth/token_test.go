package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/secretsync/internal/storage"
	"github.com/org/secretsync/pkg/models"
)

func TestCreateAndValidateToken(t *testing.T) {
	ctx := context.Background()
	svc := NewTokenService(storage.NewMemoryBackend())

	tok, plaintext, err := svc.CreateToken(ctx, TokenParams{DisplayName: "ci", Policies: []string{"default"}, TTL: time.Hour})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plaintext, tokenPrefix))
	assert.Equal(t, models.SubjectUser, tok.SubjectType)
	assert.Equal(t, tok.ID, tok.SubjectID, "a token without a subject acts for itself")

	got, err := svc.ValidateToken(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)

	_, err = svc.ValidateToken(ctx, plaintext+"x")
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestRevokeTokenRevokesChildren(t *testing.T) {
	ctx := context.Background()
	svc := NewTokenService(storage.NewMemoryBackend())

	parent, parentPlain, err := svc.CreateToken(ctx, TokenParams{Policies: []string{"root"}})
	require.NoError(t, err)
	_, childPlain, err := svc.CreateToken(ctx, TokenParams{Policies: []string{"default"}, ParentID: &parent.ID})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeToken(ctx, parent.ID))

	_, err = svc.ValidateToken(ctx, parentPlain)
	assert.True(t, errors.Is(err, ErrTokenRevoked))
	_, err = svc.ValidateToken(ctx, childPlain)
	assert.True(t, errors.Is(err, ErrTokenRevoked))
}

func TestExpiredToken(t *testing.T) {
	ctx := context.Background()
	svc := NewTokenService(storage.NewMemoryBackend())

	_, plaintext, err := svc.CreateToken(ctx, TokenParams{TTL: time.Nanosecond})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	_, err = svc.ValidateToken(ctx, plaintext)
	assert.True(t, errors.Is(err, ErrTokenExpired))
}

func TestRenewToken(t *testing.T) {
	ctx := context.Background()
	svc := NewTokenService(storage.NewMemoryBackend())

	fixed, _, err := svc.CreateToken(ctx, TokenParams{TTL: time.Minute})
	require.NoError(t, err)
	_, err = svc.RenewToken(ctx, fixed, time.Hour)
	assert.Error(t, err, "non-renewable tokens cannot be renewed")

	tok, plaintext, err := svc.CreateToken(ctx, TokenParams{TTL: time.Minute, Renewable: true})
	require.NoError(t, err)
	expiry, err := svc.RenewToken(ctx, tok, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiry, time.Minute)

	got, err := svc.ValidateToken(ctx, plaintext)
	require.NoError(t, err)
	assert.WithinDuration(t, expiry, got.ExpiresAt, time.Second)
}

func TestMachineLogin(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	tokens := NewTokenService(store)
	svc := NewMachineIdentityService(store, tokens)

	mi, err := svc.CreateIdentity(ctx, "deployer", []string{"default"}, 0, 10*time.Minute)
	require.NoError(t, err)

	again, err := svc.CreateIdentity(ctx, "deployer", []string{"default", "dev"}, 0, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, mi.ID, again.ID, "updating an identity keeps its client id")
	assert.Equal(t, []string{"default", "dev"}, again.Policies)

	secret, err := svc.GenerateClientSecret(ctx, "deployer", 2)
	require.NoError(t, err)

	tok, plaintext, err := svc.Login(ctx, mi.ID, secret)
	require.NoError(t, err)
	assert.Equal(t, models.SubjectMachine, tok.SubjectType)
	assert.Equal(t, mi.ID, tok.SubjectID)
	assert.Equal(t, 10*time.Minute, tok.TTL)
	_, err = tokens.ValidateToken(ctx, plaintext)
	require.NoError(t, err)

	_, _, err = svc.Login(ctx, mi.ID, secret)
	require.NoError(t, err)
	_, _, err = svc.Login(ctx, mi.ID, secret)
	assert.Error(t, err, "the secret allowed two logins")
}

func TestMachineLoginUnlimitedAndWrongCredentials(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	svc := NewMachineIdentityService(store, NewTokenService(store))

	a, err := svc.CreateIdentity(ctx, "a", nil, 0, time.Hour)
	require.NoError(t, err)
	b, err := svc.CreateIdentity(ctx, "b", nil, 0, time.Hour)
	require.NoError(t, err)

	secretA, err := svc.GenerateClientSecret(ctx, "a", 0)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, _, err := svc.Login(ctx, a.ID, secretA)
		require.NoError(t, err, "login %d", i)
	}

	_, _, err = svc.Login(ctx, b.ID, secretA)
	assert.True(t, errors.Is(err, ErrInvalidCredentials), "a secret is bound to its identity")
	_, _, err = svc.Login(ctx, "missing", secretA)
	assert.True(t, errors.Is(err, ErrInvalidCredentials))

	_, err = svc.GenerateClientSecret(ctx, "missing", 1)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestMachineClientSecretExpiry(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	svc := NewMachineIdentityService(store, NewTokenService(store))

	mi, err := svc.CreateIdentity(ctx, "short", nil, time.Nanosecond, time.Hour)
	require.NoError(t, err)
	secret, err := svc.GenerateClientSecret(ctx, "short", 0)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	_, _, err = svc.Login(ctx, mi.ID, secret)
	assert.Error(t, err)
}
