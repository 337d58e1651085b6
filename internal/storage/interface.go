package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/secretsync/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// SecretFilter selects secrets. Empty fields match everything.
type SecretFilter struct {
	WorkspaceID string
	Environment string
	Type        models.SecretType
	OwnerID     string
}

// SecretRepository is the narrow store the secret engine works against.
type SecretRepository interface {
	FindSecrets(ctx context.Context, filter SecretFilter) ([]*models.Secret, error)
	InsertSecrets(ctx context.Context, secrets []*models.Secret) error
	// UpdateSecrets overwrites type, owner, value material, version and
	// updated_at of each secret, matched by ID.
	UpdateSecrets(ctx context.Context, secrets []*models.Secret) error
	DeleteSecrets(ctx context.Context, ids []string) error

	InsertSecretVersions(ctx context.Context, versions []*models.SecretVersion) error
	MarkSecretVersionsDeleted(ctx context.Context, secretIDs []string) error
	ListSecretVersions(ctx context.Context, secretID string) ([]*models.SecretVersion, error)

	LatestSnapshot(ctx context.Context, workspaceID string) (*models.SecretSnapshot, error)
	GetSnapshot(ctx context.Context, workspaceID string, version int) (*models.SecretSnapshot, error)
	ListSnapshots(ctx context.Context, workspaceID string, limit, offset int) ([]*models.SecretSnapshot, error)
	InsertSnapshot(ctx context.Context, snapshot *models.SecretSnapshot) error

	// LockWorkspace blocks until the caller holds the workspace lock. The
	// lock is released when the enclosing transaction ends.
	LockWorkspace(ctx context.Context, workspaceID string) error

	// WithTx runs fn in a transaction. If fn returns an error nothing it
	// wrote is kept. Calling WithTx on a transaction-scoped repository runs
	// fn in the same transaction.
	WithTx(ctx context.Context, fn func(SecretRepository) error) error
}

// StorageBackend defines the persistence interface for secretsync.
type StorageBackend interface {
	SecretRepository

	// Bootstrap
	InitDeployment(ctx context.Context, data *models.InitData) error
	GetInitData(ctx context.Context) (*models.InitData, error)
	IsInitialized(ctx context.Context) (bool, error)

	// Tokens
	WriteToken(ctx context.Context, token *models.Token, tokenHash string) error
	GetToken(ctx context.Context, tokenHash string) (*models.Token, error)
	RevokeToken(ctx context.Context, tokenID string) error
	RevokeTokenChildren(ctx context.Context, parentID string) error
	RenewToken(ctx context.Context, tokenID string, newExpiresAt time.Time) error

	// Machine identities
	WriteMachineIdentity(ctx context.Context, identity *models.MachineIdentity) error
	GetMachineIdentity(ctx context.Context, name string) (*models.MachineIdentity, error)
	GetMachineIdentityByID(ctx context.Context, id string) (*models.MachineIdentity, error)
	WriteMachineIdentitySecret(ctx context.Context, secret *models.MachineIdentitySecret) error
	GetMachineIdentitySecret(ctx context.Context, secretHash string) (*models.MachineIdentitySecret, error)
	ConsumeMachineIdentitySecret(ctx context.Context, secretHash string) error

	// Policies
	WritePolicy(ctx context.Context, policy *models.Policy) error
	GetPolicy(ctx context.Context, name string) (*models.Policy, error)
	DeletePolicy(ctx context.Context, name string) error
	ListPolicies(ctx context.Context) ([]string, error)

	// Audit
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)

	// Metrics helpers
	CountSecrets(ctx context.Context) (int64, error)
	CountActiveTokens(ctx context.Context) (int64, error)

	// Lifecycle
	Close()
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	Path   string
	Since  *time.Time
	Limit  int
	Offset int
}

// IsBuiltinPolicy reports whether name is a policy that cannot be deleted.
func IsBuiltinPolicy(name string) bool {
	return name == "root" || name == "default"
}
