package models

import "time"

// Subject types a token can act for.
const (
	SubjectUser    = "user"
	SubjectMachine = "machine"
)

// Token represents an auth token. SubjectID is the caller identity the
// secret engine scopes personal secrets to.
type Token struct {
	ID          string
	DisplayName string
	SubjectID   string
	SubjectType string
	Policies    []string
	TTL         time.Duration
	Renewable   bool
	CreatedAt   time.Time
	ExpiresAt   time.Time
	RevokedAt   *time.Time
	ParentID    *string
}

// IsExpired returns true if the token has passed its expiry time.
func (t *Token) IsExpired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// IsRevoked returns true if the token has been revoked.
func (t *Token) IsRevoked() bool {
	return t.RevokedAt != nil
}

// MachineIdentity is a service account that logs in with a client id and secret.
type MachineIdentity struct {
	ID              string
	Name            string
	Policies        []string
	ClientSecretTTL time.Duration
	TokenTTL        time.Duration
	CreatedAt       time.Time
}

// MachineIdentitySecret is one issued client secret for a MachineIdentity.
// UsesRemaining counts down to zero; a negative value never runs out.
type MachineIdentitySecret struct {
	ID            string
	IdentityID    string
	SecretHash    string
	UsesRemaining int
	ExpiresAt     *time.Time
	UsedAt        *time.Time
}
