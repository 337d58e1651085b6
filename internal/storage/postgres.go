package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/secretsync/pkg/models"
)

const pgUniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresBackend is a StorageBackend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
	pgSecretStore
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{
		pool:          pool,
		pgSecretStore: pgSecretStore{db: pool, pool: pool},
	}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// --- Secrets ---

// pgSecretStore implements SecretRepository on either the pool or a transaction.
type pgSecretStore struct {
	db   querier
	pool *pgxpool.Pool
	inTx bool
}

func (s *pgSecretStore) WithTx(ctx context.Context, fn func(SecretRepository) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgSecretStore{db: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *pgSecretStore) LockWorkspace(ctx context.Context, workspaceID string) error {
	if !s.inTx {
		return errors.New("workspace lock requires a transaction")
	}
	_, err := s.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "workspace:"+workspaceID)
	if err != nil {
		return fmt.Errorf("locking workspace: %w", err)
	}
	return nil
}

const secretColumns = `id, workspace_id, environment, type, owner_id,
	key_ciphertext, key_iv, key_tag, key_hash,
	value_ciphertext, value_iv, value_tag, value_hash,
	version, created_at, updated_at`

func (s *pgSecretStore) FindSecrets(ctx context.Context, filter SecretFilter) ([]*models.Secret, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT ` + secretColumns + ` FROM secrets WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.WorkspaceID != "" {
		fmt.Fprintf(&query, ` AND workspace_id = $%d`, n)
		args = append(args, filter.WorkspaceID)
		n++
	}
	if filter.Environment != "" {
		fmt.Fprintf(&query, ` AND environment = $%d`, n)
		args = append(args, filter.Environment)
		n++
	}
	if filter.Type != "" {
		fmt.Fprintf(&query, ` AND type = $%d`, n)
		args = append(args, string(filter.Type))
		n++
	}
	if filter.OwnerID != "" {
		fmt.Fprintf(&query, ` AND owner_id = $%d`, n)
		args = append(args, filter.OwnerID)
	}
	query.WriteString(` ORDER BY environment, created_at, id`)

	rows, err := s.db.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying secrets: %w", err)
	}
	secrets, err := pgx.CollectRows(rows, scanSecret)
	if err != nil {
		return nil, fmt.Errorf("scanning secrets: %w", err)
	}
	return secrets, nil
}

func scanSecret(row pgx.CollectableRow) (*models.Secret, error) {
	var sec models.Secret
	var typ string
	err := row.Scan(&sec.ID, &sec.WorkspaceID, &sec.Environment, &typ, &sec.OwnerID,
		&sec.Key.Ciphertext, &sec.Key.IV, &sec.Key.Tag, &sec.Key.Hash,
		&sec.Value.Ciphertext, &sec.Value.IV, &sec.Value.Tag, &sec.Value.Hash,
		&sec.Version, &sec.CreatedAt, &sec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sec.Type = models.SecretType(typ)
	return &sec, nil
}

func (s *pgSecretStore) InsertSecrets(ctx context.Context, secrets []*models.Secret) error {
	if len(secrets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, sec := range secrets {
		batch.Queue(`INSERT INTO secrets (`+secretColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			sec.ID, sec.WorkspaceID, sec.Environment, string(sec.Type), sec.OwnerID,
			sec.Key.Ciphertext, sec.Key.IV, sec.Key.Tag, sec.Key.Hash,
			sec.Value.Ciphertext, sec.Value.IV, sec.Value.Tag, sec.Value.Hash,
			sec.Version, sec.CreatedAt, sec.UpdatedAt,
		)
	}
	return s.execBatch(ctx, batch, "inserting secret", false)
}

func (s *pgSecretStore) UpdateSecrets(ctx context.Context, secrets []*models.Secret) error {
	if len(secrets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, sec := range secrets {
		batch.Queue(`UPDATE secrets
			SET type = $2, owner_id = $3,
			    value_ciphertext = $4, value_iv = $5, value_tag = $6, value_hash = $7,
			    version = $8, updated_at = $9
			WHERE id = $1`,
			sec.ID, string(sec.Type), sec.OwnerID,
			sec.Value.Ciphertext, sec.Value.IV, sec.Value.Tag, sec.Value.Hash,
			sec.Version, sec.UpdatedAt,
		)
	}
	return s.execBatch(ctx, batch, "updating secret", true)
}

// execBatch runs every queued statement. With mustAffect set, a statement
// that touches no row fails with ErrNotFound.
func (s *pgSecretStore) execBatch(ctx context.Context, batch *pgx.Batch, what string, mustAffect bool) error {
	br := s.db.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			return fmt.Errorf("%s: %w", what, translateError(err))
		}
		if mustAffect && tag.RowsAffected() == 0 {
			return fmt.Errorf("%s: %w", what, ErrNotFound)
		}
	}
	return br.Close()
}

func (s *pgSecretStore) DeleteSecrets(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `DELETE FROM secrets WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("deleting secrets: %w", err)
	}
	return nil
}

// --- Secret versions ---

const versionColumns = `id, secret_id, version, is_deleted, workspace_id, environment, type, owner_id,
	key_ciphertext, key_iv, key_tag, key_hash,
	value_ciphertext, value_iv, value_tag, value_hash, created_at`

func (s *pgSecretStore) InsertSecretVersions(ctx context.Context, versions []*models.SecretVersion) error {
	if len(versions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, v := range versions {
		batch.Queue(`INSERT INTO secret_versions (`+versionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			v.ID, v.SecretID, v.Version, v.IsDeleted, v.WorkspaceID, v.Environment, string(v.Type), v.OwnerID,
			v.Key.Ciphertext, v.Key.IV, v.Key.Tag, v.Key.Hash,
			v.Value.Ciphertext, v.Value.IV, v.Value.Tag, v.Value.Hash, v.CreatedAt,
		)
	}
	return s.execBatch(ctx, batch, "inserting secret version", false)
}

func (s *pgSecretStore) MarkSecretVersionsDeleted(ctx context.Context, secretIDs []string) error {
	if len(secretIDs) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`UPDATE secret_versions SET is_deleted = TRUE WHERE secret_id = ANY($1)`,
		secretIDs,
	)
	if err != nil {
		return fmt.Errorf("marking secret versions deleted: %w", err)
	}
	return nil
}

func (s *pgSecretStore) ListSecretVersions(ctx context.Context, secretID string) ([]*models.SecretVersion, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+versionColumns+` FROM secret_versions WHERE secret_id = $1 ORDER BY version`,
		secretID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying secret versions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.SecretVersion, error) {
		var v models.SecretVersion
		var typ string
		err := row.Scan(&v.ID, &v.SecretID, &v.Version, &v.IsDeleted, &v.WorkspaceID, &v.Environment, &typ, &v.OwnerID,
			&v.Key.Ciphertext, &v.Key.IV, &v.Key.Tag, &v.Key.Hash,
			&v.Value.Ciphertext, &v.Value.IV, &v.Value.Tag, &v.Value.Hash, &v.CreatedAt)
		v.Type = models.SecretType(typ)
		return &v, err
	})
}

// --- Snapshots ---

func (s *pgSecretStore) LatestSnapshot(ctx context.Context, workspaceID string) (*models.SecretSnapshot, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, workspace_id, version, secrets, created_at
		 FROM secret_snapshots WHERE workspace_id = $1
		 ORDER BY version DESC LIMIT 1`,
		workspaceID,
	)
	return scanSnapshot(row)
}

func (s *pgSecretStore) GetSnapshot(ctx context.Context, workspaceID string, version int) (*models.SecretSnapshot, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, workspace_id, version, secrets, created_at
		 FROM secret_snapshots WHERE workspace_id = $1 AND version = $2`,
		workspaceID, version,
	)
	return scanSnapshot(row)
}

func (s *pgSecretStore) ListSnapshots(ctx context.Context, workspaceID string, limit, offset int) ([]*models.SecretSnapshot, error) {
	query := `SELECT id, workspace_id, version, secrets, created_at
		FROM secret_snapshots WHERE workspace_id = $1 ORDER BY version DESC`
	args := []any{workspaceID}
	if limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	} else if offset > 0 {
		query += ` OFFSET $2`
		args = append(args, offset)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.SecretSnapshot, error) {
		return scanSnapshot(row)
	})
}

func scanSnapshot(row pgx.Row) (*models.SecretSnapshot, error) {
	var snap models.SecretSnapshot
	var secretsJSON []byte
	if err := row.Scan(&snap.ID, &snap.WorkspaceID, &snap.Version, &secretsJSON, &snap.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(secretsJSON, &snap.Secrets); err != nil {
		return nil, fmt.Errorf("decoding snapshot secrets: %w", err)
	}
	return &snap, nil
}

func (s *pgSecretStore) InsertSnapshot(ctx context.Context, snap *models.SecretSnapshot) error {
	secrets := snap.Secrets
	if secrets == nil {
		secrets = []models.Secret{}
	}
	secretsJSON, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("encoding snapshot secrets: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO secret_snapshots (id, workspace_id, version, secrets, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		snap.ID, snap.WorkspaceID, snap.Version, secretsJSON, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", translateError(err))
	}
	return nil
}

// translateError maps constraint violations onto storage sentinels.
func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
	}
	return err
}

// --- Bootstrap ---

func (p *PostgresBackend) InitDeployment(ctx context.Context, data *models.InitData) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO deployment_init (root_token_id, initialized_at) VALUES ($1, $2)`,
		data.RootTokenID, data.InitializedAt,
	)
	return err
}

func (p *PostgresBackend) GetInitData(ctx context.Context) (*models.InitData, error) {
	var d models.InitData
	err := p.pool.QueryRow(ctx,
		`SELECT root_token_id, initialized_at FROM deployment_init ORDER BY id LIMIT 1`,
	).Scan(&d.RootTokenID, &d.InitializedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (p *PostgresBackend) IsInitialized(ctx context.Context) (bool, error) {
	var count int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deployment_init`).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// --- Tokens ---

func (p *PostgresBackend) WriteToken(ctx context.Context, token *models.Token, tokenHash string) error {
	ttlSec := int64(token.TTL.Seconds())
	_, err := p.pool.Exec(ctx,
		`INSERT INTO tokens (id, token_hash, display_name, subject_id, subject_type, policies, ttl_seconds, renewable, created_at, expires_at, parent_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE
		 SET display_name = EXCLUDED.display_name,
		     policies = EXCLUDED.policies,
		     ttl_seconds = EXCLUDED.ttl_seconds,
		     renewable = EXCLUDED.renewable,
		     expires_at = EXCLUDED.expires_at`,
		token.ID, tokenHash, token.DisplayName, token.SubjectID, token.SubjectType, token.Policies,
		ttlSec, token.Renewable, token.CreatedAt, nullableTime(token.ExpiresAt), token.ParentID,
	)
	return err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (p *PostgresBackend) GetToken(ctx context.Context, tokenHash string) (*models.Token, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, display_name, subject_id, subject_type, policies, ttl_seconds, renewable, created_at, expires_at, revoked_at, parent_id
		 FROM tokens WHERE token_hash = $1`,
		tokenHash,
	)
	var t models.Token
	var ttlSec int64
	var expiresAt *time.Time
	err := row.Scan(&t.ID, &t.DisplayName, &t.SubjectID, &t.SubjectType, &t.Policies, &ttlSec, &t.Renewable,
		&t.CreatedAt, &expiresAt, &t.RevokedAt, &t.ParentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.TTL = time.Duration(ttlSec) * time.Second
	if expiresAt != nil {
		t.ExpiresAt = *expiresAt
	}
	return &t, nil
}

func (p *PostgresBackend) RevokeToken(ctx context.Context, tokenID string) error {
	_, err := p.pool.Exec(ctx, `UPDATE tokens SET revoked_at = NOW() WHERE id = $1`, tokenID)
	return err
}

func (p *PostgresBackend) RevokeTokenChildren(ctx context.Context, parentID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE tokens SET revoked_at = NOW() WHERE parent_id = $1 AND revoked_at IS NULL`,
		parentID,
	)
	return err
}

func (p *PostgresBackend) RenewToken(ctx context.Context, tokenID string, newExpiresAt time.Time) error {
	_, err := p.pool.Exec(ctx, `UPDATE tokens SET expires_at = $1 WHERE id = $2`, newExpiresAt, tokenID)
	return err
}

// --- Machine identities ---

func (p *PostgresBackend) WriteMachineIdentity(ctx context.Context, mi *models.MachineIdentity) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO machine_identities (id, name, policies, client_secret_ttl_s, token_ttl_s, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (name) DO UPDATE
		 SET policies = EXCLUDED.policies,
		     client_secret_ttl_s = EXCLUDED.client_secret_ttl_s,
		     token_ttl_s = EXCLUDED.token_ttl_s`,
		mi.ID, mi.Name, mi.Policies,
		int64(mi.ClientSecretTTL.Seconds()), int64(mi.TokenTTL.Seconds()), mi.CreatedAt,
	)
	return err
}

func (p *PostgresBackend) GetMachineIdentity(ctx context.Context, name string) (*models.MachineIdentity, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, name, policies, client_secret_ttl_s, token_ttl_s, created_at
		 FROM machine_identities WHERE name = $1`,
		name,
	)
	return scanMachineIdentity(row)
}

func (p *PostgresBackend) GetMachineIdentityByID(ctx context.Context, id string) (*models.MachineIdentity, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, name, policies, client_secret_ttl_s, token_ttl_s, created_at
		 FROM machine_identities WHERE id = $1`,
		id,
	)
	return scanMachineIdentity(row)
}

func scanMachineIdentity(row pgx.Row) (*models.MachineIdentity, error) {
	var mi models.MachineIdentity
	var secretTTL, tokTTL int64
	err := row.Scan(&mi.ID, &mi.Name, &mi.Policies, &secretTTL, &tokTTL, &mi.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	mi.ClientSecretTTL = time.Duration(secretTTL) * time.Second
	mi.TokenTTL = time.Duration(tokTTL) * time.Second
	return &mi, nil
}

func (p *PostgresBackend) WriteMachineIdentitySecret(ctx context.Context, secret *models.MachineIdentitySecret) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO machine_identity_secrets (id, identity_id, secret_hash, uses_remaining, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		secret.ID, secret.IdentityID, secret.SecretHash, secret.UsesRemaining, secret.ExpiresAt,
	)
	return err
}

func (p *PostgresBackend) GetMachineIdentitySecret(ctx context.Context, secretHash string) (*models.MachineIdentitySecret, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, identity_id, secret_hash, uses_remaining, expires_at, used_at
		 FROM machine_identity_secrets WHERE secret_hash = $1`,
		secretHash,
	)
	var s models.MachineIdentitySecret
	err := row.Scan(&s.ID, &s.IdentityID, &s.SecretHash, &s.UsesRemaining, &s.ExpiresAt, &s.UsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (p *PostgresBackend) ConsumeMachineIdentitySecret(ctx context.Context, secretHash string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE machine_identity_secrets
		 SET uses_remaining = CASE WHEN uses_remaining > 0 THEN uses_remaining - 1 ELSE uses_remaining END,
		     used_at = NOW()
		 WHERE secret_hash = $1`,
		secretHash,
	)
	return err
}

// --- Policies ---

func (p *PostgresBackend) WritePolicy(ctx context.Context, policy *models.Policy) error {
	rulesJSON, err := json.Marshal(policy.Rules)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO policies (name, rules, created_at, updated_at)
		 VALUES ($1, $2, NOW(), NOW())
		 ON CONFLICT (name) DO UPDATE SET rules = EXCLUDED.rules, updated_at = NOW()`,
		policy.Name, rulesJSON,
	)
	return err
}

func (p *PostgresBackend) GetPolicy(ctx context.Context, name string) (*models.Policy, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT name, rules, created_at, updated_at FROM policies WHERE name = $1`,
		name,
	)
	var pol models.Policy
	var rulesJSON []byte
	err := row.Scan(&pol.Name, &rulesJSON, &pol.CreatedAt, &pol.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(rulesJSON, &pol.Rules); err != nil {
		return nil, err
	}
	return &pol, nil
}

func (p *PostgresBackend) DeletePolicy(ctx context.Context, name string) error {
	if IsBuiltinPolicy(name) {
		return errors.New("cannot delete built-in policy")
	}
	_, err := p.pool.Exec(ctx, `DELETE FROM policies WHERE name = $1`, name)
	return err
}

func (p *PostgresBackend) ListPolicies(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT name FROM policies ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_log (request_id, timestamp, token_hash, operation, path, status, response_code, response_time_ms, client_ip, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.RequestID, entry.Timestamp, entry.TokenHash, entry.Operation, entry.Path,
		entry.Status, entry.ResponseCode, entry.ResponseTimeMs, entry.ClientIP, metaJSON,
	)
	return err
}

func (p *PostgresBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, request_id, timestamp, token_hash, operation, path, status, response_code, response_time_ms, client_ip, metadata FROM audit_log WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.Path != "" {
		fmt.Fprintf(&query, ` AND path LIKE $%d`, n)
		args = append(args, filter.Path+"%")
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, *filter.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.AuditEntry, error) {
		var e models.AuditEntry
		var metaJSON []byte
		if err := row.Scan(&e.ID, &e.RequestID, &e.Timestamp, &e.TokenHash, &e.Operation,
			&e.Path, &e.Status, &e.ResponseCode, &e.ResponseTimeMs, &e.ClientIP, &metaJSON); err != nil {
			return nil, err
		}
		json.Unmarshal(metaJSON, &e.Metadata) //nolint:errcheck
		return &e, nil
	})
}

// --- Metrics ---

func (p *PostgresBackend) CountSecrets(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM secrets`).Scan(&count)
	return count, err
}

func (p *PostgresBackend) CountActiveTokens(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tokens WHERE revoked_at IS NULL AND (expires_at IS NULL OR expires_at > NOW())`,
	).Scan(&count)
	return count, err
}
