package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/org/secretsync/pkg/models"
)

// MemoryBackend is an in-process StorageBackend. Transactions work on a
// copy of the secret state and are serialized by a single mutex, so
// LockWorkspace inside WithTx is always satisfied.
type MemoryBackend struct {
	mu    sync.Mutex
	state *memState

	initData   *models.InitData
	tokens     map[string]*models.Token // keyed by token hash
	tokensByID map[string]*models.Token
	identities map[string]*models.MachineIdentity // keyed by name
	idSecrets  map[string]*models.MachineIdentitySecret
	policies   map[string]*models.Policy
	audit      []*models.AuditEntry
}

// NewMemoryBackend returns an empty backend seeded with the built-in policies.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		state:      newMemState(),
		tokens:     map[string]*models.Token{},
		tokensByID: map[string]*models.Token{},
		identities: map[string]*models.MachineIdentity{},
		idSecrets:  map[string]*models.MachineIdentitySecret{},
		policies: map[string]*models.Policy{
			"root": {
				Name: "root",
				Rules: map[string]models.PathRule{
					"*": {Capabilities: []string{models.CapSudo}},
				},
			},
			"default": {
				Name: "default",
				Rules: map[string]models.PathRule{
					"auth/token/lookup-self": {Capabilities: []string{models.CapRead}},
				},
			},
		},
	}
}

func (m *MemoryBackend) Close() {}

// --- Secrets ---

func (m *MemoryBackend) WithTx(ctx context.Context, fn func(SecretRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memTx{state: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryBackend) LockWorkspace(ctx context.Context, workspaceID string) error {
	return errors.New("workspace lock requires a transaction")
}

func (m *MemoryBackend) FindSecrets(ctx context.Context, filter SecretFilter) ([]*models.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.findSecrets(filter), nil
}

func (m *MemoryBackend) InsertSecrets(ctx context.Context, secrets []*models.Secret) error {
	return m.mutate(func(s *memState) error { return s.insertSecrets(secrets) })
}

func (m *MemoryBackend) UpdateSecrets(ctx context.Context, secrets []*models.Secret) error {
	return m.mutate(func(s *memState) error { return s.updateSecrets(secrets) })
}

func (m *MemoryBackend) DeleteSecrets(ctx context.Context, ids []string) error {
	return m.mutate(func(s *memState) error { return s.deleteSecrets(ids) })
}

func (m *MemoryBackend) InsertSecretVersions(ctx context.Context, versions []*models.SecretVersion) error {
	return m.mutate(func(s *memState) error { return s.insertVersions(versions) })
}

func (m *MemoryBackend) MarkSecretVersionsDeleted(ctx context.Context, secretIDs []string) error {
	return m.mutate(func(s *memState) error { return s.markVersionsDeleted(secretIDs) })
}

func (m *MemoryBackend) ListSecretVersions(ctx context.Context, secretID string) ([]*models.SecretVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.listVersions(secretID), nil
}

func (m *MemoryBackend) LatestSnapshot(ctx context.Context, workspaceID string) (*models.SecretSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.latestSnapshot(workspaceID)
}

func (m *MemoryBackend) GetSnapshot(ctx context.Context, workspaceID string, version int) (*models.SecretSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getSnapshot(workspaceID, version)
}

func (m *MemoryBackend) ListSnapshots(ctx context.Context, workspaceID string, limit, offset int) ([]*models.SecretSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.listSnapshots(workspaceID, limit, offset), nil
}

func (m *MemoryBackend) InsertSnapshot(ctx context.Context, snap *models.SecretSnapshot) error {
	return m.mutate(func(s *memState) error { return s.insertSnapshot(snap) })
}

// mutate applies a single write atomically, outside any caller transaction.
func (m *MemoryBackend) mutate(fn func(*memState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	m.state = work
	return nil
}

// memTx is the transaction-scoped view handed to WithTx callbacks. The
// backend mutex is already held, so it touches state directly.
type memTx struct {
	state *memState
}

func (t *memTx) WithTx(ctx context.Context, fn func(SecretRepository) error) error {
	return fn(t)
}

func (t *memTx) LockWorkspace(ctx context.Context, workspaceID string) error {
	return ctx.Err()
}

func (t *memTx) FindSecrets(ctx context.Context, filter SecretFilter) ([]*models.Secret, error) {
	return t.state.findSecrets(filter), nil
}

func (t *memTx) InsertSecrets(ctx context.Context, secrets []*models.Secret) error {
	return t.state.insertSecrets(secrets)
}

func (t *memTx) UpdateSecrets(ctx context.Context, secrets []*models.Secret) error {
	return t.state.updateSecrets(secrets)
}

func (t *memTx) DeleteSecrets(ctx context.Context, ids []string) error {
	return t.state.deleteSecrets(ids)
}

func (t *memTx) InsertSecretVersions(ctx context.Context, versions []*models.SecretVersion) error {
	return t.state.insertVersions(versions)
}

func (t *memTx) MarkSecretVersionsDeleted(ctx context.Context, secretIDs []string) error {
	return t.state.markVersionsDeleted(secretIDs)
}

func (t *memTx) ListSecretVersions(ctx context.Context, secretID string) ([]*models.SecretVersion, error) {
	return t.state.listVersions(secretID), nil
}

func (t *memTx) LatestSnapshot(ctx context.Context, workspaceID string) (*models.SecretSnapshot, error) {
	return t.state.latestSnapshot(workspaceID)
}

func (t *memTx) GetSnapshot(ctx context.Context, workspaceID string, version int) (*models.SecretSnapshot, error) {
	return t.state.getSnapshot(workspaceID, version)
}

func (t *memTx) ListSnapshots(ctx context.Context, workspaceID string, limit, offset int) ([]*models.SecretSnapshot, error) {
	return t.state.listSnapshots(workspaceID, limit, offset), nil
}

func (t *memTx) InsertSnapshot(ctx context.Context, snap *models.SecretSnapshot) error {
	return t.state.insertSnapshot(snap)
}

// memState holds the secret tables. Everything returned to callers is a copy.
type memState struct {
	secrets   map[string]*models.Secret
	seq       map[string]int64 // insertion order, for stable listing
	nextSeq   int64
	versions  map[string][]*models.SecretVersion
	snapshots map[string][]*models.SecretSnapshot
}

func newMemState() *memState {
	return &memState{
		secrets:   map[string]*models.Secret{},
		seq:       map[string]int64{},
		versions:  map[string][]*models.SecretVersion{},
		snapshots: map[string][]*models.SecretSnapshot{},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		secrets:   make(map[string]*models.Secret, len(s.secrets)),
		seq:       make(map[string]int64, len(s.seq)),
		nextSeq:   s.nextSeq,
		versions:  make(map[string][]*models.SecretVersion, len(s.versions)),
		snapshots: make(map[string][]*models.SecretSnapshot, len(s.snapshots)),
	}
	for id, sec := range s.secrets {
		c.secrets[id] = sec.Clone()
	}
	for id, n := range s.seq {
		c.seq[id] = n
	}
	for id, vs := range s.versions {
		cp := make([]*models.SecretVersion, len(vs))
		for i, v := range vs {
			vc := *v
			cp[i] = &vc
		}
		c.versions[id] = cp
	}
	// Snapshots are never mutated once written, so sharing them is safe.
	for ws, snaps := range s.snapshots {
		c.snapshots[ws] = append([]*models.SecretSnapshot(nil), snaps...)
	}
	return c
}

func (s *memState) findSecrets(f SecretFilter) []*models.Secret {
	var out []*models.Secret
	for _, sec := range s.secrets {
		if f.WorkspaceID != "" && sec.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.Environment != "" && sec.Environment != f.Environment {
			continue
		}
		if f.Type != "" && sec.Type != f.Type {
			continue
		}
		if f.OwnerID != "" && sec.OwnerID != f.OwnerID {
			continue
		}
		out = append(out, sec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Environment != out[j].Environment {
			return out[i].Environment < out[j].Environment
		}
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	return out
}

func scopeKey(sec *models.Secret) string {
	return strings.Join([]string{sec.WorkspaceID, sec.Environment, sec.OwnerID, sec.Key.Hash}, "\x00")
}

func (s *memState) insertSecrets(secrets []*models.Secret) error {
	taken := make(map[string]bool, len(s.secrets))
	for _, sec := range s.secrets {
		taken[scopeKey(sec)] = true
	}
	for _, sec := range secrets {
		if _, ok := s.secrets[sec.ID]; ok {
			return fmt.Errorf("inserting secret: %w: id %s", ErrAlreadyExists, sec.ID)
		}
		k := scopeKey(sec)
		if taken[k] {
			return fmt.Errorf("inserting secret: %w: key hash in scope", ErrAlreadyExists)
		}
		taken[k] = true
		s.secrets[sec.ID] = sec.Clone()
		s.nextSeq++
		s.seq[sec.ID] = s.nextSeq
	}
	return nil
}

func (s *memState) updateSecrets(secrets []*models.Secret) error {
	taken := make(map[string]string, len(s.secrets))
	for id, sec := range s.secrets {
		taken[scopeKey(sec)] = id
	}
	for _, upd := range secrets {
		cur, ok := s.secrets[upd.ID]
		if !ok {
			return fmt.Errorf("updating secret %s: %w", upd.ID, ErrNotFound)
		}
		moved := *cur
		moved.OwnerID = upd.OwnerID
		k := scopeKey(&moved)
		if id, ok := taken[k]; ok && id != cur.ID {
			return fmt.Errorf("updating secret %s: %w: key hash in scope", upd.ID, ErrAlreadyExists)
		}
		delete(taken, scopeKey(cur))
		taken[k] = cur.ID
		cur.Type = upd.Type
		cur.OwnerID = upd.OwnerID
		cur.Value = upd.Value
		cur.Version = upd.Version
		cur.UpdatedAt = upd.UpdatedAt
	}
	return nil
}

func (s *memState) deleteSecrets(ids []string) error {
	for _, id := range ids {
		delete(s.secrets, id)
		delete(s.seq, id)
	}
	return nil
}

func (s *memState) insertVersions(versions []*models.SecretVersion) error {
	for _, v := range versions {
		for _, existing := range s.versions[v.SecretID] {
			if existing.Version == v.Version {
				return fmt.Errorf("inserting secret version: %w: %s@%d", ErrAlreadyExists, v.SecretID, v.Version)
			}
		}
		vc := *v
		s.versions[v.SecretID] = append(s.versions[v.SecretID], &vc)
	}
	return nil
}

func (s *memState) markVersionsDeleted(secretIDs []string) error {
	for _, id := range secretIDs {
		for _, v := range s.versions[id] {
			v.IsDeleted = true
		}
	}
	return nil
}

func (s *memState) listVersions(secretID string) []*models.SecretVersion {
	vs := s.versions[secretID]
	out := make([]*models.SecretVersion, len(vs))
	for i, v := range vs {
		vc := *v
		out[i] = &vc
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

func copySnapshot(snap *models.SecretSnapshot) *models.SecretSnapshot {
	c := *snap
	c.Secrets = append([]models.Secret(nil), snap.Secrets...)
	return &c
}

func (s *memState) latestSnapshot(workspaceID string) (*models.SecretSnapshot, error) {
	var latest *models.SecretSnapshot
	for _, snap := range s.snapshots[workspaceID] {
		if latest == nil || snap.Version > latest.Version {
			latest = snap
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copySnapshot(latest), nil
}

func (s *memState) getSnapshot(workspaceID string, version int) (*models.SecretSnapshot, error) {
	for _, snap := range s.snapshots[workspaceID] {
		if snap.Version == version {
			return copySnapshot(snap), nil
		}
	}
	return nil, ErrNotFound
}

func (s *memState) listSnapshots(workspaceID string, limit, offset int) []*models.SecretSnapshot {
	snaps := make([]*models.SecretSnapshot, 0, len(s.snapshots[workspaceID]))
	for _, snap := range s.snapshots[workspaceID] {
		snaps = append(snaps, copySnapshot(snap))
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Version > snaps[j].Version })
	if offset >= len(snaps) {
		return []*models.SecretSnapshot{}
	}
	snaps = snaps[offset:]
	if limit > 0 && limit < len(snaps) {
		snaps = snaps[:limit]
	}
	return snaps
}

func (s *memState) insertSnapshot(snap *models.SecretSnapshot) error {
	for _, existing := range s.snapshots[snap.WorkspaceID] {
		if existing.Version == snap.Version {
			return fmt.Errorf("inserting snapshot: %w: %s@%d", ErrAlreadyExists, snap.WorkspaceID, snap.Version)
		}
	}
	s.snapshots[snap.WorkspaceID] = append(s.snapshots[snap.WorkspaceID], copySnapshot(snap))
	return nil
}

// --- Bootstrap ---

func (m *MemoryBackend) InitDeployment(ctx context.Context, d *models.InitData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initData != nil {
		return ErrAlreadyExists
	}
	m.initData = d
	return nil
}

func (m *MemoryBackend) GetInitData(ctx context.Context) (*models.InitData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initData == nil {
		return nil, ErrNotFound
	}
	return m.initData, nil
}

func (m *MemoryBackend) IsInitialized(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initData != nil, nil
}

// --- Tokens ---

func (m *MemoryBackend) WriteToken(ctx context.Context, token *models.Token, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[hash] = token
	m.tokensByID[token.ID] = token
	return nil
}

func (m *MemoryBackend) GetToken(ctx context.Context, tokenHash string) (*models.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[tokenHash]; ok {
		tc := *t
		return &tc, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryBackend) RevokeToken(ctx context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokensByID[tokenID]; ok {
		now := time.Now()
		t.RevokedAt = &now
	}
	return nil
}

func (m *MemoryBackend) RevokeTokenChildren(ctx context.Context, parentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, t := range m.tokensByID {
		if t.ParentID != nil && *t.ParentID == parentID && t.RevokedAt == nil {
			t.RevokedAt = &now
		}
	}
	return nil
}

func (m *MemoryBackend) RenewToken(ctx context.Context, tokenID string, newExpiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokensByID[tokenID]; ok {
		t.ExpiresAt = newExpiresAt
	}
	return nil
}

// --- Machine identities ---

func (m *MemoryBackend) WriteMachineIdentity(ctx context.Context, mi *models.MachineIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.identities[mi.Name]; ok {
		mi.ID = existing.ID
	}
	m.identities[mi.Name] = mi
	return nil
}

func (m *MemoryBackend) GetMachineIdentity(ctx context.Context, name string) (*models.MachineIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mi, ok := m.identities[name]; ok {
		return mi, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryBackend) GetMachineIdentityByID(ctx context.Context, id string) (*models.MachineIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mi := range m.identities {
		if mi.ID == id {
			return mi, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryBackend) WriteMachineIdentitySecret(ctx context.Context, s *models.MachineIdentitySecret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idSecrets[s.SecretHash] = s
	return nil
}

func (m *MemoryBackend) GetMachineIdentitySecret(ctx context.Context, hash string) (*models.MachineIdentitySecret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.idSecrets[hash]; ok {
		sc := *s
		return &sc, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryBackend) ConsumeMachineIdentitySecret(ctx context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.idSecrets[hash]
	if !ok {
		return ErrNotFound
	}
	if s.UsesRemaining > 0 {
		s.UsesRemaining--
	}
	now := time.Now()
	s.UsedAt = &now
	return nil
}

// --- Policies ---

func (m *MemoryBackend) WritePolicy(ctx context.Context, p *models.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.Name] = p
	return nil
}

func (m *MemoryBackend) GetPolicy(ctx context.Context, name string) (*models.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.policies[name]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryBackend) DeletePolicy(ctx context.Context, name string) error {
	if IsBuiltinPolicy(name) {
		return errors.New("cannot delete built-in policy")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.policies, name)
	return nil
}

func (m *MemoryBackend) ListPolicies(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.policies))
	for n := range m.policies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// --- Audit ---

func (m *MemoryBackend) WriteAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.audit) + 1)
	m.audit = append(m.audit, e)
	return nil
}

func (m *MemoryBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.Path != "" && !strings.HasPrefix(e.Path, filter.Path) {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		out = append(out, e)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Metrics ---

func (m *MemoryBackend) CountSecrets(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.state.secrets)), nil
}

func (m *MemoryBackend) CountActiveTokens(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.tokensByID {
		if !t.IsRevoked() && !t.IsExpired() {
			n++
		}
	}
	return n, nil
}
