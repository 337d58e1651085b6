package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/secretsync/internal/secret"
	"github.com/org/secretsync/internal/storage"
	"github.com/org/secretsync/pkg/models"
)

func TestEmitWritesEntry(t *testing.T) {
	store := storage.NewMemoryBackend()
	l := NewLogger(store)

	ctx, cancel := context.WithCancel(WithRequestID(context.Background(), "req-1"))
	cancel() // entries are still written after the request context ends

	l.Emit(ctx, secret.Event{
		Name:  secret.EventSecretsPushed,
		Scope: models.Scope{UserID: "u1", WorkspaceID: "acme", Environment: "prod"},
		Count: 3,
	})

	entries, err := l.Query(context.Background(), storage.AuditFilter{Path: "workspace/acme"})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, secret.EventSecretsPushed, e.Operation)
	assert.Equal(t, "workspace/acme/env/prod/secrets", e.Path)
	assert.Equal(t, 3, e.Metadata["count"])
	assert.False(t, e.Timestamp.IsZero())
}

func TestRequestIDMissing(t *testing.T) {
	assert.Empty(t, RequestIDFrom(context.Background()))
}
