package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/secretsync/internal/policy"
	"github.com/org/secretsync/internal/secret"
	"github.com/org/secretsync/internal/storage"
	"github.com/org/secretsync/pkg/models"
)

// Logger writes structured audit entries.
type Logger struct {
	store storage.StorageBackend
}

// NewLogger creates an audit Logger.
func NewLogger(store storage.StorageBackend) *Logger {
	return &Logger{store: store}
}

// LogRequest records an API request to the audit log.
// Secret values must NEVER be passed here, only metadata.
func (l *Logger) LogRequest(ctx context.Context, entry *models.AuditEntry) {
	entry.Timestamp = time.Now().UTC()
	if err := l.store.WriteAuditEntry(ctx, entry); err != nil {
		log.Error().Err(err).Str("path", entry.Path).Msg("writing audit entry")
	}
}

// Emit records an engine event. It satisfies secret.EventSink.
func (l *Logger) Emit(ctx context.Context, e secret.Event) {
	l.LogRequest(context.WithoutCancel(ctx), &models.AuditEntry{
		RequestID: RequestIDFrom(ctx),
		Operation: e.Name,
		Path:      policy.SecretsPath(e.Scope.WorkspaceID, e.Scope.Environment),
		Status:    "ok",
		Metadata: map[string]any{
			"workspace":   e.Scope.WorkspaceID,
			"environment": e.Scope.Environment,
			"subject":     e.Scope.UserID,
			"count":       e.Count,
		},
	})
}

// Query retrieves paginated audit log entries.
func (l *Logger) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	return l.store.QueryAuditLog(ctx, filter)
}

type requestIDKey struct{}

// WithRequestID attaches a request ID that Emit copies into audit entries.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request ID stored by WithRequestID, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
