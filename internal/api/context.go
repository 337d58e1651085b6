package api

import (
	"context"

	"github.com/org/secretsync/internal/audit"
	"github.com/org/secretsync/pkg/models"
)

type contextKey string

const ctxKeyToken contextKey = "token"

func withToken(ctx context.Context, t *models.Token) context.Context {
	return context.WithValue(ctx, ctxKeyToken, t)
}

func tokenFromCtx(ctx context.Context) *models.Token {
	t, _ := ctx.Value(ctxKeyToken).(*models.Token)
	return t
}

// The request ID lives in the audit package so engine events emitted during
// the request carry it too.
func withRequestID(ctx context.Context, id string) context.Context {
	return audit.WithRequestID(ctx, id)
}

func requestIDFromCtx(ctx context.Context) string {
	return audit.RequestIDFrom(ctx)
}
