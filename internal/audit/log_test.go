package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"fundledger.org/internal/auth"
	"fundledger.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	previous := obs.Logger()
	obs.SetLogger(zap.New(core))
	t.Cleanup(func() { obs.SetLogger(previous) })

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithUser(ctx, "user-42", []string{"admin"})

	require.NoError(t, LogEvent(ctx, "year.approved", map[string]any{"year_id": "fy-1"}))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "audit", fields["type"])
	require.Equal(t, "year.approved", fields["event"])
	require.Equal(t, "req-123", fields["request_id"])
	require.Equal(t, "user-42", fields["user_id"])
	inner, ok := fields["fields"].(map[string]any)
	require.True(t, ok, "fields should be a nested object: %v", fields["fields"])
	require.Equal(t, "fy-1", inner["year_id"])
}

func TestLogEventRequiresName(t *testing.T) {
	require.Error(t, LogEvent(context.Background(), "  ", nil))
}
