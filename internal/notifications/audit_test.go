package notifications

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loomctl/internal/db"
)

func newTestAuditService(t *testing.T) *AuditService {
	t.Helper()
	tdb, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tdb.Close() })
	return NewAuditService(tdb.Conn())
}

func TestAuditService_LogWebhookSuccess(t *testing.T) {
	svc := newTestAuditService(t)
	ctx := context.Background()

	err := svc.LogWebhookSuccess(ctx, "run-123", "https://example.com/hook", 200, `{"ok":true}`, 150, 1)
	require.NoError(t, err)

	logs, err := svc.GetLogsByRun(ctx, "run-123")
	require.NoError(t, err)
	require.Len(t, logs, 1)

	log := logs[0]
	assert.Equal(t, EventWebhookSuccess, log.EventType)
	require.NotNil(t, log.ResponseStatus)
	assert.Equal(t, 200, *log.ResponseStatus)
	require.NotNil(t, log.DurationMs)
	assert.Equal(t, int64(150), *log.DurationMs)
}

func TestAuditService_LogWebhookFailure(t *testing.T) {
	svc := newTestAuditService(t)
	ctx := context.Background()

	err := svc.LogWebhookFailure(ctx, "run-456", "https://example.com/hook", "connection refused", 0, 50, 3)
	require.NoError(t, err)

	logs, err := svc.GetLogsByRun(ctx, "run-456")
	require.NoError(t, err)
	require.Len(t, logs, 1)

	log := logs[0]
	assert.Equal(t, EventWebhookFailed, log.EventType)
	require.NotNil(t, log.ErrorMessage)
	assert.Equal(t, "connection refused", *log.ErrorMessage)
	assert.Equal(t, 3, log.AttemptNumber)
	assert.Nil(t, log.ResponseStatus)
}

func TestAuditService_GetRecentLogs(t *testing.T) {
	svc := newTestAuditService(t)
	ctx := context.Background()

	require.NoError(t, svc.LogWebhookSuccess(ctx, "run-1", "https://a.com", 200, "", 100, 1))
	require.NoError(t, svc.LogWebhookSuccess(ctx, "run-2", "https://b.com", 200, "", 100, 1))
	require.NoError(t, svc.LogWebhookSuccess(ctx, "run-3", "https://c.com", 200, "", 100, 1))

	logs, err := svc.GetRecentLogs(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}
