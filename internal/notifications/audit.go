package notifications

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the kinds of rows an AuditService writes, the
// same enum the teacher uses for its approval-webhook audit trail,
// generalized from approvals to run lifecycle notifications.
type EventType string

const (
	EventWebhookSent    EventType = "webhook_sent"
	EventWebhookSuccess EventType = "webhook_success"
	EventWebhookFailed  EventType = "webhook_failed"
)

// NotificationLog is one row of the outbound-webhook audit trail.
type NotificationLog struct {
	ID             int64
	LogID          string
	RunID          string
	EventType      EventType
	WebhookURL     *string
	RequestPayload *string
	ResponseStatus *int
	ResponseBody   *string
	ErrorMessage   *string
	AttemptNumber  int
	DurationMs     *int64
	CreatedAt      time.Time
}

// AuditService persists every outbound webhook attempt for a Run, the way
// the teacher's AuditService tracks approval webhook delivery.
type AuditService struct {
	db *sql.DB
}

func NewAuditService(db *sql.DB) *AuditService {
	return &AuditService{db: db}
}

func (a *AuditService) LogWebhookSuccess(ctx context.Context, runID, webhookURL string, statusCode int, responseBody string, durationMs int64, attempt int) error {
	return a.insert(ctx, runID, EventWebhookSuccess, &webhookURL, nil,
		&statusCode, nullableString(responseBody), nil, durationMs, attempt)
}

func (a *AuditService) LogWebhookFailure(ctx context.Context, runID, webhookURL, errorMsg string, statusCode int, durationMs int64, attempt int) error {
	var status *int
	if statusCode > 0 {
		status = &statusCode
	}
	return a.insert(ctx, runID, EventWebhookFailed, &webhookURL, nil,
		status, nil, nullableString(errorMsg), durationMs, attempt)
}

func (a *AuditService) insert(ctx context.Context, runID string, eventType EventType, webhookURL, requestPayload *string,
	responseStatus *int, responseBody, errorMessage *string, durationMs int64, attempt int) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO notification_logs
			(log_id, run_id, event_type, webhook_url, request_payload, response_status, response_body, error_message, attempt_number, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), runID, string(eventType), webhookURL, requestPayload,
		responseStatus, responseBody, errorMessage, attempt, durationMs)
	return err
}

// GetLogsByRun returns every notification log row for a run, newest first.
func (a *AuditService) GetLogsByRun(ctx context.Context, runID string) ([]NotificationLog, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, log_id, run_id, event_type, webhook_url, request_payload, response_status,
			response_body, error_message, attempt_number, duration_ms, created_at
		 FROM notification_logs WHERE run_id = ? ORDER BY created_at DESC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotificationLogs(rows)
}

// GetRecentLogs returns the most recent notification log rows across all
// runs, bounded by limit.
func (a *AuditService) GetRecentLogs(ctx context.Context, limit int) ([]NotificationLog, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, log_id, run_id, event_type, webhook_url, request_payload, response_status,
			response_body, error_message, attempt_number, duration_ms, created_at
		 FROM notification_logs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotificationLogs(rows)
}

func scanNotificationLogs(rows *sql.Rows) ([]NotificationLog, error) {
	var out []NotificationLog
	for rows.Next() {
		var l NotificationLog
		if err := rows.Scan(&l.ID, &l.LogID, &l.RunID, &l.EventType, &l.WebhookURL, &l.RequestPayload,
			&l.ResponseStatus, &l.ResponseBody, &l.ErrorMessage, &l.AttemptNumber, &l.DurationMs, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
