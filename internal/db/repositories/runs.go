package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"loomctl/pkg/models"
)

// RunRepo manages run rows. Steps and stories materialized for a run are
// owned by StepRepo/StoryRepo; CreateWithSteps exists here because the Run
// Store's create operation (spec.md §4.3) must insert the run and its
// steps as a single all-or-nothing transaction.
type RunRepo struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewRunRepo(db *sql.DB) *RunRepo {
	return &RunRepo{db: db, tracer: otel.Tracer("loomctl-database")}
}

// CreateWithSteps inserts a run row and its materialized step rows in one
// transaction: either all rows exist afterward, or none do.
func (r *RunRepo) CreateWithSteps(ctx context.Context, run *models.Run, steps []*models.Step) error {
	ctx, span := r.tracer.Start(ctx, "db.runs.create_with_steps",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("run.workflow_id", run.WorkflowID),
			attribute.Int("run.step_count", len(steps)),
		))
	defer span.End()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("marshal run context: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, task_id, task, status, context, notify_url)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.TaskID, run.Task, run.Status, string(contextJSON), run.NotifyURL)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert run: %w", err)
	}

	for _, s := range steps {
		if err := insertStep(ctx, tx, s); err != nil {
			span.RecordError(err)
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit: %w", err)
	}
	span.SetAttributes(attribute.Bool("db.operation.success", true))
	return nil
}

// GetByID loads a single run. It does not embed steps/stories; callers that
// need the full aggregate use StepRepo/StoryRepo alongside it.
func (r *RunRepo) GetByID(ctx context.Context, id string) (*models.Run, error) {
	return r.scanOne(ctx, `SELECT id, workflow_id, task_id, task, status, context, notify_url,
		awaiting_approval, awaiting_approval_since, archived_at, created_at, updated_at
		FROM runs WHERE id = ?`, id)
}

func (r *RunRepo) scanOne(ctx context.Context, query, arg string) (*models.Run, error) {
	run := &models.Run{}
	var contextJSON string
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&run.ID, &run.WorkflowID, &run.TaskID, &run.Task, &run.Status, &contextJSON, &run.NotifyURL,
		&run.AwaitingApproval, &run.AwaitingApprovalSince, &run.ArchivedAt, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.Context = unmarshalContext(contextJSON)
	return run, nil
}

func unmarshalContext(raw string) map[string]string {
	ctx := map[string]string{}
	if raw == "" {
		return ctx
	}
	if err := json.Unmarshal([]byte(raw), &ctx); err != nil {
		return map[string]string{}
	}
	return ctx
}

// GetByIDTx loads a single run inside the caller's transaction.
func (r *RunRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id string) (*models.Run, error) {
	run := &models.Run{}
	var contextJSON string
	err := tx.QueryRowContext(ctx, `SELECT id, workflow_id, task_id, task, status, context, notify_url,
		awaiting_approval, awaiting_approval_since, archived_at, created_at, updated_at
		FROM runs WHERE id = ?`, id).Scan(
		&run.ID, &run.WorkflowID, &run.TaskID, &run.Task, &run.Status, &contextJSON, &run.NotifyURL,
		&run.AwaitingApproval, &run.AwaitingApprovalSince, &run.ArchivedAt, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.Context = unmarshalContext(contextJSON)
	return run, nil
}

// CountPendingApprovalStepsTx reports how many of a run's steps are still
// awaiting_approval, used to decide whether to clear the run's flag.
func (r *RunRepo) CountPendingApprovalStepsTx(ctx context.Context, tx *sql.Tx, runID string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM steps WHERE run_id = ? AND status = 'awaiting_approval'`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count awaiting-approval steps: %w", err)
	}
	return count, nil
}

// RunFilter narrows List by optional task_id and status.
type RunFilter struct {
	TaskID *string
	Status *models.RunStatus
}

// List returns runs matching the given filter, newest first.
func (r *RunRepo) List(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	query := `SELECT id, workflow_id, task_id, task, status, context, notify_url,
		awaiting_approval, awaiting_approval_since, archived_at, created_at, updated_at
		FROM runs WHERE 1=1`
	var args []interface{}
	if filter.TaskID != nil {
		query += ` AND task_id = ?`
		args = append(args, *filter.TaskID)
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		run := &models.Run{}
		var contextJSON string
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.TaskID, &run.Task, &run.Status, &contextJSON,
			&run.NotifyURL, &run.AwaitingApproval, &run.AwaitingApprovalSince, &run.ArchivedAt,
			&run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Context = unmarshalContext(contextJSON)
		out = append(out, run)
	}
	return out, rows.Err()
}

// UpdateStatus sets a run's status (running/completed/failed).
func (r *RunRepo) UpdateStatus(ctx context.Context, id string, status models.RunStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateStatusTx is UpdateStatus scoped to a caller-managed transaction, for
// use inside the scheduler's multi-row transitions (e.g. completing the
// last step and completing the run atomically).
func (r *RunRepo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id string, status models.RunStatus) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

// UpdateContextTx overwrites a run's context blob inside a transaction.
func (r *RunRepo) UpdateContextTx(ctx context.Context, tx *sql.Tx, id string, merged map[string]string) error {
	b, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET context = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(b), id)
	if err != nil {
		return fmt.Errorf("update run context: %w", err)
	}
	return nil
}

// SetAwaitingApprovalTx flips the run's awaiting-approval flags.
func (r *RunRepo) SetAwaitingApprovalTx(ctx context.Context, tx *sql.Tx, id string, awaiting bool) error {
	var err error
	if awaiting {
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET awaiting_approval = 1, awaiting_approval_since = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			 WHERE id = ? AND awaiting_approval = 0`, id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET awaiting_approval = 0, awaiting_approval_since = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	}
	if err != nil {
		return fmt.Errorf("set awaiting approval: %w", err)
	}
	return nil
}

// Touch bumps a run's updated_at, used by the reaper to distinguish
// recently-active runs from stuck ones.
func (r *RunRepo) Touch(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE runs SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("touch run: %w", err)
	}
	return nil
}

// Archive marks a run archived, used by the reaper's additive archive pass.
func (r *RunRepo) Archive(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE runs SET archived_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("archive run: %w", err)
	}
	return nil
}

// ListTimedOut returns running runs whose updated_at is older than the
// given cutoff, for the reaper's run-timeout pass.
func (r *RunRepo) ListTimedOut(ctx context.Context, olderThanMinutes int) ([]*models.Run, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, workflow_id, task_id, task, status, context, notify_url,
			awaiting_approval, awaiting_approval_since, archived_at, created_at, updated_at
		 FROM runs
		 WHERE status = 'running' AND updated_at < datetime('now', printf('-%d minutes', ?))`,
		olderThanMinutes)
	if err != nil {
		return nil, fmt.Errorf("list timed out runs: %w", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		run := &models.Run{}
		var contextJSON string
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.TaskID, &run.Task, &run.Status, &contextJSON,
			&run.NotifyURL, &run.AwaitingApproval, &run.AwaitingApprovalSince, &run.ArchivedAt,
			&run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Context = unmarshalContext(contextJSON)
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListArchivable returns completed/failed runs archived_at IS NULL older
// than the archive delay, for the additive ARCHIVE_ENABLED reaper pass.
func (r *RunRepo) ListArchivable(ctx context.Context, olderThanHours int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM runs
		 WHERE status IN ('completed', 'failed') AND archived_at IS NULL
		   AND updated_at < datetime('now', printf('-%d hours', ?))`,
		olderThanHours)
	if err != nil {
		return nil, fmt.Errorf("list archivable runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan archivable run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
