package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"loomctl/pkg/models"
)

// StepRepo manages step rows, including the atomic compare-and-set claim
// that is the scheduler's sole admission mechanism (spec.md §4.4/§5).
type StepRepo struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewStepRepo(db *sql.DB) *StepRepo {
	return &StepRepo{db: db, tracer: otel.Tracer("loomctl-database")}
}

func insertStep(ctx context.Context, tx *sql.Tx, s *models.Step) error {
	loopCfg, err := models.MarshalLoopConfig(s.LoopConfig)
	if err != nil {
		return fmt.Errorf("marshal loop config for step %s: %w", s.StepID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO steps (id, run_id, step_id, agent_id, step_index, input_template, expects, type,
			loop_config, status, output, retry_count, max_retries, current_story_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.RunID, s.StepID, s.AgentID, s.StepIndex, s.InputTemplate, s.Expects, string(s.Type),
		loopCfg, string(s.Status), s.Output, s.RetryCount, s.MaxRetries, s.CurrentStoryID)
	if err != nil {
		return fmt.Errorf("insert step %s: %w", s.StepID, err)
	}
	return nil
}

func scanStep(row interface{ Scan(...interface{}) error }) (*models.Step, error) {
	s := &models.Step{}
	var loopCfg *string
	err := row.Scan(&s.ID, &s.RunID, &s.StepID, &s.AgentID, &s.StepIndex, &s.InputTemplate, &s.Expects,
		&s.Type, &loopCfg, &s.Status, &s.Output, &s.RetryCount, &s.MaxRetries, &s.CurrentStoryID,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.LoopConfig = models.UnmarshalLoopConfig(loopCfg)
	return s, nil
}

const stepColumns = `id, run_id, step_id, agent_id, step_index, input_template, expects, type,
	loop_config, status, output, retry_count, max_retries, current_story_id, created_at, updated_at`

const stepColumnsQualified = `s.id, s.run_id, s.step_id, s.agent_id, s.step_index, s.input_template, s.expects, s.type,
	s.loop_config, s.status, s.output, s.retry_count, s.max_retries, s.current_story_id, s.created_at, s.updated_at`

// GetByID loads a single step.
func (r *StepRepo) GetByID(ctx context.Context, id string) (*models.Step, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return step, nil
}

// GetByIDTx loads a single step inside the caller's transaction.
func (r *StepRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id string) (*models.Step, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return step, nil
}

// FindLoopStepByVerifyStepTx finds the loop step in a run whose
// loop_config.verify_step names the given step id, used by the Loop
// Controller to recognise a completing step as a verify partner.
func (r *StepRepo) FindLoopStepByVerifyStepTx(ctx context.Context, tx *sql.Tx, runID, verifyStepID string) (*models.Step, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND type = 'loop'`, runID)
	if err != nil {
		return nil, fmt.Errorf("list loop steps: %w", err)
	}
	defer rows.Close()

	steps, err := scanSteps(rows)
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		if s.LoopConfig != nil && s.LoopConfig.VerifyStep == verifyStepID {
			return s, nil
		}
	}
	return nil, sql.ErrNoRows
}

// GetByRunAndStepIDTx finds a run's step by its workflow-defined step_id
// (e.g. a loop step's configured verify_step), inside a transaction.
func (r *StepRepo) GetByRunAndStepIDTx(ctx context.Context, tx *sql.Tx, runID, stepID string) (*models.Step, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND step_id = ?`, runID, stepID)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get step by run and step_id: %w", err)
	}
	return step, nil
}

// ListByRun returns every step for a run, ordered by step_index.
func (r *StepRepo) ListByRun(ctx context.Context, runID string) ([]*models.Step, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []*models.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListPendingByRun returns a run's steps currently in status=pending.
func (r *StepRepo) ListPendingByRun(ctx context.Context, runID string) ([]*models.Step, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND status = 'pending' ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list pending steps: %w", err)
	}
	defer rows.Close()

	var out []*models.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FindClaimableTx finds the lowest-step_index pending step for agentID
// whose run is running, inside the caller's claim transaction. Returns
// sql.ErrNoRows when there is none.
func (r *StepRepo) FindClaimableTx(ctx context.Context, tx *sql.Tx, agentID string) (*models.Step, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+stepColumnsQualified+` FROM steps s
		 JOIN runs r ON r.id = s.run_id
		 WHERE s.status = 'pending' AND s.agent_id = ? AND r.status = 'running'
		 ORDER BY s.step_index ASC LIMIT 1`, agentID)
	return scanStep(row)
}

// CompareAndSetStatusTx is the sole admission mechanism for claims: a
// conditional UPDATE scoped on both id and expected current status,
// returning the number of affected rows (0 or 1). Never takes a pessimistic
// lock; callers decide whether to retry or report no-work/ConcurrencyLoss.
func (r *StepRepo) CompareAndSetStatusTx(ctx context.Context, tx *sql.Tx, id string, from, to models.StepStatus) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE steps SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return 0, fmt.Errorf("compare-and-set step status: %w", err)
	}
	return res.RowsAffected()
}

// CompareAndSetStatus is CompareAndSetStatusTx against the pool directly,
// for single-statement transitions that don't need a surrounding tx (e.g.
// the reaper's abandoned-step reset, which is one row at a time already).
func (r *StepRepo) CompareAndSetStatus(ctx context.Context, id string, from, to models.StepStatus) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "db.steps.compare_and_set_status",
		trace.WithAttributes(
			attribute.String("step.id", id),
			attribute.String("step.from_status", string(from)),
			attribute.String("step.to_status", string(to)),
		))
	defer span.End()

	res, err := r.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("compare-and-set step status: %w", err)
	}
	n, err := res.RowsAffected()
	span.SetAttributes(attribute.Int64("db.rows_affected", n))
	return n, err
}

// SetCurrentStoryTx sets or clears the loop step's current_story_id.
func (r *StepRepo) SetCurrentStoryTx(ctx context.Context, tx *sql.Tx, stepID string, storyID *string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE steps SET current_story_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, storyID, stepID)
	if err != nil {
		return fmt.Errorf("set current story: %w", err)
	}
	return nil
}

// UpdateOutputAndStatusTx sets a step's status and output together
// (completion, failure, retry-reset, approval resolution).
func (r *StepRepo) UpdateOutputAndStatusTx(ctx context.Context, tx *sql.Tx, stepID string, status models.StepStatus, output *string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE steps SET status = ?, output = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), output, stepID)
	if err != nil {
		return fmt.Errorf("update step output/status: %w", err)
	}
	return nil
}

// IncrementRetryAndResetTx bumps retry_count and resets status/output for a
// retried step, used by failStep and the reaper's failed-step retry pass.
func (r *StepRepo) IncrementRetryAndResetTx(ctx context.Context, tx *sql.Tx, stepID string, status models.StepStatus, output *string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE steps SET status = ?, output = ?, retry_count = retry_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), output, stepID)
	if err != nil {
		return fmt.Errorf("increment retry: %w", err)
	}
	return nil
}

// AdvancePipelineTx flips the lowest-step_index waiting step on a run to
// pending and reports whether one existed.
func (r *StepRepo) AdvancePipelineTx(ctx context.Context, tx *sql.Tx, runID string) (advanced bool, err error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id FROM steps WHERE run_id = ? AND status = 'waiting' ORDER BY step_index ASC LIMIT 1`, runID)
	var nextID string
	if err := row.Scan(&nextID); errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("find next waiting step: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE steps SET status = 'pending', updated_at = CURRENT_TIMESTAMP WHERE id = ?`, nextID); err != nil {
		return false, fmt.Errorf("advance pipeline: %w", err)
	}
	return true, nil
}

// CountIncomplete returns how many of a run's steps are not completed, used
// to decide run completion.
func (r *StepRepo) CountIncompleteTx(ctx context.Context, tx *sql.Tx, runID string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM steps WHERE run_id = ? AND status != 'completed'`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count incomplete steps: %w", err)
	}
	return count, nil
}

// ListAbandoned returns running steps whose updated_at predates the cutoff,
// for the reaper's abandoned-step cleanup pass.
func (r *StepRepo) ListAbandoned(ctx context.Context, olderThanMinutes int) ([]*models.Step, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps
		 WHERE status = 'running' AND updated_at < datetime('now', printf('-%d minutes', ?))`,
		olderThanMinutes)
	if err != nil {
		return nil, fmt.Errorf("list abandoned steps: %w", err)
	}
	defer rows.Close()
	return scanSteps(rows)
}

// ListRetryable returns failed, retries-remaining steps past the cooldown
// window, for the reaper's failed-step retry pass.
func (r *StepRepo) ListRetryable(ctx context.Context, cooldownMinutes int) ([]*models.Step, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps
		 WHERE status = 'failed' AND retry_count < max_retries
		   AND updated_at < datetime('now', printf('-%d minutes', ?))`, cooldownMinutes)
	if err != nil {
		return nil, fmt.Errorf("list retryable steps: %w", err)
	}
	defer rows.Close()
	return scanSteps(rows)
}

// ListRunningByRun returns a run's currently-running steps, used by the
// reaper's run-timeout pass to fail them alongside the run.
func (r *StepRepo) ListRunningByRun(ctx context.Context, runID string) ([]*models.Step, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND status = 'running'`, runID)
	if err != nil {
		return nil, fmt.Errorf("list running steps: %w", err)
	}
	defer rows.Close()
	return scanSteps(rows)
}

func scanSteps(rows *sql.Rows) ([]*models.Step, error) {
	var out []*models.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
