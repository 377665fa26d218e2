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

// WorkflowRepo manages workflow definitions and their step configs.
type WorkflowRepo struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewWorkflowRepo(db *sql.DB) *WorkflowRepo {
	return &WorkflowRepo{db: db, tracer: otel.Tracer("loomctl-database")}
}

// Create inserts a workflow and its step configs in a single transaction.
func (r *WorkflowRepo) Create(ctx context.Context, wf *models.Workflow) error {
	ctx, span := r.tracer.Start(ctx, "db.workflows.create",
		trace.WithAttributes(attribute.String("workflow.name", wf.Name)))
	defer span.End()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description) VALUES (?, ?, ?)`,
		wf.ID, wf.Name, wf.Description)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert workflow: %w", err)
	}

	if err := insertWorkflowSteps(ctx, tx, wf.ID, wf.Steps); err != nil {
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit: %w", err)
	}
	span.SetAttributes(attribute.Bool("db.operation.success", true))
	return nil
}

func insertWorkflowSteps(ctx context.Context, tx *sql.Tx, workflowID string, steps []models.StepConfig) error {
	for _, s := range steps {
		loopCfg, err := models.MarshalLoopConfig(s.LoopConfig)
		if err != nil {
			return fmt.Errorf("marshal loop config for step %s: %w", s.StepID, err)
		}
		id := fmt.Sprintf("%s:%s", workflowID, s.StepID)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflow_steps (id, workflow_id, step_id, name, agent_id, input_template, expects, type, loop_config, position)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, workflowID, s.StepID, s.Name, s.AgentID, s.InputTemplate, s.Expects, string(s.Type), loopCfg, s.Position)
		if err != nil {
			return fmt.Errorf("insert workflow_step %s: %w", s.StepID, err)
		}
	}
	return nil
}

// GetByID loads a workflow and its step configs, ordered by position.
func (r *WorkflowRepo) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	return r.get(ctx, `SELECT id, name, description, created_at, updated_at FROM workflows WHERE id = ?`, id)
}

// GetByName loads a workflow by its unique name.
func (r *WorkflowRepo) GetByName(ctx context.Context, name string) (*models.Workflow, error) {
	return r.get(ctx, `SELECT id, name, description, created_at, updated_at FROM workflows WHERE name = ?`, name)
}

func (r *WorkflowRepo) get(ctx context.Context, query string, arg string) (*models.Workflow, error) {
	wf := &models.Workflow{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&wf.ID, &wf.Name, &wf.Description, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	steps, err := r.listSteps(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	wf.Steps = steps
	return wf, nil
}

func (r *WorkflowRepo) listSteps(ctx context.Context, workflowID string) ([]models.StepConfig, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT step_id, name, agent_id, input_template, expects, type, loop_config, position
		 FROM workflow_steps WHERE workflow_id = ? ORDER BY position ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []models.StepConfig
	for rows.Next() {
		var s models.StepConfig
		var loopCfg *string
		if err := rows.Scan(&s.StepID, &s.Name, &s.AgentID, &s.InputTemplate, &s.Expects, &s.Type, &loopCfg, &s.Position); err != nil {
			return nil, fmt.Errorf("scan workflow step: %w", err)
		}
		s.LoopConfig = models.UnmarshalLoopConfig(loopCfg)
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// List returns workflows optionally filtered by a name substring.
func (r *WorkflowRepo) List(ctx context.Context, nameFilter string) ([]*models.Workflow, error) {
	query := `SELECT id, name, description, created_at, updated_at FROM workflows`
	args := []interface{}{}
	if nameFilter != "" {
		query += ` WHERE name LIKE ?`
		args = append(args, "%"+nameFilter+"%")
	}
	query += ` ORDER BY name ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		wf := &models.Workflow{}
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.Description, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		steps, err := r.listSteps(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		wf.Steps = steps
		out = append(out, wf)
	}
	return out, rows.Err()
}

// Update replaces a workflow's description and step configs. It does not
// reshape already-materialized runs.
func (r *WorkflowRepo) Update(ctx context.Context, wf *models.Workflow) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE workflows SET description = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		wf.Description, wf.ID)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_steps WHERE workflow_id = ?`, wf.ID); err != nil {
		return fmt.Errorf("clear workflow steps: %w", err)
	}
	if err := insertWorkflowSteps(ctx, tx, wf.ID, wf.Steps); err != nil {
		return err
	}

	return tx.Commit()
}

// Delete removes a workflow. The caller (internal/workflows) is responsible
// for checking no active run references it first.
func (r *WorkflowRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountRunningRuns returns how many runs referencing this workflow are
// currently in status=running, used to enforce the delete guard.
func (r *WorkflowRepo) CountRunningRuns(ctx context.Context, workflowID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE workflow_id = ? AND status = 'running'`, workflowID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count running runs: %w", err)
	}
	return count, nil
}
