// Package runs implements the Run Store (spec.md §4.3): creating runs from
// workflow definitions, materializing their step rows, and the plain
// read/update operations layered over internal/db/repositories, the same
// split internal/workflows uses for the Workflow Store.
package runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"loomctl/internal/apperrors"
	"loomctl/internal/db/repositories"
	"loomctl/internal/idgen"
	"loomctl/internal/scheduler"
	"loomctl/pkg/models"
)

// Store implements the Run Store operations.
type Store struct {
	repos     *repositories.Repositories
	publisher scheduler.Publisher
}

func NewStore(repos *repositories.Repositories) *Store {
	return &Store{repos: repos}
}

// SetPublisher wires the event broadcaster; a nil publisher is valid.
func (s *Store) SetPublisher(p scheduler.Publisher) {
	s.publisher = p
}

// CreateParams mirrors create({workflowId, task, context?, taskId?,
// notifyUrl?}) from spec.md §4.3.
type CreateParams struct {
	WorkflowID string
	Task       string
	Context    map[string]string
	TaskID     *string
	NotifyURL  *string
}

// Create loads the named workflow, materializes a fresh Run plus one Step
// row per step config (the first `pending`, the rest `waiting`), and
// inserts everything in a single transaction.
func (s *Store) Create(ctx context.Context, params CreateParams) (*models.Run, error) {
	if params.WorkflowID == "" {
		return nil, apperrors.New(apperrors.ValidationError, "workflowId is required")
	}
	if params.Task == "" {
		return nil, apperrors.New(apperrors.ValidationError, "task is required")
	}

	wf, err := s.repos.Workflows.GetByID(ctx, params.WorkflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.NotFound, "workflow %q not found", params.WorkflowID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "load workflow")
	}
	if len(wf.Steps) == 0 {
		return nil, apperrors.New(apperrors.ValidationError, "workflow %q has no steps", params.WorkflowID)
	}

	runContext := map[string]string{"task": params.Task}
	for k, v := range params.Context {
		runContext[k] = v
	}

	run := &models.Run{
		ID:         idgen.NewRunID(),
		WorkflowID: wf.ID,
		TaskID:     params.TaskID,
		Task:       params.Task,
		Status:     models.RunStatusRunning,
		Context:    runContext,
		NotifyURL:  params.NotifyURL,
	}

	steps := make([]*models.Step, len(wf.Steps))
	for i, sc := range wf.Steps {
		status := models.StepStatusWaiting
		if i == 0 {
			status = models.StepStatusPending
		}
		steps[i] = &models.Step{
			ID:            fmt.Sprintf("%s:%s", run.ID, sc.StepID),
			RunID:         run.ID,
			StepID:        sc.StepID,
			AgentID:       sc.AgentID,
			StepIndex:     i,
			InputTemplate: sc.InputTemplate,
			Expects:       sc.Expects,
			Type:          sc.Type,
			LoopConfig:    sc.LoopConfig,
			Status:        status,
			MaxRetries:    3,
		}
	}

	if err := s.repos.Runs.CreateWithSteps(ctx, run, steps); err != nil {
		return nil, apperrors.Wrap(err, "create run")
	}

	created, err := s.GetByID(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	s.publish(scheduler.Event{Type: scheduler.EventRunCreated, RunID: created.ID})
	return created, nil
}

// GetByID loads a run, translating a missing row to NotFound.
func (s *Store) GetByID(ctx context.Context, id string) (*models.Run, error) {
	run, err := s.repos.Runs.GetByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.NotFound, "run %q not found", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "get run")
	}
	return run, nil
}

// List returns runs matching the given filter, newest first.
func (s *Store) List(ctx context.Context, filter repositories.RunFilter) ([]*models.Run, error) {
	out, err := s.repos.Runs.List(ctx, filter)
	if err != nil {
		return nil, apperrors.Wrap(err, "list runs")
	}
	return out, nil
}

// UpdateStatus sets a run's status, restricted to the three terminal/active
// states the spec allows an external caller to set directly.
func (s *Store) UpdateStatus(ctx context.Context, id string, status models.RunStatus) error {
	switch status {
	case models.RunStatusRunning, models.RunStatusCompleted, models.RunStatusFailed:
	default:
		return apperrors.New(apperrors.ValidationError, "invalid run status %q", status)
	}
	if _, err := s.GetByID(ctx, id); err != nil {
		return err
	}
	if err := s.repos.Runs.UpdateStatus(ctx, id, status); err != nil {
		return apperrors.Wrap(err, "update run status")
	}
	return nil
}

func (s *Store) publish(e scheduler.Event) {
	if s.publisher != nil {
		s.publisher.Publish(e)
	}
}
