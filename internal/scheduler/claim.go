package scheduler

import (
	"context"
	"database/sql"
	"errors"

	"loomctl/internal/apperrors"
	"loomctl/internal/template"
	"loomctl/pkg/models"
)

// ClaimStep implements the per-run claim verb (spec.md §6
// `POST /runs/:runId/steps/:stepId/claim`): a caller that already knows
// which step it wants, as opposed to ClaimByAgent's "give me whatever is
// next" polling. Ordering and agent-ownership are both enforced here since
// nothing upstream of this call already checked them.
func (s *Scheduler) ClaimStep(ctx context.Context, runID, stepID, agentID string) (*ClaimResult, error) {
	tx, err := s.repos.BeginTx()
	if err != nil {
		return nil, apperrors.Wrap(err, "begin claim tx")
	}
	defer func() { _ = tx.Rollback() }()

	run, err := s.repos.Runs.GetByIDTx(ctx, tx, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.NotFound, "run %q not found", runID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "load run")
	}

	step, err := s.repos.Steps.GetByRunAndStepIDTx(ctx, tx, runID, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.NotFound, "step %q not found in run %q", stepID, runID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "load step")
	}

	if run.Status != models.RunStatusRunning {
		return nil, apperrors.New(apperrors.StateConflict, "run %q is not running", runID).WithStatus(string(run.Status))
	}
	if step.AgentID != "" && step.AgentID != agentID {
		return nil, apperrors.New(apperrors.ForbiddenAgent, "step %q is bound to agent %q, not %q", stepID, step.AgentID, agentID)
	}

	siblings, err := s.repos.Steps.ListByRun(ctx, runID)
	if err != nil {
		return nil, apperrors.Wrap(err, "list sibling steps")
	}
	for _, sib := range siblings {
		if sib.StepIndex < step.StepIndex && sib.Status != models.StepStatusCompleted {
			return nil, apperrors.New(apperrors.StateConflict, "step %q: previous step %q is not complete", stepID, sib.StepID).WithStatus(string(sib.Status))
		}
	}

	if step.Status != models.StepStatusPending {
		return nil, apperrors.New(apperrors.StateConflict, "step %q is not claimable", stepID).WithStatus(string(step.Status))
	}

	n, err := s.repos.Steps.CompareAndSetStatusTx(ctx, tx, step.ID, models.StepStatusPending, models.StepStatusRunning)
	if err != nil {
		return nil, apperrors.Wrap(err, "claim step")
	}
	if n == 0 {
		return nil, apperrors.New(apperrors.ConcurrencyLoss, "step %q was claimed by another caller", stepID).WithStatus(string(models.StepStatusRunning))
	}

	resolved := template.Resolve(step.InputTemplate, run.Context)
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(err, "commit claim")
	}
	s.publish(Event{Type: EventStepClaimed, RunID: run.ID, StepID: step.ID})
	return &ClaimResult{Found: true, StepID: step.ID, RunID: run.ID, ResolvedInput: resolved}, nil
}
