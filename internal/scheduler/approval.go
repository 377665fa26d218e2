package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"loomctl/internal/apperrors"
	"loomctl/pkg/models"
)

// RequestApproval transitions an approval step from running to
// awaiting_approval, setting the run's awaiting-approval flag (spec.md
// §4.6). This is the "generic status patch" the spec describes; it does
// not go through completeStepWithPipeline since the step has not produced
// output yet.
func (s *Scheduler) RequestApproval(ctx context.Context, stepID string) error {
	tx, err := s.repos.BeginTx()
	if err != nil {
		return apperrors.Wrap(err, "begin approval-request tx")
	}
	defer func() { _ = tx.Rollback() }()

	step, err := s.repos.Steps.GetByIDTx(ctx, tx, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.New(apperrors.NotFound, "step %q not found", stepID)
	}
	if err != nil {
		return apperrors.Wrap(err, "load step")
	}
	if step.Type != models.StepTypeApproval {
		return apperrors.New(apperrors.ValidationError, "step %q is not an approval step", stepID)
	}
	if !checkTransition(step.Status, models.StepStatusAwaitingApproval) {
		return apperrors.New(apperrors.InvalidTransition, "step %q: cannot await approval from status %q", step.ID, step.Status).WithStatus(string(step.Status))
	}

	if err := s.repos.Steps.UpdateOutputAndStatusTx(ctx, tx, step.ID, models.StepStatusAwaitingApproval, nil); err != nil {
		return apperrors.Wrap(err, "mark step awaiting approval")
	}
	if err := s.repos.Runs.SetAwaitingApprovalTx(ctx, tx, step.RunID, true); err != nil {
		return apperrors.Wrap(err, "set run awaiting approval")
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, "commit approval request")
	}
	s.publish(Event{Type: EventStepAwaitingApproval, RunID: step.RunID, StepID: step.ID})
	return nil
}

// ApproveStep implements approveStep(stepId, note): valid only from
// awaiting_approval, completes the step with a synthetic "APPROVED: note"
// output, clears the run's awaiting flag if no other step needs approval,
// then advances the pipeline exactly as completeStepWithPipeline's tail.
func (s *Scheduler) ApproveStep(ctx context.Context, stepID, note string) (*CompleteResult, error) {
	tx, err := s.repos.BeginTx()
	if err != nil {
		return nil, apperrors.Wrap(err, "begin approve tx")
	}
	defer func() { _ = tx.Rollback() }()

	step, err := s.repos.Steps.GetByIDTx(ctx, tx, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.NotFound, "step %q not found", stepID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "load step")
	}
	if step.Status != models.StepStatusAwaitingApproval {
		return nil, apperrors.New(apperrors.InvalidTransition, "step %q: approve only valid from awaiting_approval, got %q", step.ID, step.Status).WithStatus(string(step.Status))
	}

	run, err := s.repos.Runs.GetByIDTx(ctx, tx, step.RunID)
	if err != nil {
		return nil, apperrors.Wrap(err, "load run")
	}

	output := fmt.Sprintf("APPROVED: %s", note)
	if err := s.repos.Steps.UpdateOutputAndStatusTx(ctx, tx, step.ID, models.StepStatusCompleted, &output); err != nil {
		return nil, apperrors.Wrap(err, "complete approved step")
	}

	pending, err := s.repos.Runs.CountPendingApprovalStepsTx(ctx, tx, run.ID)
	if err != nil {
		return nil, apperrors.Wrap(err, "count pending approvals")
	}
	if pending == 0 {
		if err := s.repos.Runs.SetAwaitingApprovalTx(ctx, tx, run.ID, false); err != nil {
			return nil, apperrors.Wrap(err, "clear run awaiting approval")
		}
	}

	runCompleted, err := s.advancePipelineTx(ctx, tx, run.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(err, "commit approval")
	}

	s.publish(Event{Type: EventStepCompleted, RunID: run.ID, StepID: step.ID})
	if runCompleted {
		s.publish(Event{Type: EventRunCompleted, RunID: run.ID})
		s.notifyRunFinished(finishedRun{ID: run.ID, NotifyURL: run.NotifyURL, Status: string(models.RunStatusCompleted)})
	}
	return &CompleteResult{StepCompleted: true, RunCompleted: runCompleted}, nil
}

// RejectStep implements rejectStep(stepId, reason): valid only from
// awaiting_approval, fails the step with a synthetic "REJECTED: reason"
// output and fails the run. Rejections are never retried.
func (s *Scheduler) RejectStep(ctx context.Context, stepID, reason string) error {
	tx, err := s.repos.BeginTx()
	if err != nil {
		return apperrors.Wrap(err, "begin reject tx")
	}
	defer func() { _ = tx.Rollback() }()

	step, err := s.repos.Steps.GetByIDTx(ctx, tx, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.New(apperrors.NotFound, "step %q not found", stepID)
	}
	if err != nil {
		return apperrors.Wrap(err, "load step")
	}
	if step.Status != models.StepStatusAwaitingApproval {
		return apperrors.New(apperrors.InvalidTransition, "step %q: reject only valid from awaiting_approval, got %q", step.ID, step.Status).WithStatus(string(step.Status))
	}

	output := fmt.Sprintf("REJECTED: %s", reason)
	if err := s.repos.Steps.UpdateOutputAndStatusTx(ctx, tx, step.ID, models.StepStatusFailed, &output); err != nil {
		return apperrors.Wrap(err, "fail rejected step")
	}
	if err := s.repos.Runs.UpdateStatusTx(ctx, tx, step.RunID, models.RunStatusFailed); err != nil {
		return apperrors.Wrap(err, "fail run")
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, "commit rejection")
	}

	s.publish(Event{Type: EventStepFailed, RunID: step.RunID, StepID: step.ID})
	s.publish(Event{Type: EventRunFailed, RunID: step.RunID})
	if run, err := s.repos.Runs.GetByID(ctx, step.RunID); err == nil {
		s.notifyRunFinished(finishedRun{ID: run.ID, NotifyURL: run.NotifyURL, Status: string(models.RunStatusFailed)})
	}
	return nil
}
