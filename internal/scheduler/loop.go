package scheduler

import (
	"context"
	"database/sql"
	"errors"

	"loomctl/internal/apperrors"
	"loomctl/internal/template"
	"loomctl/pkg/models"
)

// completeLoopStep handles a loop step's agent reporting a story result.
// With verifyEach configured, the story moves to verifying and the verify
// step is armed; otherwise the story completes directly and the loop step
// returns to pending so the agent can poll the next story (spec.md §4.5).
func (s *Scheduler) completeLoopStep(ctx context.Context, tx *sql.Tx, step *models.Step, run *models.Run, output string) (*CompleteResult, error) {
	if step.CurrentStoryID == nil {
		return nil, apperrors.New(apperrors.StateConflict, "loop step %q has no active story", step.ID)
	}
	storyRowID := *step.CurrentStoryID

	if step.LoopConfig != nil && step.LoopConfig.VerifyEach && step.LoopConfig.VerifyStep != "" {
		return s.handoffToVerifyStep(ctx, tx, step, run, storyRowID, output)
	}
	return s.completeStoryDirect(ctx, tx, step, run, storyRowID, output)
}

func (s *Scheduler) handoffToVerifyStep(ctx context.Context, tx *sql.Tx, step *models.Step, run *models.Run, storyRowID, output string) (*CompleteResult, error) {
	outPtr := output
	if err := s.repos.Stories.UpdateOutputAndStatusTx(ctx, tx, storyRowID, models.StoryStatusVerifying, &outPtr); err != nil {
		return nil, apperrors.Wrap(err, "mark story verifying")
	}

	verifyStep, err := s.repos.Steps.GetByRunAndStepIDTx(ctx, tx, run.ID, step.LoopConfig.VerifyStep)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ValidationError, "loop step %q: verify step %q not found in run", step.ID, step.LoopConfig.VerifyStep)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "load verify step")
	}
	if err := s.repos.Steps.UpdateOutputAndStatusTx(ctx, tx, verifyStep.ID, models.StepStatusPending, nil); err != nil {
		return nil, apperrors.Wrap(err, "arm verify step")
	}
	if err := s.repos.Steps.SetCurrentStoryTx(ctx, tx, verifyStep.ID, &storyRowID); err != nil {
		return nil, apperrors.Wrap(err, "carry current story to verify step")
	}

	if err := s.repos.Steps.UpdateOutputAndStatusTx(ctx, tx, step.ID, models.StepStatusWaiting, nil); err != nil {
		return nil, apperrors.Wrap(err, "reset loop step to waiting")
	}
	if err := s.repos.Steps.SetCurrentStoryTx(ctx, tx, step.ID, nil); err != nil {
		return nil, apperrors.Wrap(err, "clear loop step current story")
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(err, "commit verify handoff")
	}
	return &CompleteResult{StepCompleted: false, RunCompleted: false}, nil
}

func (s *Scheduler) completeStoryDirect(ctx context.Context, tx *sql.Tx, step *models.Step, run *models.Run, storyRowID, output string) (*CompleteResult, error) {
	outPtr := output
	if err := s.repos.Stories.UpdateOutputAndStatusTx(ctx, tx, storyRowID, models.StoryStatusCompleted, &outPtr); err != nil {
		return nil, apperrors.Wrap(err, "complete story")
	}
	if err := s.repos.Steps.SetCurrentStoryTx(ctx, tx, step.ID, nil); err != nil {
		return nil, apperrors.Wrap(err, "clear loop step current story")
	}
	if err := s.repos.Steps.UpdateOutputAndStatusTx(ctx, tx, step.ID, models.StepStatusPending, nil); err != nil {
		return nil, apperrors.Wrap(err, "return loop step to pending")
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(err, "commit story completion")
	}
	s.publish(Event{Type: EventStoryCompleted, RunID: run.ID, StepID: step.ID})
	return &CompleteResult{StepCompleted: false, RunCompleted: false}, nil
}

// completeVerifyStep handles the verify step's own completion: it finds the
// story carried over from the handoff, marks it completed with the verify
// output, and returns the loop step to pending to claim the next story.
func (s *Scheduler) completeVerifyStep(ctx context.Context, tx *sql.Tx, verifyStep *models.Step, run *models.Run, loopStep *models.Step, output string) (*CompleteResult, error) {
	if !checkTransition(verifyStep.Status, models.StepStatusCompleted) {
		return nil, apperrors.New(apperrors.InvalidTransition, "verify step %q: cannot complete from status %q", verifyStep.ID, verifyStep.Status).WithStatus(string(verifyStep.Status))
	}
	if verifyStep.CurrentStoryID == nil {
		return nil, apperrors.New(apperrors.StateConflict, "verify step %q has no carried story", verifyStep.ID)
	}
	storyRowID := *verifyStep.CurrentStoryID

	merged := template.MergeContext(output, run.Context)
	if err := s.repos.Runs.UpdateContextTx(ctx, tx, run.ID, merged); err != nil {
		return nil, apperrors.Wrap(err, "merge verify output into run context")
	}

	outPtr := output
	if err := s.repos.Steps.UpdateOutputAndStatusTx(ctx, tx, verifyStep.ID, models.StepStatusCompleted, &outPtr); err != nil {
		return nil, apperrors.Wrap(err, "complete verify step")
	}
	if err := s.repos.Steps.SetCurrentStoryTx(ctx, tx, verifyStep.ID, nil); err != nil {
		return nil, apperrors.Wrap(err, "clear verify step current story")
	}

	if err := s.repos.Stories.UpdateOutputAndStatusTx(ctx, tx, storyRowID, models.StoryStatusCompleted, &outPtr); err != nil {
		return nil, apperrors.Wrap(err, "complete verified story")
	}

	if _, err := s.repos.Steps.CompareAndSetStatusTx(ctx, tx, loopStep.ID, models.StepStatusWaiting, models.StepStatusPending); err != nil {
		return nil, apperrors.Wrap(err, "return loop step to pending")
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(err, "commit verify completion")
	}

	s.publish(Event{Type: EventStepCompleted, RunID: run.ID, StepID: verifyStep.ID})
	s.publish(Event{Type: EventStoryCompleted, RunID: run.ID, StepID: loopStep.ID})
	return &CompleteResult{StepCompleted: true, RunCompleted: false}, nil
}

// FailStory reports a failure for the loop step's currently claimed story.
// Per the resolved story-level failStep semantics (spec.md §9), a story
// that exhausts its retries eagerly fails its parent loop step, which in
// turn fails the run -- there is no "skip this story and continue" path.
func (s *Scheduler) FailStory(ctx context.Context, stepID, errMsg string) (*FailResult, error) {
	tx, err := s.repos.BeginTx()
	if err != nil {
		return nil, apperrors.Wrap(err, "begin story failure tx")
	}
	defer func() { _ = tx.Rollback() }()

	step, err := s.repos.Steps.GetByIDTx(ctx, tx, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.NotFound, "step %q not found", stepID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "load step")
	}
	if step.CurrentStoryID == nil {
		return nil, apperrors.New(apperrors.StateConflict, "step %q has no active story to fail", step.ID)
	}
	storyRowID := *step.CurrentStoryID

	story, err := s.repos.Stories.GetByIDTx(ctx, tx, storyRowID)
	if err != nil {
		return nil, apperrors.Wrap(err, "load story")
	}

	retryCount, err := s.repos.Stories.IncrementRetryTx(ctx, tx, story.ID)
	if err != nil {
		return nil, apperrors.Wrap(err, "increment story retry")
	}

	if retryCount < story.MaxRetries {
		synthetic := retryOutput(errMsg, nil, retryCount)
		if err := s.repos.Stories.UpdateOutputAndStatusTx(ctx, tx, story.ID, models.StoryStatusPending, &synthetic); err != nil {
			return nil, apperrors.Wrap(err, "reset story for retry")
		}
		if err := s.repos.Steps.SetCurrentStoryTx(ctx, tx, step.ID, nil); err != nil {
			return nil, apperrors.Wrap(err, "clear current story")
		}
		if err := s.repos.Steps.UpdateOutputAndStatusTx(ctx, tx, step.ID, models.StepStatusPending, nil); err != nil {
			return nil, apperrors.Wrap(err, "return loop step to pending")
		}
		if err := tx.Commit(); err != nil {
			return nil, apperrors.Wrap(err, "commit story retry")
		}
		return &FailResult{WillRetry: true}, nil
	}

	failReason := exhaustedOutput(errMsg, nil)
	if err := s.repos.Stories.UpdateOutputAndStatusTx(ctx, tx, story.ID, models.StoryStatusFailed, &failReason); err != nil {
		return nil, apperrors.Wrap(err, "fail story")
	}
	if err := s.repos.Steps.UpdateOutputAndStatusTx(ctx, tx, step.ID, models.StepStatusFailed, &failReason); err != nil {
		return nil, apperrors.Wrap(err, "fail loop step")
	}
	if err := s.repos.Runs.UpdateStatusTx(ctx, tx, step.RunID, models.RunStatusFailed); err != nil {
		return nil, apperrors.Wrap(err, "fail run")
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(err, "commit story failure")
	}

	s.publish(Event{Type: EventStepFailed, RunID: step.RunID, StepID: step.ID})
	s.publish(Event{Type: EventRunFailed, RunID: step.RunID})
	if run, err := s.repos.Runs.GetByID(ctx, step.RunID); err == nil {
		s.notifyRunFinished(finishedRun{ID: run.ID, NotifyURL: run.NotifyURL, Status: string(models.RunStatusFailed)})
	}
	return &FailResult{WillRetry: false}, nil
}
