// Package scheduler implements the Step Scheduler (spec.md §4.4): atomic
// step claiming, output-driven pipeline advancement, retry accounting, and
// the status-transition matrix that the complete, fail and approval-request
// paths check Step writes against.
// The Loop Controller (§4.5) and Approval Controller (§4.6) live alongside
// it in this package, since both are just specialised branches of
// completeStepWithPipeline reached by step type or explicit verb.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"loomctl/internal/apperrors"
	"loomctl/internal/db/repositories"
	"loomctl/internal/template"
	"loomctl/pkg/models"
)

// maxClaimAttempts bounds the claim-and-retry loop in ClaimByAgent. Losing
// a compare-and-set means another poller won the row; under realistic
// contention a handful of retries is always enough, and a bound here turns
// a runaway contention storm into a reported error instead of a stuck
// request.
const maxClaimAttempts = 10

// Scheduler implements claimByAgent, completeStepWithPipeline, failStep,
// approveStep, and rejectStep against the repository layer.
type Scheduler struct {
	repos     *repositories.Repositories
	tmpl      *template.Engine
	publisher Publisher
	notifier  Notifier
}

func New(repos *repositories.Repositories, tmpl *template.Engine) *Scheduler {
	return &Scheduler{repos: repos, tmpl: tmpl}
}

func (s *Scheduler) SetPublisher(p Publisher) { s.publisher = p }
func (s *Scheduler) SetNotifier(n Notifier)    { s.notifier = n }

// ClaimResult is claimByAgent's return shape (spec.md §4.4).
type ClaimResult struct {
	Found         bool
	StepID        string
	RunID         string
	ResolvedInput string
	StoryID       *string
}

// ClaimByAgent finds the lowest-stepIndex pending step bound to agentID
// whose run is running, atomically claims it, resolves its input template,
// and returns it. A loop step additionally claims its next pending story.
func (s *Scheduler) ClaimByAgent(ctx context.Context, agentID string) (*ClaimResult, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		result, retry, err := s.tryClaim(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if !retry {
			return result, nil
		}
	}
	return nil, apperrors.New(apperrors.ConcurrencyLoss, "claim for agent %q lost the race %d times in a row", agentID, maxClaimAttempts)
}

func (s *Scheduler) tryClaim(ctx context.Context, agentID string) (result *ClaimResult, retry bool, err error) {
	tx, err := s.repos.BeginTx()
	if err != nil {
		return nil, false, apperrors.Wrap(err, "begin claim tx")
	}
	defer func() { _ = tx.Rollback() }()

	step, err := s.repos.Steps.FindClaimableTx(ctx, tx, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return &ClaimResult{Found: false}, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrap(err, "find claimable step")
	}

	run, err := s.repos.Runs.GetByIDTx(ctx, tx, step.RunID)
	if err != nil {
		return nil, false, apperrors.Wrap(err, "load run for claim")
	}

	if step.Type != models.StepTypeLoop {
		n, err := s.repos.Steps.CompareAndSetStatusTx(ctx, tx, step.ID, models.StepStatusPending, models.StepStatusRunning)
		if err != nil {
			return nil, false, apperrors.Wrap(err, "claim step")
		}
		if n == 0 {
			return nil, true, nil // lost the race, caller retries from (1)
		}
		resolved := template.Resolve(step.InputTemplate, run.Context)
		if err := tx.Commit(); err != nil {
			return nil, false, apperrors.Wrap(err, "commit claim")
		}
		s.publish(Event{Type: EventStepClaimed, RunID: run.ID, StepID: step.ID})
		return &ClaimResult{Found: true, StepID: step.ID, RunID: run.ID, ResolvedInput: resolved}, false, nil
	}

	return s.tryClaimLoopStep(ctx, tx, step, run)
}

func (s *Scheduler) tryClaimLoopStep(ctx context.Context, tx *sql.Tx, step *models.Step, run *models.Run) (*ClaimResult, bool, error) {
	story, err := s.repos.Stories.FindPendingByRunTx(ctx, tx, run.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return s.noPendingStory(ctx, tx, step, run)
	}
	if err != nil {
		return nil, false, apperrors.Wrap(err, "find pending story")
	}

	if n, err := s.repos.Stories.CompareAndSetStatusTx(ctx, tx, story.ID, models.StoryStatusPending, models.StoryStatusRunning); err != nil {
		return nil, false, apperrors.Wrap(err, "claim story")
	} else if n == 0 {
		return nil, true, nil
	}
	if n, err := s.repos.Steps.CompareAndSetStatusTx(ctx, tx, step.ID, models.StepStatusPending, models.StepStatusRunning); err != nil {
		return nil, false, apperrors.Wrap(err, "claim loop step")
	} else if n == 0 {
		return nil, true, nil
	}
	if err := s.repos.Steps.SetCurrentStoryTx(ctx, tx, step.ID, &story.ID); err != nil {
		return nil, false, apperrors.Wrap(err, "set current story")
	}

	augmented := make(map[string]string, len(run.Context)+2)
	for k, v := range run.Context {
		augmented[k] = v
	}
	augmented["current_story"] = template.FormatStory(story.StoryID, story.Title, story.Description, story.AcceptanceCriteria)
	augmented["current_story_id"] = story.StoryID
	resolved := template.Resolve(step.InputTemplate, augmented)

	if err := tx.Commit(); err != nil {
		return nil, false, apperrors.Wrap(err, "commit loop claim")
	}
	s.publish(Event{Type: EventStepClaimed, RunID: run.ID, StepID: step.ID})
	storyID := story.StoryID
	return &ClaimResult{Found: true, StepID: step.ID, RunID: run.ID, ResolvedInput: resolved, StoryID: &storyID}, false, nil
}

// noPendingStory implements the loop step's "no work" path: if the run's
// story set has been exhausted (stories exist and none remain unfinished),
// the loop step is completed eagerly while still holding the claim
// transaction's lock on the run, per spec.md §4.5. Otherwise the step stays
// pending and the caller sees {found:false}.
func (s *Scheduler) noPendingStory(ctx context.Context, tx *sql.Tx, step *models.Step, run *models.Run) (*ClaimResult, bool, error) {
	total, err := s.repos.Stories.CountByRunTx(ctx, tx, run.ID)
	if err != nil {
		return nil, false, apperrors.Wrap(err, "count stories")
	}
	if total == 0 {
		return &ClaimResult{Found: false}, false, nil
	}

	unfinished, err := s.repos.Stories.CountUnfinishedByRunTx(ctx, tx, run.ID)
	if err != nil {
		return nil, false, apperrors.Wrap(err, "count unfinished stories")
	}
	if unfinished > 0 {
		return &ClaimResult{Found: false}, false, nil
	}

	n, err := s.repos.Steps.CompareAndSetStatusTx(ctx, tx, step.ID, models.StepStatusPending, models.StepStatusCompleted)
	if err != nil {
		return nil, false, apperrors.Wrap(err, "complete exhausted loop step")
	}
	if n == 0 {
		return &ClaimResult{Found: false}, false, nil
	}

	runCompleted, err := s.advancePipelineTx(ctx, tx, run.ID)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, apperrors.Wrap(err, "commit loop completion")
	}

	s.publish(Event{Type: EventStepCompleted, RunID: run.ID, StepID: step.ID})
	if runCompleted {
		s.publish(Event{Type: EventRunCompleted, RunID: run.ID})
		s.notifyRunFinished(finishedRun{ID: run.ID, NotifyURL: run.NotifyURL, Status: string(models.RunStatusCompleted)})
	}
	return &ClaimResult{Found: false}, false, nil
}

// CompleteResult is completeStepWithPipeline's return shape.
type CompleteResult struct {
	StepCompleted bool
	RunCompleted  bool
}

// CompleteStepWithPipeline resolves a reported step output: it merges
// output into the run's context, completes the step, materializes any
// stories the output declares, advances the pipeline to the next waiting
// step or completes the run, and publishes the resulting events. Loop
// steps and verify-partner steps are dispatched to the Loop Controller.
func (s *Scheduler) CompleteStepWithPipeline(ctx context.Context, stepID, output string) (*CompleteResult, error) {
	tx, err := s.repos.BeginTx()
	if err != nil {
		return nil, apperrors.Wrap(err, "begin complete tx")
	}
	defer func() { _ = tx.Rollback() }()

	step, err := s.repos.Steps.GetByIDTx(ctx, tx, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.NotFound, "step %q not found", stepID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "load step")
	}

	run, err := s.repos.Runs.GetByIDTx(ctx, tx, step.RunID)
	if err != nil {
		return nil, apperrors.Wrap(err, "load run")
	}

	if step.Type == models.StepTypeLoop {
		return s.completeLoopStep(ctx, tx, step, run, output)
	}

	if loopStep, err := s.repos.Steps.FindLoopStepByVerifyStepTx(ctx, tx, run.ID, step.StepID); err == nil {
		return s.completeVerifyStep(ctx, tx, step, run, loopStep, output)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrap(err, "check verify partner")
	}

	return s.completeOrdinaryStep(ctx, tx, step, run, output)
}

func (s *Scheduler) completeOrdinaryStep(ctx context.Context, tx *sql.Tx, step *models.Step, run *models.Run, output string) (*CompleteResult, error) {
	if !checkTransition(step.Status, models.StepStatusCompleted) {
		return nil, apperrors.New(apperrors.InvalidTransition, "step %q: cannot complete from status %q", step.ID, step.Status).WithStatus(string(step.Status))
	}

	merged := template.MergeContext(output, run.Context)
	if err := s.repos.Runs.UpdateContextTx(ctx, tx, run.ID, merged); err != nil {
		return nil, apperrors.Wrap(err, "merge run context")
	}
	if err := s.materializeStories(ctx, tx, run.ID, output); err != nil {
		return nil, err
	}

	outPtr := output
	if err := s.repos.Steps.UpdateOutputAndStatusTx(ctx, tx, step.ID, models.StepStatusCompleted, &outPtr); err != nil {
		return nil, apperrors.Wrap(err, "complete step")
	}

	runCompleted, err := s.advancePipelineTx(ctx, tx, run.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(err, "commit complete")
	}

	s.publish(Event{Type: EventStepCompleted, RunID: run.ID, StepID: step.ID})
	if runCompleted {
		s.publish(Event{Type: EventRunCompleted, RunID: run.ID})
		s.notifyRunFinished(finishedRun{ID: run.ID, NotifyURL: run.NotifyURL, Status: string(models.RunStatusCompleted)})
	}
	return &CompleteResult{StepCompleted: true, RunCompleted: runCompleted}, nil
}

// advancePipelineTx flips the next waiting step to pending, or -- when none
// remains -- completes the run if every step is terminal.
func (s *Scheduler) advancePipelineTx(ctx context.Context, tx *sql.Tx, runID string) (runCompleted bool, err error) {
	advanced, err := s.repos.Steps.AdvancePipelineTx(ctx, tx, runID)
	if err != nil {
		return false, apperrors.Wrap(err, "advance pipeline")
	}
	if advanced {
		return false, nil
	}

	incomplete, err := s.repos.Steps.CountIncompleteTx(ctx, tx, runID)
	if err != nil {
		return false, apperrors.Wrap(err, "count incomplete steps")
	}
	if incomplete > 0 {
		return false, nil
	}
	if err := s.repos.Runs.UpdateStatusTx(ctx, tx, runID, models.RunStatusCompleted); err != nil {
		return false, apperrors.Wrap(err, "complete run")
	}
	return true, nil
}

// FailResult is failStep's return shape.
type FailResult struct {
	WillRetry bool
}

// FailStep reports a step failure. While retries remain it resets the step
// to pending with a synthetic retry output; once exhausted it fails both
// the step and its run.
func (s *Scheduler) FailStep(ctx context.Context, stepID, errMsg string, output *string) (*FailResult, error) {
	tx, err := s.repos.BeginTx()
	if err != nil {
		return nil, apperrors.Wrap(err, "begin fail tx")
	}
	defer func() { _ = tx.Rollback() }()

	step, err := s.repos.Steps.GetByIDTx(ctx, tx, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.NotFound, "step %q not found", stepID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "load step")
	}

	if step.RetryCount < step.MaxRetries {
		if !checkTransition(step.Status, models.StepStatusPending) {
			return nil, apperrors.New(apperrors.InvalidTransition, "step %q: cannot retry from status %q", step.ID, step.Status).WithStatus(string(step.Status))
		}
		synthetic := retryOutput(errMsg, output, step.RetryCount+1)
		if err := s.repos.Steps.IncrementRetryAndResetTx(ctx, tx, step.ID, models.StepStatusPending, &synthetic); err != nil {
			return nil, apperrors.Wrap(err, "reset step for retry")
		}
		if err := tx.Commit(); err != nil {
			return nil, apperrors.Wrap(err, "commit retry")
		}
		return &FailResult{WillRetry: true}, nil
	}

	if !checkTransition(step.Status, models.StepStatusFailed) {
		return nil, apperrors.New(apperrors.InvalidTransition, "step %q: cannot fail from status %q", step.ID, step.Status).WithStatus(string(step.Status))
	}
	synthetic := exhaustedOutput(errMsg, output)
	if err := s.repos.Steps.UpdateOutputAndStatusTx(ctx, tx, step.ID, models.StepStatusFailed, &synthetic); err != nil {
		return nil, apperrors.Wrap(err, "fail step")
	}
	if err := s.repos.Runs.UpdateStatusTx(ctx, tx, step.RunID, models.RunStatusFailed); err != nil {
		return nil, apperrors.Wrap(err, "fail run")
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(err, "commit failure")
	}

	s.publish(Event{Type: EventStepFailed, RunID: step.RunID, StepID: step.ID})
	s.publish(Event{Type: EventRunFailed, RunID: step.RunID})
	run, err := s.repos.Runs.GetByID(ctx, step.RunID)
	if err == nil {
		s.notifyRunFinished(finishedRun{ID: run.ID, NotifyURL: run.NotifyURL, Status: string(models.RunStatusFailed)})
	}
	return &FailResult{WillRetry: false}, nil
}

type retrySyntheticOutput struct {
	Error  string `json:"error"`
	Output string `json:"output"`
	Retry  int    `json:"retry"`
}

type exhaustedSyntheticOutput struct {
	Error           string `json:"error"`
	Output          string `json:"output"`
	RetriesExceeded bool   `json:"retries_exceeded"`
}

func retryOutput(errMsg string, output *string, retry int) string {
	b, err := json.Marshal(retrySyntheticOutput{Error: errMsg, Output: derefOrEmpty(output), Retry: retry})
	if err != nil {
		return errMsg
	}
	return string(b)
}

func exhaustedOutput(errMsg string, output *string) string {
	b, err := json.Marshal(exhaustedSyntheticOutput{Error: errMsg, Output: derefOrEmpty(output), RetriesExceeded: true})
	if err != nil {
		return errMsg
	}
	return string(b)
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
