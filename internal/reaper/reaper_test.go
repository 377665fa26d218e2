package reaper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loomctl/internal/db"
	"loomctl/internal/db/repositories"
	"loomctl/pkg/models"
)

func newTestRepos(t *testing.T) *repositories.Repositories {
	t.Helper()
	tdb, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tdb.Close() })
	return repositories.New(tdb)
}

func sampleWorkflow(id, name string) *models.Workflow {
	return &models.Workflow{
		ID:   id,
		Name: name,
		Steps: []models.StepConfig{
			{StepID: "plan", AgentID: "planner", Type: models.StepTypeSingle, InputTemplate: "{{task}}"},
			{StepID: "build", AgentID: "builder", Type: models.StepTypeSingle, InputTemplate: "{{plan}}"},
		},
	}
}

func seedRunWithStep(t *testing.T, repos *repositories.Repositories, runID string, stepStatus models.StepStatus, retryCount int) (*models.Run, *models.Step) {
	t.Helper()
	ctx := context.Background()
	wf := sampleWorkflow("wf-"+runID, "two-step-"+runID)
	require.NoError(t, repos.Workflows.Create(ctx, wf))

	run := &models.Run{
		ID:         runID,
		WorkflowID: wf.ID,
		Task:       "do the thing",
		Status:     models.RunStatusRunning,
		Context:    map[string]string{"task": "do the thing"},
	}
	steps := []*models.Step{
		{
			ID:         runID + ":plan",
			RunID:      runID,
			StepID:     "plan",
			AgentID:    "planner",
			StepIndex:  0,
			Type:       models.StepTypeSingle,
			Status:     stepStatus,
			RetryCount: retryCount,
			MaxRetries: 3,
		},
		{
			ID:         runID + ":build",
			RunID:      runID,
			StepID:     "build",
			AgentID:    "builder",
			StepIndex:  1,
			Type:       models.StepTypeSingle,
			Status:     models.StepStatusWaiting,
			MaxRetries: 3,
		},
	}
	require.NoError(t, repos.Runs.CreateWithSteps(ctx, run, steps))
	return run, steps[0]
}

func TestReaper_ReapAbandonedSteps_ResetsStaleRunningStep(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	_, step := seedRunWithStep(t, repos, "run-1", models.StepStatusRunning, 0)

	// Force the step to look abandoned by directly backdating updated_at;
	// this mirrors how the reaper's ListAbandoned query finds real rows.
	tx, err := repos.BeginTx()
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `UPDATE steps SET updated_at = datetime('now', '-20 minutes') WHERE id = ?`, step.ID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	r := New(repos, Config{AbandonedStepAgeMinutes: 15})
	n, err := r.reapAbandonedSteps(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repos.Steps.GetByID(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, got.Status)
	require.NotNil(t, got.Output)
	assert.Contains(t, *got.Output, "RESET")
}

func TestReaper_ReapAbandonedSteps_IgnoresRecentRunningStep(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	_, step := seedRunWithStep(t, repos, "run-1", models.StepStatusRunning, 0)

	r := New(repos, Config{AbandonedStepAgeMinutes: 15})
	n, err := r.reapAbandonedSteps(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := repos.Steps.GetByID(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusRunning, got.Status)
}

func TestReaper_RetryFailedSteps_ResetsPastCooldown(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	_, step := seedRunWithStep(t, repos, "run-1", models.StepStatusFailed, 1)

	tx, err := repos.BeginTx()
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `UPDATE steps SET updated_at = datetime('now', '-10 minutes') WHERE id = ?`, step.ID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	r := New(repos, Config{RetryCooldownMinutes: 5})
	n, err := r.retryFailedSteps(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repos.Steps.GetByID(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, got.Status)
	assert.Equal(t, 2, got.RetryCount)
}

func TestReaper_RetryFailedSteps_SkipsExhaustedRetries(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	_, step := seedRunWithStep(t, repos, "run-1", models.StepStatusFailed, 3)

	tx, err := repos.BeginTx()
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `UPDATE steps SET updated_at = datetime('now', '-10 minutes') WHERE id = ?`, step.ID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	r := New(repos, Config{RetryCooldownMinutes: 5})
	n, err := r.retryFailedSteps(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReaper_TimeoutRuns_FailsRunAndRunningSteps(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	run, step := seedRunWithStep(t, repos, "run-1", models.StepStatusRunning, 0)

	tx, err := repos.BeginTx()
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `UPDATE runs SET updated_at = datetime('now', '-90 minutes') WHERE id = ?`, run.ID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	r := New(repos, Config{RunTimeoutMinutes: 60})
	n, err := r.timeoutRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gotRun, err := repos.Runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, gotRun.Status)

	gotStep, err := repos.Steps.GetByID(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, gotStep.Status)
	require.NotNil(t, gotStep.Output)
	assert.Contains(t, *gotStep.Output, "RUN_TIMEOUT")
}

func TestReaper_ArchiveRuns_ArchivesOldTerminalRuns(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	run, _ := seedRunWithStep(t, repos, "run-1", models.StepStatusCompleted, 0)
	require.NoError(t, repos.Runs.UpdateStatus(ctx, run.ID, models.RunStatusCompleted))

	tx, err := repos.BeginTx()
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `UPDATE runs SET updated_at = datetime('now', '-48 hours') WHERE id = ?`, run.ID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	r := New(repos, Config{ArchiveEnabled: true, ArchiveDelayHours: 24})
	n, err := r.archiveRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gotRun, err := repos.Runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, gotRun.ArchivedAt)
}
