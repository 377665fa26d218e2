package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loomctl/pkg/models"
)

func TestRunRepo_CreateWithSteps_AndGetByID(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	wf := sampleWorkflow("wf-1", "two-step")
	require.NoError(t, repos.Workflows.Create(ctx, wf))

	run := seedRun(t, repos, "run-1", wf, "auth")
	assert.Equal(t, models.RunStatusRunning, run.Status)

	got, err := repos.Runs.GetByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "auth", got.Task)
	assert.Equal(t, "auth", got.Context["task"])

	steps, err := repos.Steps.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
}

func TestRunRepo_List_FiltersByStatus(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	wf := sampleWorkflow("wf-1", "two-step")
	require.NoError(t, repos.Workflows.Create(ctx, wf))
	seedRun(t, repos, "run-1", wf, "auth")

	require.NoError(t, repos.Runs.UpdateStatus(ctx, "run-1", models.RunStatusCompleted))

	running := models.RunStatusRunning
	results, err := repos.Runs.List(ctx, RunFilter{Status: &running})
	require.NoError(t, err)
	assert.Empty(t, results)

	completed := models.RunStatusCompleted
	results, err = repos.Runs.List(ctx, RunFilter{Status: &completed})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "run-1", results[0].ID)
}

func TestRunRepo_UpdateContextTx_MergesOverMonotonically(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	wf := sampleWorkflow("wf-1", "two-step")
	require.NoError(t, repos.Workflows.Create(ctx, wf))
	seedRun(t, repos, "run-1", wf, "auth")

	tx, err := repos.BeginTx()
	require.NoError(t, err)
	require.NoError(t, repos.Runs.UpdateContextTx(ctx, tx, "run-1", map[string]string{"task": "auth", "status": "done"}))
	require.NoError(t, tx.Commit())

	got, err := repos.Runs.GetByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "auth", got.Context["task"])
	assert.Equal(t, "done", got.Context["status"])
}

func TestRunRepo_SetAwaitingApprovalTx(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	wf := sampleWorkflow("wf-1", "two-step")
	require.NoError(t, repos.Workflows.Create(ctx, wf))
	seedRun(t, repos, "run-1", wf, "auth")

	tx, err := repos.BeginTx()
	require.NoError(t, err)
	require.NoError(t, repos.Runs.SetAwaitingApprovalTx(ctx, tx, "run-1", true))
	require.NoError(t, tx.Commit())

	got, err := repos.Runs.GetByID(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, got.AwaitingApproval)
	require.NotNil(t, got.AwaitingApprovalSince)
}
