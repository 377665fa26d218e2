package runs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loomctl/internal/apperrors"
	"loomctl/internal/db"
	"loomctl/internal/db/repositories"
	"loomctl/internal/workflows"
	"loomctl/pkg/models"
)

func newTestStore(t *testing.T) (*Store, *repositories.Repositories) {
	t.Helper()
	tdb, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tdb.Close() })
	repos := repositories.New(tdb)
	return NewStore(repos), repos
}

func seedWorkflow(t *testing.T, repos *repositories.Repositories) *models.Workflow {
	t.Helper()
	wf, err := workflows.NewStore(repos).Create(context.Background(), "auth-flow", "", []models.StepConfig{
		{StepID: "plan", AgentID: "planner", InputTemplate: "Plan: {{task}}", Expects: "done"},
		{StepID: "dev", AgentID: "developer", InputTemplate: "Dev: {{task}}", Expects: "done"},
	})
	require.NoError(t, err)
	return wf
}

func TestStore_Create_MaterializesFirstPendingRestWaiting(t *testing.T) {
	store, repos := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, repos)

	run, err := store.Create(ctx, CreateParams{WorkflowID: wf.ID, Task: "ship it"})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, "ship it", run.Context["task"])

	steps, err := repos.Steps.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, models.StepStatusPending, steps[0].Status)
	assert.Equal(t, models.StepStatusWaiting, steps[1].Status)
}

func TestStore_Create_MergesCallerContextOverTask(t *testing.T) {
	store, repos := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, repos)

	run, err := store.Create(ctx, CreateParams{
		WorkflowID: wf.ID,
		Task:       "ship it",
		Context:    map[string]string{"priority": "high"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ship it", run.Context["task"])
	assert.Equal(t, "high", run.Context["priority"])
}

func TestStore_Create_UnknownWorkflow_NotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Create(context.Background(), CreateParams{WorkflowID: "wf_missing", Task: "x"})
	require.Error(t, err)
	assert.Equal(t, apperrors.NotFound, apperrors.KindOf(err))
}

func TestStore_Create_EmptyTask_ValidationError(t *testing.T) {
	store, repos := newTestStore(t)
	wf := seedWorkflow(t, repos)
	_, err := store.Create(context.Background(), CreateParams{WorkflowID: wf.ID, Task: ""})
	require.Error(t, err)
	assert.Equal(t, apperrors.ValidationError, apperrors.KindOf(err))
}

func TestStore_GetByID_NotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.GetByID(context.Background(), "run_missing")
	require.Error(t, err)
	assert.Equal(t, apperrors.NotFound, apperrors.KindOf(err))
}

func TestStore_UpdateStatus_RejectsUnknownStatus(t *testing.T) {
	store, repos := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, repos)
	run, err := store.Create(ctx, CreateParams{WorkflowID: wf.ID, Task: "x"})
	require.NoError(t, err)

	err = store.UpdateStatus(ctx, run.ID, models.RunStatus("bogus"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ValidationError, apperrors.KindOf(err))
}

func TestStore_UpdateStatus_PersistsValidTransition(t *testing.T) {
	store, repos := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, repos)
	run, err := store.Create(ctx, CreateParams{WorkflowID: wf.ID, Task: "x"})
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(ctx, run.ID, models.RunStatusFailed))
	updated, err := store.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, updated.Status)
}

func TestStore_List_FiltersByStatus(t *testing.T) {
	store, repos := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, repos)

	run1, err := store.Create(ctx, CreateParams{WorkflowID: wf.ID, Task: "a"})
	require.NoError(t, err)
	_, err = store.Create(ctx, CreateParams{WorkflowID: wf.ID, Task: "b"})
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, run1.ID, models.RunStatusCompleted))

	completed := models.RunStatusCompleted
	out, err := store.List(ctx, repositories.RunFilter{Status: &completed})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, run1.ID, out[0].ID)
}
