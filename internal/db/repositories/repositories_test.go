package repositories

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"loomctl/internal/db"
	"loomctl/pkg/models"
)

// newTestRepos spins up a temp-dir sqlite database with migrations applied,
// mirroring internal/db/test_helper.go's pattern for package tests.
func newTestRepos(t *testing.T) *Repositories {
	t.Helper()
	tdb, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tdb.Close() })
	return New(tdb)
}

// seedRun materializes a run directly from a workflow's step configs, the
// way the Run Store's create operation would, without pulling in that
// package here (this is a repository-layer test).
func seedRun(t *testing.T, repos *Repositories, runID string, wf *models.Workflow, task string) *models.Run {
	t.Helper()
	ctx := context.Background()

	run := &models.Run{
		ID:         runID,
		WorkflowID: wf.ID,
		Task:       task,
		Status:     models.RunStatusRunning,
		Context:    map[string]string{"task": task},
	}

	steps := make([]*models.Step, len(wf.Steps))
	for i, sc := range wf.Steps {
		status := models.StepStatusWaiting
		if i == 0 {
			status = models.StepStatusPending
		}
		steps[i] = &models.Step{
			ID:            fmt.Sprintf("%s:%s", runID, sc.StepID),
			RunID:         runID,
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

	require.NoError(t, repos.Runs.CreateWithSteps(ctx, run, steps))
	return run
}
