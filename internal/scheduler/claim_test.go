package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loomctl/internal/apperrors"
)

func TestScheduler_ClaimStep_Succeeds(t *testing.T) {
	sched, repos := newTestScheduler(t)
	ctx := context.Background()
	seedTwoStepRun(t, repos, "run-1", "auth")

	claim, err := sched.ClaimStep(ctx, "run-1", "plan", "planner")
	require.NoError(t, err)
	assert.True(t, claim.Found)
	assert.Equal(t, "Plan: auth", claim.ResolvedInput)
}

func TestScheduler_ClaimStep_WrongAgent_Forbidden(t *testing.T) {
	sched, repos := newTestScheduler(t)
	ctx := context.Background()
	seedTwoStepRun(t, repos, "run-1", "auth")

	_, err := sched.ClaimStep(ctx, "run-1", "plan", "someone-else")
	assert.True(t, apperrors.Is(err, apperrors.ForbiddenAgent))
}

func TestScheduler_ClaimStep_PreviousStepIncomplete_StateConflict(t *testing.T) {
	sched, repos := newTestScheduler(t)
	ctx := context.Background()
	seedTwoStepRun(t, repos, "run-1", "auth")

	_, err := sched.ClaimStep(ctx, "run-1", "dev", "developer")
	assert.True(t, apperrors.Is(err, apperrors.StateConflict))
}

func TestScheduler_ClaimStep_UnknownStep_NotFound(t *testing.T) {
	sched, repos := newTestScheduler(t)
	ctx := context.Background()
	seedTwoStepRun(t, repos, "run-1", "auth")

	_, err := sched.ClaimStep(ctx, "run-1", "run-1:missing", "planner")
	assert.True(t, apperrors.Is(err, apperrors.NotFound))
}

func TestScheduler_ClaimStep_AlreadyRunning_StateConflict(t *testing.T) {
	sched, repos := newTestScheduler(t)
	ctx := context.Background()
	seedTwoStepRun(t, repos, "run-1", "auth")

	_, err := sched.ClaimStep(ctx, "run-1", "plan", "planner")
	require.NoError(t, err)

	_, err = sched.ClaimStep(ctx, "run-1", "plan", "planner")
	assert.True(t, apperrors.Is(err, apperrors.StateConflict))
}
