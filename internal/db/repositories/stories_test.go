package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loomctl/pkg/models"
)

func seedStories(t *testing.T, repos *Repositories, runID string, count int) []*models.Story {
	t.Helper()
	stories := make([]*models.Story, count)
	for i := 0; i < count; i++ {
		stories[i] = &models.Story{
			ID:         runID + ":story:" + string(rune('a'+i)),
			RunID:      runID,
			StoryIndex: i,
			StoryID:    "s" + string(rune('1'+i)),
			Title:      "story " + string(rune('1'+i)),
			Status:     models.StoryStatusPending,
			MaxRetries: 3,
		}
	}
	tx, err := repos.BeginTx()
	require.NoError(t, err)
	require.NoError(t, repos.Stories.BulkInsertTx(context.Background(), tx, stories))
	require.NoError(t, tx.Commit())
	return stories
}

func TestStoryRepo_BulkInsertAndListByRun(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	wf := sampleWorkflow("wf-1", "two-step")
	require.NoError(t, repos.Workflows.Create(ctx, wf))
	seedRun(t, repos, "run-1", wf, "auth")
	seedStories(t, repos, "run-1", 2)

	stories, err := repos.Stories.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, stories, 2)
	assert.Equal(t, "s1", stories[0].StoryID)
	assert.Equal(t, "s2", stories[1].StoryID)
}

func TestStoryRepo_FindPendingByRunTx_ReturnsLowestIndex(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	wf := sampleWorkflow("wf-1", "two-step")
	require.NoError(t, repos.Workflows.Create(ctx, wf))
	seedRun(t, repos, "run-1", wf, "auth")
	seedStories(t, repos, "run-1", 2)

	tx, err := repos.BeginTx()
	require.NoError(t, err)
	defer tx.Rollback()

	story, err := repos.Stories.FindPendingByRunTx(ctx, tx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", story.StoryID)
}

func TestStoryRepo_CompareAndSetStatusTx(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	wf := sampleWorkflow("wf-1", "two-step")
	require.NoError(t, repos.Workflows.Create(ctx, wf))
	seedRun(t, repos, "run-1", wf, "auth")
	stories := seedStories(t, repos, "run-1", 1)

	tx, err := repos.BeginTx()
	require.NoError(t, err)
	n, err := repos.Stories.CompareAndSetStatusTx(ctx, tx, stories[0].ID, models.StoryStatusPending, models.StoryStatusRunning)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, tx.Commit())

	got, err := repos.Stories.GetByID(ctx, stories[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusRunning, got.Status)
}

func TestStoryRepo_IncrementRetryTx(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	wf := sampleWorkflow("wf-1", "two-step")
	require.NoError(t, repos.Workflows.Create(ctx, wf))
	seedRun(t, repos, "run-1", wf, "auth")
	stories := seedStories(t, repos, "run-1", 1)

	tx, err := repos.BeginTx()
	require.NoError(t, err)
	count, err := repos.Stories.IncrementRetryTx(ctx, tx, stories[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.NoError(t, tx.Commit())
}
