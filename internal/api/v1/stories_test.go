package v1

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"loomctl/pkg/models"
)

func seedRunWithLoopWorkflow(t *testing.T, router http.Handler, token string) models.Run {
	t.Helper()
	wf := createWorkflowRequest{
		Name: "story-flow",
		Steps: []models.StepConfig{
			{StepID: "plan", AgentID: "planner", InputTemplate: "Plan: {{task}}", Expects: "done", Type: models.StepTypeSingle},
			{StepID: "build", AgentID: "developer", InputTemplate: "Build: {{storyTitle}}", Expects: "done", Type: models.StepTypeLoop,
				LoopConfig: &models.LoopConfig{Over: "stories"}},
		},
	}
	w := doJSON(t, router, http.MethodPost, "/api/v1/workflows", token, wf)
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.Workflow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, router, http.MethodPost, "/api/v1/runs", token, createRunRequest{WorkflowID: created.ID, Task: "stories"})
	require.Equal(t, http.StatusCreated, w.Code)
	var run models.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	return run
}

func TestStories_CreateListPatch(t *testing.T) {
	router, _, token := newTestRouter(t)
	run := seedRunWithLoopWorkflow(t, router, token)

	w := doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/stories", token, createStoryRequest{
		StoryID: "s1",
		Title:   "first story",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var story models.Story
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &story))
	require.Equal(t, models.StoryStatusPending, story.Status)

	w = doJSON(t, router, http.MethodGet, "/api/v1/runs/"+run.ID+"/stories", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list map[string][]models.Story
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list["stories"], 1)

	w = doJSON(t, router, http.MethodGet, "/api/v1/runs/"+run.ID+"/stories/pending", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list["stories"], 1)

	w = doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/stories/"+story.ID+"/start", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var started models.Story
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	require.Equal(t, models.StoryStatusRunning, started.Status)

	w = doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/stories/"+story.ID+"/complete", token, completeStepRequest{Output: "done"})
	require.Equal(t, http.StatusOK, w.Code)
	var completed models.Story
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &completed))
	require.Equal(t, models.StoryStatusCompleted, completed.Status)
}

func TestStories_StartTwiceConflicts(t *testing.T) {
	router, _, token := newTestRouter(t)
	run := seedRunWithLoopWorkflow(t, router, token)

	w := doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/stories", token, createStoryRequest{
		StoryID: "s1",
		Title:   "first story",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var story models.Story
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &story))

	w = doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/stories/"+story.ID+"/start", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/stories/"+story.ID+"/start", token, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStories_Fail(t *testing.T) {
	router, _, token := newTestRouter(t)
	run := seedRunWithLoopWorkflow(t, router, token)

	w := doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/stories", token, createStoryRequest{
		StoryID: "s1",
		Title:   "first story",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var story models.Story
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &story))

	w = doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/stories/"+story.ID+"/fail", token, failStepRequest{Error: "nope"})
	require.Equal(t, http.StatusOK, w.Code)
	var failed models.Story
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &failed))
	require.Equal(t, models.StoryStatusFailed, failed.Status)
}
