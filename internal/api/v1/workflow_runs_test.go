package v1

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"loomctl/pkg/models"
)

func TestSteps_ClaimCompleteLifecycle(t *testing.T) {
	router, repos, token := newTestRouter(t)
	wf := seedWorkflow(t, repos, "wf-steps")

	w := doJSON(t, router, http.MethodPost, "/api/v1/runs", token, createRunRequest{WorkflowID: wf.ID, Task: "auth"})
	require.Equal(t, http.StatusCreated, w.Code)
	var run models.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))

	w = doJSON(t, router, http.MethodGet, "/api/v1/runs/"+run.ID+"/steps", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stepList map[string][]models.Step
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stepList))
	require.Len(t, stepList["steps"], 1)
	stepID := stepList["steps"][0].StepID

	w = doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/steps/"+stepID+"/claim", token, claimStepRequest{AgentID: "planner"})
	require.Equal(t, http.StatusOK, w.Code)
	var claimResp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &claimResp))
	require.Equal(t, true, claimResp["found"])

	w = doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/steps/"+stepID+"/complete", token, completeStepRequest{Output: "STATUS: done"})
	require.Equal(t, http.StatusOK, w.Code)
	var completeResp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &completeResp))
	require.Equal(t, true, completeResp["run_completed"])
}

func TestSteps_ClaimRequiresAgentID(t *testing.T) {
	router, repos, token := newTestRouter(t)
	wf := seedWorkflow(t, repos, "wf-steps-noagent")

	w := doJSON(t, router, http.MethodPost, "/api/v1/runs", token, createRunRequest{WorkflowID: wf.ID, Task: "x"})
	require.Equal(t, http.StatusCreated, w.Code)
	var run models.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))

	w = doJSON(t, router, http.MethodGet, "/api/v1/runs/"+run.ID+"/steps", token, nil)
	var stepList map[string][]models.Step
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stepList))
	stepID := stepList["steps"][0].StepID

	w = doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/steps/"+stepID+"/claim", token, claimStepRequest{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSteps_ClaimByAgentPolling(t *testing.T) {
	router, repos, token := newTestRouter(t)
	wf := seedWorkflow(t, repos, "wf-poll")

	w := doJSON(t, router, http.MethodPost, "/api/v1/runs", token, createRunRequest{WorkflowID: wf.ID, Task: "poll"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/steps/claim-by-agent", token, claimByAgentRequest{AgentID: "planner"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, true, resp["found"])
	stepID := resp["step_id"].(string)

	w = doJSON(t, router, http.MethodPost, "/api/v1/steps/"+stepID+"/complete-with-pipeline", token, completeWithPipelineRequest{Output: "STATUS: done"})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSteps_PatchSetsCurrentStoryID(t *testing.T) {
	router, repos, token := newTestRouter(t)
	wf := seedWorkflow(t, repos, "wf-patch-story")

	w := doJSON(t, router, http.MethodPost, "/api/v1/runs", token, createRunRequest{WorkflowID: wf.ID, Task: "x"})
	require.Equal(t, http.StatusCreated, w.Code)
	var run models.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))

	w = doJSON(t, router, http.MethodGet, "/api/v1/runs/"+run.ID+"/steps", token, nil)
	var stepList map[string][]models.Step
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stepList))
	stepID := stepList["steps"][0].StepID

	storyID := "story-row-1"
	w = doJSON(t, router, http.MethodPatch, "/api/v1/runs/"+run.ID+"/steps/"+stepID, token, patchStepRequest{CurrentStoryID: &storyID})
	require.Equal(t, http.StatusOK, w.Code)

	var patched models.Step
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &patched))
	require.NotNil(t, patched.CurrentStoryID)
	require.Equal(t, storyID, *patched.CurrentStoryID)
}

func TestSteps_FailRoutesThroughScheduler(t *testing.T) {
	router, repos, token := newTestRouter(t)
	wf := seedWorkflow(t, repos, "wf-fail")

	w := doJSON(t, router, http.MethodPost, "/api/v1/runs", token, createRunRequest{WorkflowID: wf.ID, Task: "fail-me"})
	require.Equal(t, http.StatusCreated, w.Code)
	var run models.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))

	w = doJSON(t, router, http.MethodGet, "/api/v1/runs/"+run.ID+"/steps", token, nil)
	var stepList map[string][]models.Step
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stepList))
	stepID := stepList["steps"][0].StepID

	w = doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/steps/"+stepID+"/claim", token, claimStepRequest{AgentID: "planner"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/runs/"+run.ID+"/steps/"+stepID+"/fail", token, failStepRequest{Error: "boom"})
	require.Equal(t, http.StatusOK, w.Code)
	var failResp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &failResp))
	require.Contains(t, failResp, "will_retry")
}
