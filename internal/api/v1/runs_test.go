package v1

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"loomctl/pkg/models"
)

func TestRuns_CreateGetList(t *testing.T) {
	router, repos, token := newTestRouter(t)
	wf := seedWorkflow(t, repos, "wf-runs")

	w := doJSON(t, router, http.MethodPost, "/api/v1/runs", token, createRunRequest{
		WorkflowID: wf.ID,
		Task:       "ship the feature",
		Context:    map[string]string{"task": "ship the feature"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var run models.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	require.NotEmpty(t, run.ID)
	require.Equal(t, models.RunStatusRunning, run.Status)

	w = doJSON(t, router, http.MethodGet, "/api/v1/runs/"+run.ID, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail runWithDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	require.Len(t, detail.Steps, 1)

	w = doJSON(t, router, http.MethodGet, "/api/v1/runs", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list map[string][]models.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list["runs"], 1)
}

func TestRuns_CreateRejectsUnknownWorkflow(t *testing.T) {
	router, _, token := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/runs", token, createRunRequest{
		WorkflowID: "missing-workflow",
		Task:       "anything",
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRuns_UpdateStatus(t *testing.T) {
	router, repos, token := newTestRouter(t)
	wf := seedWorkflow(t, repos, "wf-status")

	w := doJSON(t, router, http.MethodPost, "/api/v1/runs", token, createRunRequest{
		WorkflowID: wf.ID,
		Task:       "anything",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var run models.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))

	w = doJSON(t, router, http.MethodPatch, "/api/v1/runs/"+run.ID+"/status", token, updateRunStatusRequest{
		Status: models.RunStatusFailed,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var updated models.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	require.Equal(t, models.RunStatusFailed, updated.Status)
}
