package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"loomctl/internal/apperrors"
	"loomctl/internal/db/repositories"
	runstore "loomctl/internal/runs"
	"loomctl/pkg/models"
)

type createRunRequest struct {
	WorkflowID string            `json:"workflow_id" binding:"required"`
	Task       string            `json:"task" binding:"required"`
	TaskID     *string           `json:"task_id,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	NotifyURL  *string           `json:"notify_url,omitempty"`
}

type updateRunStatusRequest struct {
	Status models.RunStatus `json:"status" binding:"required"`
}

type runWithDetail struct {
	*models.Run
	Steps   []*models.Step   `json:"steps"`
	Stories []*models.Story `json:"stories"`
}

// registerRunRoutes wires the Run CRUD endpoints (spec.md §6).
func (h *Handlers) registerRunRoutes(group *gin.RouterGroup) {
	group.GET("", h.listRuns)
	group.GET("/:id", h.getRun)
	group.POST("", h.createRun)
	group.PATCH("/:id/status", h.updateRunStatus)

	stepGroup := group.Group("/:id/steps")
	h.registerRunStepRoutes(stepGroup)

	storyGroup := group.Group("/:id/stories")
	h.registerRunStoryRoutes(storyGroup)
}

func (h *Handlers) listRuns(c *gin.Context) {
	var filter repositories.RunFilter
	if taskID := c.Query("task_id"); taskID != "" {
		filter.TaskID = &taskID
	}
	if status := c.Query("status"); status != "" {
		s := models.RunStatus(status)
		filter.Status = &s
	}

	list, err := h.runs.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": list})
}

func (h *Handlers) getRun(c *gin.Context) {
	runID := c.Param("id")
	run, err := h.runs.GetByID(c.Request.Context(), runID)
	if err != nil {
		respondError(c, err)
		return
	}

	steps, err := h.repos.Steps.ListByRun(c.Request.Context(), runID)
	if err != nil {
		respondError(c, apperrors.Wrap(err, "list run steps"))
		return
	}
	stories, err := h.repos.Stories.ListByRun(c.Request.Context(), runID)
	if err != nil {
		respondError(c, apperrors.Wrap(err, "list run stories"))
		return
	}

	c.JSON(http.StatusOK, runWithDetail{Run: run, Steps: steps, Stories: stories})
}

func (h *Handlers) createRun(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.ValidationError, "invalid run payload: %v", err))
		return
	}

	run, err := h.runs.Create(c.Request.Context(), runstore.CreateParams{
		WorkflowID: req.WorkflowID,
		Task:       req.Task,
		Context:    req.Context,
		TaskID:     req.TaskID,
		NotifyURL:  req.NotifyURL,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (h *Handlers) updateRunStatus(c *gin.Context) {
	var req updateRunStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.ValidationError, "invalid status payload: %v", err))
		return
	}

	if err := h.runs.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status); err != nil {
		respondError(c, err)
		return
	}

	run, err := h.runs.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}
