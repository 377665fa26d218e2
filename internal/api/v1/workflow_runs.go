package v1

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"loomctl/internal/apperrors"
	"loomctl/pkg/models"
)

type claimStepRequest struct {
	AgentID string `json:"agent_id"`
}

type completeStepRequest struct {
	Output string `json:"output" binding:"required"`
}

type failStepRequest struct {
	Error  string  `json:"error" binding:"required"`
	Output *string `json:"output,omitempty"`
}

type patchStepRequest struct {
	Status         *models.StepStatus `json:"status,omitempty"`
	Output         *string            `json:"output,omitempty"`
	CurrentStoryID *string            `json:"current_story_id,omitempty"`
}

type claimByAgentRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

type completeWithPipelineRequest struct {
	Output string `json:"output" binding:"required"`
}

// registerRunStepRoutes wires the per-run step verbs (spec.md §6).
func (h *Handlers) registerRunStepRoutes(group *gin.RouterGroup) {
	group.GET("", h.listRunSteps)
	group.GET("/pending", h.listPendingRunSteps)
	group.GET("/:stepId", h.getRunStep)
	group.POST("/:stepId/claim", h.claimRunStep)
	group.POST("/:stepId/complete", h.completeRunStep)
	group.POST("/:stepId/fail", h.failRunStep)
	group.PATCH("/:stepId", h.patchRunStep)
}

// registerStepPollingRoutes wires the agent-polling verbs (spec.md §6),
// which need no run id up front -- an agent just says who it is.
func (h *Handlers) registerStepPollingRoutes(group *gin.RouterGroup) {
	group.POST("/claim-by-agent", h.claimByAgent)
	group.POST("/:stepId/complete-with-pipeline", h.completeWithPipeline)
	group.POST("/cleanup-abandoned", h.cleanupAbandoned)
}

func (h *Handlers) listRunSteps(c *gin.Context) {
	steps, err := h.repos.Steps.ListByRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, apperrors.Wrap(err, "list steps"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"steps": steps})
}

func (h *Handlers) listPendingRunSteps(c *gin.Context) {
	steps, err := h.repos.Steps.ListPendingByRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, apperrors.Wrap(err, "list pending steps"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"steps": steps})
}

func (h *Handlers) getRunStep(c *gin.Context) {
	tx, err := h.repos.BeginTx()
	if err != nil {
		respondError(c, apperrors.Wrap(err, "begin tx"))
		return
	}
	defer tx.Rollback()

	step, err := h.repos.Steps.GetByRunAndStepIDTx(c.Request.Context(), tx, c.Param("id"), c.Param("stepId"))
	if err != nil {
		respondError(c, stepLookupError(err, c.Param("stepId")))
		return
	}
	c.JSON(http.StatusOK, step)
}

// claimRunStep implements POST /runs/:runId/steps/:stepId/claim. The agent
// identity comes from the request body or, for non-JSON callers, the
// X-Agent-Name header.
func (h *Handlers) claimRunStep(c *gin.Context) {
	var req claimStepRequest
	_ = c.ShouldBindJSON(&req)
	agentID := req.AgentID
	if agentID == "" {
		agentID = c.GetHeader("X-Agent-Name")
	}
	if agentID == "" {
		respondError(c, apperrors.New(apperrors.ValidationError, "agent_id is required"))
		return
	}

	result, err := h.scheduler.ClaimStep(c.Request.Context(), c.Param("id"), c.Param("stepId"), agentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"found":          result.Found,
		"step_id":        result.StepID,
		"run_id":         result.RunID,
		"resolved_input": result.ResolvedInput,
		"story_id":       result.StoryID,
	})
}

func (h *Handlers) completeRunStep(c *gin.Context) {
	var req completeStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.ValidationError, "invalid complete payload: %v", err))
		return
	}

	stepID, err := h.resolveRunStepID(c)
	if err != nil {
		respondError(c, err)
		return
	}

	result, err := h.scheduler.CompleteStepWithPipeline(c.Request.Context(), stepID, req.Output)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result, "run_completed": result.RunCompleted})
}

func (h *Handlers) failRunStep(c *gin.Context) {
	var req failStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.ValidationError, "invalid fail payload: %v", err))
		return
	}

	stepID, err := h.resolveRunStepID(c)
	if err != nil {
		respondError(c, err)
		return
	}

	result, err := h.scheduler.FailStep(c.Request.Context(), stepID, req.Error, req.Output)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"will_retry": result.WillRetry, "data": result})
}

// resolveRunStepID translates the per-run route's workflow-defined
// :stepId slug into the step's storage-level primary key, the identifier
// every scheduler verb besides ClaimStep addresses a step by.
func (h *Handlers) resolveRunStepID(c *gin.Context) (string, error) {
	tx, err := h.repos.BeginTx()
	if err != nil {
		return "", apperrors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	step, err := h.repos.Steps.GetByRunAndStepIDTx(c.Request.Context(), tx, c.Param("id"), c.Param("stepId"))
	if err != nil {
		return "", stepLookupError(err, c.Param("stepId"))
	}
	return step.ID, nil
}

// patchRunStep implements the generic status/output/current_story_id patch
// spec.md §6 describes as covering the approval workflow and test
// harnesses. An awaiting_approval target routes to RequestApproval;
// completed/failed route to the ordinary completion/failure paths so the
// transition matrix is still enforced in one place.
func (h *Handlers) patchRunStep(c *gin.Context) {
	var req patchStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.ValidationError, "invalid patch payload: %v", err))
		return
	}

	stepID, err := h.resolveRunStepID(c)
	if err != nil {
		respondError(c, err)
		return
	}

	if req.Status != nil {
		switch *req.Status {
		case models.StepStatusAwaitingApproval:
			if err := h.scheduler.RequestApproval(c.Request.Context(), stepID); err != nil {
				respondError(c, err)
				return
			}
		case models.StepStatusCompleted:
			output := ""
			if req.Output != nil {
				output = *req.Output
			}
			if _, err := h.scheduler.CompleteStepWithPipeline(c.Request.Context(), stepID, output); err != nil {
				respondError(c, err)
				return
			}
		case models.StepStatusFailed:
			errMsg := ""
			if req.Output != nil {
				errMsg = *req.Output
			}
			if _, err := h.scheduler.FailStep(c.Request.Context(), stepID, errMsg, req.Output); err != nil {
				respondError(c, err)
				return
			}
		default:
			respondError(c, apperrors.New(apperrors.ValidationError, "unsupported status patch %q", *req.Status))
			return
		}
	}

	if req.CurrentStoryID != nil {
		tx, err := h.repos.BeginTx()
		if err != nil {
			respondError(c, apperrors.Wrap(err, "begin tx"))
			return
		}
		if err := h.repos.Steps.SetCurrentStoryTx(c.Request.Context(), tx, stepID, req.CurrentStoryID); err != nil {
			tx.Rollback()
			respondError(c, apperrors.Wrap(err, "set current story"))
			return
		}
		if err := tx.Commit(); err != nil {
			respondError(c, apperrors.Wrap(err, "commit current story patch"))
			return
		}
	}

	step, err := h.repos.Steps.GetByID(c.Request.Context(), stepID)
	if err != nil {
		respondError(c, apperrors.New(apperrors.NotFound, "step %q not found", stepID))
		return
	}
	c.JSON(http.StatusOK, step)
}

func (h *Handlers) claimByAgent(c *gin.Context) {
	var req claimByAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.ValidationError, "invalid claim payload: %v", err))
		return
	}

	result, err := h.scheduler.ClaimByAgent(c.Request.Context(), req.AgentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"found":          result.Found,
		"step_id":        result.StepID,
		"run_id":         result.RunID,
		"resolved_input": result.ResolvedInput,
		"story_id":       result.StoryID,
	})
}

func (h *Handlers) completeWithPipeline(c *gin.Context) {
	var req completeWithPipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.ValidationError, "invalid complete payload: %v", err))
		return
	}

	result, err := h.scheduler.CompleteStepWithPipeline(c.Request.Context(), c.Param("stepId"), req.Output)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"step_completed": result.StepCompleted, "run_completed": result.RunCompleted})
}

func (h *Handlers) cleanupAbandoned(c *gin.Context) {
	maxAge := 15
	if v := c.Query("max_age_minutes"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			maxAge = parsed
		}
	}

	steps, err := h.repos.Steps.ListAbandoned(c.Request.Context(), maxAge)
	if err != nil {
		respondError(c, apperrors.Wrap(err, "list abandoned steps"))
		return
	}

	cleaned := 0
	for _, step := range steps {
		if n, err := h.repos.Steps.CompareAndSetStatus(c.Request.Context(), step.ID, step.Status, models.StepStatusPending); err == nil && n > 0 {
			cleaned++
		}
	}
	c.JSON(http.StatusOK, gin.H{"cleaned_count": cleaned})
}

func stepLookupError(err error, stepID string) error {
	if apperrors.Is(err, apperrors.NotFound) {
		return err
	}
	return apperrors.New(apperrors.NotFound, "step %q not found", stepID)
}
