package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"loomctl/internal/apperrors"
	"loomctl/pkg/models"
)

type createWorkflowRequest struct {
	Name        string              `json:"name" binding:"required"`
	Description string              `json:"description"`
	Steps       []models.StepConfig `json:"steps" binding:"required"`
}

type importYAMLRequest struct {
	YAML string `json:"yaml" binding:"required"`
}

// registerWorkflowRoutes wires the Workflow CRUD endpoints (spec.md §6).
func (h *Handlers) registerWorkflowRoutes(group *gin.RouterGroup) {
	group.GET("", h.listWorkflows)
	group.GET("/:id", h.getWorkflow)
	group.POST("", h.createWorkflow)
	group.PATCH("/:id", h.updateWorkflow)
	group.DELETE("/:id", h.deleteWorkflow)
	group.POST("/import-yaml", h.importWorkflowYAML)
}

func (h *Handlers) listWorkflows(c *gin.Context) {
	name := c.Query("name")
	list, err := h.workflows.List(c.Request.Context(), name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": list})
}

func (h *Handlers) getWorkflow(c *gin.Context) {
	wf, err := h.workflows.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (h *Handlers) createWorkflow(c *gin.Context) {
	var req createWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.ValidationError, "invalid workflow payload: %v", err))
		return
	}

	wf, err := h.workflows.Create(c.Request.Context(), req.Name, req.Description, req.Steps)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wf)
}

func (h *Handlers) updateWorkflow(c *gin.Context) {
	var req createWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.ValidationError, "invalid workflow payload: %v", err))
		return
	}

	wf, err := h.workflows.Update(c.Request.Context(), c.Param("id"), req.Description, req.Steps)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (h *Handlers) deleteWorkflow(c *gin.Context) {
	if err := h.workflows.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) importWorkflowYAML(c *gin.Context) {
	var req importYAMLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.ValidationError, "invalid import payload: %v", err))
		return
	}

	wf, err := h.workflows.ImportYAML(c.Request.Context(), req.YAML)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wf)
}
