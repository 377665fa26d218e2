package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"loomctl/internal/apperrors"
	"loomctl/pkg/models"
)

type createStoryRequest struct {
	StoryID            string `json:"story_id" binding:"required"`
	Title              string `json:"title" binding:"required"`
	Description        string `json:"description"`
	AcceptanceCriteria string `json:"acceptance_criteria"`
}

type patchStoryRequest struct {
	Status *models.StoryStatus `json:"status,omitempty"`
	Output *string             `json:"output,omitempty"`
}

// registerRunStoryRoutes wires the story verbs spec.md §6 describes as
// "mirroring steps" plus the three transition actions stories need that
// steps don't: a loop step's claim already drives pending->running, so
// start/complete/fail exist here for manual correction and test harnesses.
func (h *Handlers) registerRunStoryRoutes(group *gin.RouterGroup) {
	group.GET("", h.listRunStories)
	group.GET("/pending", h.listPendingRunStories)
	group.GET("/:storyId", h.getRunStory)
	group.POST("", h.createRunStory)
	group.PATCH("/:storyId", h.patchRunStory)
	group.POST("/:storyId/start", h.startRunStory)
	group.POST("/:storyId/complete", h.completeRunStory)
	group.POST("/:storyId/fail", h.failRunStory)
}

func (h *Handlers) listRunStories(c *gin.Context) {
	stories, err := h.repos.Stories.ListByRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, apperrors.Wrap(err, "list stories"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"stories": stories})
}

func (h *Handlers) listPendingRunStories(c *gin.Context) {
	stories, err := h.repos.Stories.ListByRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, apperrors.Wrap(err, "list stories"))
		return
	}
	pending := make([]*models.Story, 0, len(stories))
	for _, s := range stories {
		if s.Status == models.StoryStatusPending {
			pending = append(pending, s)
		}
	}
	c.JSON(http.StatusOK, gin.H{"stories": pending})
}

func (h *Handlers) getRunStory(c *gin.Context) {
	story, err := h.repos.Stories.GetByID(c.Request.Context(), c.Param("storyId"))
	if err != nil {
		respondError(c, apperrors.New(apperrors.NotFound, "story %q not found", c.Param("storyId")))
		return
	}
	c.JSON(http.StatusOK, story)
}

// createRunStory inserts a single story row directly, bypassing the usual
// planner STORIES_JSON materialization path -- for seeding test runs and
// for operators backfilling a story a planner step missed.
func (h *Handlers) createRunStory(c *gin.Context) {
	var req createStoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.ValidationError, "invalid story payload: %v", err))
		return
	}

	existing, err := h.repos.Stories.ListByRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, apperrors.Wrap(err, "list stories"))
		return
	}

	story := &models.Story{
		ID:                 uuid.NewString(),
		RunID:              c.Param("id"),
		StoryIndex:         len(existing),
		StoryID:            req.StoryID,
		Title:              req.Title,
		Description:        req.Description,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Status:             models.StoryStatusPending,
		MaxRetries:         3,
	}

	tx, err := h.repos.BeginTx()
	if err != nil {
		respondError(c, apperrors.Wrap(err, "begin tx"))
		return
	}
	defer tx.Rollback()

	if err := h.repos.Stories.BulkInsertTx(c.Request.Context(), tx, []*models.Story{story}); err != nil {
		respondError(c, apperrors.Wrap(err, "insert story"))
		return
	}
	if err := tx.Commit(); err != nil {
		respondError(c, apperrors.Wrap(err, "commit story insert"))
		return
	}
	c.JSON(http.StatusCreated, story)
}

func (h *Handlers) patchRunStory(c *gin.Context) {
	var req patchStoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.ValidationError, "invalid patch payload: %v", err))
		return
	}

	storyID := c.Param("storyId")
	if req.Status != nil {
		tx, err := h.repos.BeginTx()
		if err != nil {
			respondError(c, apperrors.Wrap(err, "begin tx"))
			return
		}
		if err := h.repos.Stories.UpdateOutputAndStatusTx(c.Request.Context(), tx, storyID, *req.Status, req.Output); err != nil {
			tx.Rollback()
			respondError(c, apperrors.Wrap(err, "update story"))
			return
		}
		if err := tx.Commit(); err != nil {
			respondError(c, apperrors.Wrap(err, "commit story patch"))
			return
		}
	}

	story, err := h.repos.Stories.GetByID(c.Request.Context(), storyID)
	if err != nil {
		respondError(c, apperrors.New(apperrors.NotFound, "story %q not found", storyID))
		return
	}
	c.JSON(http.StatusOK, story)
}

func (h *Handlers) startRunStory(c *gin.Context) {
	h.transitionStory(c, models.StoryStatusPending, models.StoryStatusRunning)
}

func (h *Handlers) completeRunStory(c *gin.Context) {
	var req completeStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.ValidationError, "invalid complete payload: %v", err))
		return
	}

	tx, err := h.repos.BeginTx()
	if err != nil {
		respondError(c, apperrors.Wrap(err, "begin tx"))
		return
	}
	defer tx.Rollback()

	if err := h.repos.Stories.UpdateOutputAndStatusTx(c.Request.Context(), tx, c.Param("storyId"), models.StoryStatusCompleted, &req.Output); err != nil {
		respondError(c, apperrors.Wrap(err, "complete story"))
		return
	}
	if err := tx.Commit(); err != nil {
		respondError(c, apperrors.Wrap(err, "commit story completion"))
		return
	}

	story, err := h.repos.Stories.GetByID(c.Request.Context(), c.Param("storyId"))
	if err != nil {
		respondError(c, apperrors.New(apperrors.NotFound, "story %q not found", c.Param("storyId")))
		return
	}
	c.JSON(http.StatusOK, story)
}

func (h *Handlers) failRunStory(c *gin.Context) {
	var req failStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.ValidationError, "invalid fail payload: %v", err))
		return
	}

	tx, err := h.repos.BeginTx()
	if err != nil {
		respondError(c, apperrors.Wrap(err, "begin tx"))
		return
	}
	defer tx.Rollback()

	if err := h.repos.Stories.UpdateOutputAndStatusTx(c.Request.Context(), tx, c.Param("storyId"), models.StoryStatusFailed, &req.Error); err != nil {
		respondError(c, apperrors.Wrap(err, "fail story"))
		return
	}
	if err := tx.Commit(); err != nil {
		respondError(c, apperrors.Wrap(err, "commit story failure"))
		return
	}

	story, err := h.repos.Stories.GetByID(c.Request.Context(), c.Param("storyId"))
	if err != nil {
		respondError(c, apperrors.New(apperrors.NotFound, "story %q not found", c.Param("storyId")))
		return
	}
	c.JSON(http.StatusOK, story)
}

func (h *Handlers) transitionStory(c *gin.Context, from, to models.StoryStatus) {
	tx, err := h.repos.BeginTx()
	if err != nil {
		respondError(c, apperrors.Wrap(err, "begin tx"))
		return
	}
	defer tx.Rollback()

	n, err := h.repos.Stories.CompareAndSetStatusTx(c.Request.Context(), tx, c.Param("storyId"), from, to)
	if err != nil {
		respondError(c, apperrors.Wrap(err, "transition story"))
		return
	}
	if n == 0 {
		respondError(c, apperrors.New(apperrors.StateConflict, "story %q is not in status %q", c.Param("storyId"), from))
		return
	}
	if err := tx.Commit(); err != nil {
		respondError(c, apperrors.Wrap(err, "commit story transition"))
		return
	}

	story, err := h.repos.Stories.GetByID(c.Request.Context(), c.Param("storyId"))
	if err != nil {
		respondError(c, apperrors.New(apperrors.NotFound, "story %q not found", c.Param("storyId")))
		return
	}
	c.JSON(http.StatusOK, story)
}
