// Package v1 implements the REST/WebSocket surface spec.md §6 names,
// translated onto the core: internal/workflows, internal/runs,
// internal/scheduler, internal/events, and internal/auth. Route
// registration is split across one file per resource group:
//
// - handlers.go: Handlers struct, route registration, shared error mapping
// - workflows.go: workflow CRUD + YAML import
// - runs.go: run CRUD
// - workflow_runs.go: per-run step verbs + agent-polling verbs
// - stories.go: per-run story verbs
// - ws.go: WebSocket upgrade
package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"loomctl/internal/apperrors"
	"loomctl/internal/auth"
	"loomctl/internal/db/repositories"
	"loomctl/internal/events"
	"loomctl/internal/runs"
	"loomctl/internal/scheduler"
	"loomctl/internal/workflows"
)

// Handlers wires together the core's service layer for the HTTP API.
type Handlers struct {
	workflows   *workflows.Store
	runs        *runs.Store
	scheduler   *scheduler.Scheduler
	repos       *repositories.Repositories
	broadcaster *events.Broadcaster
	gate        *auth.Gate
}

func New(repos *repositories.Repositories, wfStore *workflows.Store, runStore *runs.Store, sched *scheduler.Scheduler, broadcaster *events.Broadcaster, gate *auth.Gate) *Handlers {
	return &Handlers{
		workflows:   wfStore,
		runs:        runStore,
		scheduler:   sched,
		repos:       repos,
		broadcaster: broadcaster,
		gate:        gate,
	}
}

// RegisterRoutes mounts every spec.md §6 route under group, with the Auth
// Gate middleware applied ahead of all of them.
func (h *Handlers) RegisterRoutes(group *gin.RouterGroup) {
	group.Use(auth.Middleware(h.gate))

	h.registerWorkflowRoutes(group.Group("/workflows"))
	h.registerRunRoutes(group.Group("/runs"))
	h.registerStepPollingRoutes(group.Group("/steps"))

	group.GET("/ws", h.serveWS)
}

// respondError translates an error into the HTTP status + JSON body
// spec.md §7's error handling table defines. Anything that isn't an
// *apperrors.Error is treated as Internal; the caller is responsible for
// logging before this is reached if it wants the underlying cause on
// record.
func respondError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	body := gin.H{"error": err.Error()}

	var appErr *apperrors.Error
	if extractAppError(err, &appErr) && appErr.CurrentStatus != "" {
		body["current_status"] = appErr.CurrentStatus
	}

	c.JSON(statusFor(kind), body)
}

func extractAppError(err error, target **apperrors.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if ae, ok := err.(*apperrors.Error); ok {
			*target = ae
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.NotFound:
		return http.StatusNotFound
	case apperrors.ValidationError, apperrors.InvalidTransition, apperrors.StateConflict:
		return http.StatusBadRequest
	case apperrors.ConcurrencyLoss:
		return http.StatusConflict
	case apperrors.ForbiddenAgent:
		return http.StatusForbidden
	case apperrors.Unauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
