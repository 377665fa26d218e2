package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"loomctl/internal/auth"
)

// serveWS upgrades GET /ws?token=<apiToken> and hands the connection to the
// event Broadcaster, scoped to the principal auth.Middleware already
// resolved (the query-token fallback exists precisely so this path works:
// browser WebSocket clients can't set an Authorization header).
func (h *Handlers) serveWS(c *gin.Context) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		c.Status(http.StatusUnauthorized)
		return
	}
	h.broadcaster.ServeWS(c.Writer, c.Request, principal.ID)
}
