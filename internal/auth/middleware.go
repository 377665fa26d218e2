package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"loomctl/pkg/models"
)

const principalContextKey = "principal"

// Middleware wraps a Gate as the gin handler every non-public route is
// guarded by, the same shape as the teacher's AuthMiddleware.Authenticate
// but with the CloudShip-specific branching removed.
func Middleware(gate *Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			if token := c.Query("token"); token != "" {
				header = "Bearer " + token
			}
		}
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			return
		}

		principal, err := gate.Authenticate(c.Request.Context(), header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credential"})
			return
		}

		c.Set(principalContextKey, principal)
		c.Next()
	}
}

// PrincipalFromContext retrieves the Principal set by Middleware. Handlers
// call this rather than re-parsing the Authorization header.
func PrincipalFromContext(c *gin.Context) (*models.Principal, bool) {
	v, ok := c.Get(principalContextKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*models.Principal)
	return p, ok
}
