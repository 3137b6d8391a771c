// Package middleware holds the gin middleware shared by the API routes.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hqtran/collabhub/internal/auth"
)

const principalKey = "principal"

// Authenticate verifies the bearer token and attaches the principal to
// the request context. Every job route sits behind it.
func Authenticate(verifier *auth.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "No token provided",
			})
			return
		}

		principal, err := verifier.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "Authentication failed",
			})
			return
		}

		c.Set(principalKey, *principal)
		c.Next()
	}
}

// CurrentPrincipal returns the authenticated identity set by
// Authenticate. Calling it on an unauthenticated route returns the zero
// principal.
func CurrentPrincipal(c *gin.Context) auth.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(auth.Principal); ok {
			return p
		}
	}
	return auth.Principal{}
}
