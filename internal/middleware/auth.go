package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"convo-service/internal/auth"
)

// DIDKey is the context key carrying the authenticated identity.
const DIDKey = "did"

// AuthMiddleware validates the Authorization header and stores the
// authenticated DID on the request context.
func AuthMiddleware(authenticator auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		did, err := authenticator.ValidateToken(c.Request.Context(), parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(DIDKey, did)
		c.Next()
	}
}

// CallerDID extracts the authenticated identity set by AuthMiddleware.
func CallerDID(c *gin.Context) (string, bool) {
	v, ok := c.Get(DIDKey)
	if !ok {
		return "", false
	}
	did, ok := v.(string)
	return did, ok && did != ""
}
