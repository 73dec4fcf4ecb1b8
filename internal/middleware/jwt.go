package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-testengine/internal/identity"
	"github.com/stemsi/exstem-testengine/internal/response"
)

const (
	// ContextKeyIdentity is the Gin context key for the caller identity.
	ContextKeyIdentity = "identity"
)

// RequireIdentity only admits callers presenting a token for the identity the
// engine runs as. With a secret the token signature is verified too.
func RequireIdentity(owner identity.Identity, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, err := extractToken(c)
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		caller, err := identity.FromToken(tokenStr, secret)
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		}

		if caller.ID != owner.ID {
			response.AbortFail(c, http.StatusForbidden, response.ErrForbidden)
			return
		}

		c.Set(ContextKeyIdentity, caller)
		c.Next()
	}
}

// GetIdentity retrieves the caller identity from the Gin context.
func GetIdentity(c *gin.Context) (identity.Identity, bool) {
	val, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return identity.Identity{}, false
	}
	ident, ok := val.(identity.Identity)
	return ident, ok
}

func extractToken(c *gin.Context) (string, error) {
	tokenStr := ""

	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			tokenStr = parts[1]
		}
	}

	// Fallback for WebSocket upgrades, which cannot send headers from a browser
	if tokenStr == "" {
		tokenStr = c.Query("token")
	}

	if tokenStr == "" {
		return "", fmt.Errorf("authorization header or token query required")
	}
	return tokenStr, nil
}
