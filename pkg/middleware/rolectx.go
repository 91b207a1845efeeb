package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// DefaultRoleHeader is the HTTP header used to carry the acting role
// identifier when no custom header name is provided.
const DefaultRoleHeader = "X-Role-ID"

// roleContextKey is an unexported key type to avoid collisions in the Gin context store.
type roleContextKey string

const roleIDContextKey roleContextKey = "roleID"

// RoleVerifier checks that username is a member of the role. It is called
// for every request that carries a role header.
type RoleVerifier func(ctx context.Context, roleID int64, username string) error

// RoleConfig captures the knobs for role extraction.
type RoleConfig struct {
	// HeaderName is the HTTP header inspected for the role identifier.
	// Defaults to DefaultRoleHeader when empty.
	HeaderName string
	// Verify validates role membership. A nil Verify accepts any role id.
	Verify RoleVerifier
}

// RoleExtractor returns a Gin middleware that reads the acting role from
// the configured header and stores it on the context for downstream
// handlers. Requests without the header act with no role (id 0).
func RoleExtractor(cfg RoleConfig) gin.HandlerFunc {
	headerName := cfg.HeaderName
	if headerName == "" {
		headerName = DefaultRoleHeader
	}

	return func(c *gin.Context) {
		raw := c.GetHeader(headerName)
		if raw == "" {
			c.Set(string(roleIDContextKey), int64(0))
			c.Next()
			return
		}

		roleID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || roleID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "invalid role id",
			})
			return
		}

		if cfg.Verify != nil {
			username, err := UsernameFromGinContext(c)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "role header requires an authenticated user",
				})
				return
			}
			if err := cfg.Verify(c.Request.Context(), roleID, username); err != nil {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error": "not a member of the requested role",
				})
				return
			}
		}

		c.Set(string(roleIDContextKey), roleID)
		ctx := context.WithValue(c.Request.Context(), roleIDContextKey, roleID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RoleIDFromGinContext extracts the role identifier previously stored by
// RoleExtractor. A zero id means the request carries no role context.
func RoleIDFromGinContext(c *gin.Context) (int64, error) {
	if value, ok := c.Get(string(roleIDContextKey)); ok {
		if roleID, ok := value.(int64); ok {
			return roleID, nil
		}
	}
	return 0, errors.New("role id not found in context")
}

// RoleIDFromContext extracts the role identifier from a standard context,
// typically populated by RoleExtractor.
func RoleIDFromContext(ctx context.Context) (int64, error) {
	if value := ctx.Value(roleIDContextKey); value != nil {
		if roleID, ok := value.(int64); ok {
			return roleID, nil
		}
	}
	return 0, errors.New("role id not found in context")
}
