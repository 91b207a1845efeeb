package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// userContextKey is an unexported key type to avoid collisions in the Gin context store.
type userContextKey string

const usernameContextKey userContextKey = "username"

// Authentication returns a Gin middleware that validates the bearer token
// and stores the authenticated username on the context for downstream
// handlers. Tokens are HMAC-signed JWTs with the username in "sub".
func Authentication(secret string) gin.HandlerFunc {
	key := []byte(secret)

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing bearer token",
			})
			return
		}

		token, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "), func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return key, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token",
			})
			return
		}

		username, err := token.Claims.GetSubject()
		if err != nil || username == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "token has no subject",
			})
			return
		}

		c.Set(string(usernameContextKey), username)
		ctx := context.WithValue(c.Request.Context(), usernameContextKey, username)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// UsernameFromGinContext extracts the username previously stored by Authentication.
func UsernameFromGinContext(c *gin.Context) (string, error) {
	if value, ok := c.Get(string(usernameContextKey)); ok {
		if username, ok := value.(string); ok && username != "" {
			return username, nil
		}
	}
	return "", errors.New("username not found in context")
}

// UsernameFromContext extracts the username from a standard context. It is
// useful in service layers where only context.Context is available.
func UsernameFromContext(ctx context.Context) (string, error) {
	if value := ctx.Value(usernameContextKey); value != nil {
		if username, ok := value.(string); ok && username != "" {
			return username, nil
		}
	}
	return "", errors.New("username not found in context")
}
