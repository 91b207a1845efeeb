package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRoleExtractorSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RoleExtractor(RoleConfig{}))
	r.GET("/ping", func(c *gin.Context) {
		roleID, err := RoleIDFromGinContext(c)
		if err != nil {
			t.Fatalf("expected role id, got error: %v", err)
		}
		if roleID != 42 {
			t.Fatalf("unexpected role id: %d", roleID)
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(DefaultRoleHeader, "42")
	res := httptest.NewRecorder()

	r.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
}

func TestRoleExtractorMissingHeaderMeansNoRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RoleExtractor(RoleConfig{}))
	r.GET("/ping", func(c *gin.Context) {
		roleID, err := RoleIDFromGinContext(c)
		if err != nil {
			t.Fatalf("expected role id, got error: %v", err)
		}
		if roleID != 0 {
			t.Fatalf("expected role id 0 without header, got %d", roleID)
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	res := httptest.NewRecorder()

	r.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
}

func TestRoleExtractorInvalidID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RoleExtractor(RoleConfig{}))
	r.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(DefaultRoleHeader, "not-a-number")
	res := httptest.NewRecorder()

	r.ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid role id, got %d", res.Code)
	}
}

func TestRoleExtractorRejectsNonMember(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(string(usernameContextKey), "alice")
	})
	r.Use(RoleExtractor(RoleConfig{
		Verify: func(ctx context.Context, roleID int64, username string) error {
			return errors.New("not a member")
		},
	}))
	r.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(DefaultRoleHeader, "7")
	res := httptest.NewRecorder()

	r.ServeHTTP(res, req)

	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member, got %d", res.Code)
	}
}

func TestRoleIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), roleIDContextKey, int64(7))
	roleID, err := RoleIDFromContext(ctx)
	if err != nil {
		t.Fatalf("expected role id, got error: %v", err)
	}
	if roleID != 7 {
		t.Fatalf("unexpected role id: %d", roleID)
	}
}
