package org

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// HTTPHandler exposes the organization read API. Member pickers and
// scope editors browse users and departments through it; writes only
// happen through the directory sync.
type HTTPHandler struct {
	svc      *Service
	logger   *zap.Logger
	validate *validator.Validate
}

// NewHTTPHandler creates an organization HTTP handler.
func NewHTTPHandler(svc *Service, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger, validate: validator.New()}
}

// RegisterRoutes registers the organization routes.
func (h *HTTPHandler) RegisterRoutes(router *gin.RouterGroup) {
	org := router.Group("/org")
	org.GET("/departments", h.listDepartments)
	org.GET("/users", h.listUsers)
	org.GET("/users/:username", h.getUser)
	org.GET("/users/:username/departments", h.userDepartments)
}

func (h *HTTPHandler) listDepartments(c *gin.Context) {
	departments, err := h.svc.ListDepartments(c.Request.Context())
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"departments": departments})
}

func (h *HTTPHandler) listUsers(c *gin.Context) {
	users, err := h.svc.ListUsers(c.Request.Context())
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

type getUserRequest struct {
	Username string `validate:"required,max=64"`
}

func (h *HTTPHandler) getUser(c *gin.Context) {
	req := getUserRequest{Username: c.Param("username")}
	if err := h.validate.Struct(req); err != nil {
		h.logger.Error("Get user request validation failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.svc.GetUser(c.Request.Context(), req.Username)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *HTTPHandler) userDepartments(c *gin.Context) {
	req := getUserRequest{Username: c.Param("username")}
	if err := h.validate.Struct(req); err != nil {
		h.logger.Error("User departments request validation failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	chain, err := h.svc.UserDepartmentChain(c.Request.Context(), req.Username)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	if chain == nil {
		chain = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"departments": chain})
}

func (h *HTTPHandler) handleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.logger.Error("organization service error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
