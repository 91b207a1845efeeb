package role

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dhawalhost/permseal/internal/apperr"
	"github.com/dhawalhost/permseal/internal/audit"
	"github.com/dhawalhost/permseal/internal/policy"
)

// HTTPHandler exposes the role admin API.
type HTTPHandler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHTTPHandler creates a role HTTP handler.
func NewHTTPHandler(svc *Service, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers the role routes.
func (h *HTTPHandler) RegisterRoutes(router *gin.RouterGroup) {
	group := router.Group("/roles")
	group.POST("", h.createRole)
	group.GET("", h.listRoles)
	group.GET("/:roleID", h.getRole)
	group.GET("/:roleID/authorization-scopes", h.getAuthorizationScope)
	group.PUT("/:roleID/authorization-scopes", h.updateAuthorizationScope)
	group.GET("/:roleID/subject-scopes", h.getSubjectScope)
	group.PUT("/:roleID/subject-scopes", h.updateSubjectScope)
	group.POST("/:roleID/members", h.addMembers)
	group.DELETE("/:roleID/members/:username", h.removeMember)
}

type createRoleRequest struct {
	Name                string            `json:"name" binding:"required"`
	Description         string            `json:"description"`
	Type                string            `json:"type"`
	Creator             string            `json:"creator" binding:"required"`
	Members             []string          `json:"members"`
	AuthorizationScopes []AuthScopeSystem `json:"authorization_scopes"`
	SubjectScopes       []policy.Subject  `json:"subject_scopes"`
}

func (h *HTTPHandler) createRole(c *gin.Context) {
	var req createRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	audit.Annotate(c, "role.create", "role", "")
	r := Role{
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
		Creator:     req.Creator,
	}
	id, err := h.svc.CreateRole(c.Request.Context(), r, req.Members, req.AuthorizationScopes, req.SubjectScopes)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	audit.Annotate(c, "role.create", "role", strconv.FormatInt(id, 10))
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *HTTPHandler) listRoles(c *gin.Context) {
	roles, err := h.svc.ListRoles(c.Request.Context())
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roles": roles})
}

func (h *HTTPHandler) getRole(c *gin.Context) {
	roleID, ok := h.roleID(c)
	if !ok {
		return
	}
	r, err := h.svc.GetRole(c.Request.Context(), roleID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	members, err := h.svc.Members(c.Request.Context(), roleID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": r, "members": members})
}

func (h *HTTPHandler) getAuthorizationScope(c *gin.Context) {
	roleID, ok := h.roleID(c)
	if !ok {
		return
	}
	scope, err := h.svc.AuthorizationScope(c.Request.Context(), roleID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorization_scopes": scope})
}

type updateAuthScopeRequest struct {
	AuthorizationScopes []AuthScopeSystem `json:"authorization_scopes" binding:"required"`
}

func (h *HTTPHandler) updateAuthorizationScope(c *gin.Context) {
	roleID, ok := h.roleID(c)
	if !ok {
		return
	}
	audit.Annotate(c, "role.scopes.authorization.update", "role", c.Param("roleID"))
	var req updateAuthScopeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.UpdateAuthorizationScope(c.Request.Context(), roleID, req.AuthorizationScopes); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) getSubjectScope(c *gin.Context) {
	roleID, ok := h.roleID(c)
	if !ok {
		return
	}
	scope, err := h.svc.SubjectScope(c.Request.Context(), roleID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject_scopes": scope})
}

type updateSubjectScopeRequest struct {
	SubjectScopes []policy.Subject `json:"subject_scopes" binding:"required"`
}

func (h *HTTPHandler) updateSubjectScope(c *gin.Context) {
	roleID, ok := h.roleID(c)
	if !ok {
		return
	}
	audit.Annotate(c, "role.scopes.subject.update", "role", c.Param("roleID"))
	var req updateSubjectScopeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.UpdateSubjectScope(c.Request.Context(), roleID, req.SubjectScopes); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type addMembersRequest struct {
	Members []string `json:"members" binding:"required"`
}

func (h *HTTPHandler) addMembers(c *gin.Context) {
	roleID, ok := h.roleID(c)
	if !ok {
		return
	}
	audit.Annotate(c, "role.members.add", "role", c.Param("roleID"))
	var req addMembersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.AddMembers(c.Request.Context(), roleID, req.Members); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) removeMember(c *gin.Context) {
	roleID, ok := h.roleID(c)
	if !ok {
		return
	}
	audit.Annotate(c, "role.members.remove", "role", c.Param("roleID"))
	if err := h.svc.RemoveMember(c.Request.Context(), roleID, c.Param("username")); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) roleID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("roleID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role id"})
		return 0, false
	}
	return id, true
}

func (h *HTTPHandler) handleServiceError(c *gin.Context, err error) {
	switch {
	case apperr.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case apperr.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case apperr.IsScope(err):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.logger.Error("role service error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
