package group

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dhawalhost/permseal/internal/apperr"
	"github.com/dhawalhost/permseal/internal/audit"
	"github.com/dhawalhost/permseal/internal/policy"
	"github.com/dhawalhost/permseal/pkg/middleware"
)

// HTTPHandler exposes the group management API. Every route acts on
// behalf of the role carried in the role header.
type HTTPHandler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHTTPHandler creates a group HTTP handler.
func NewHTTPHandler(svc *Service, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers the group routes.
func (h *HTTPHandler) RegisterRoutes(router *gin.RouterGroup) {
	groups := router.Group("/groups")
	groups.POST("", h.createGroup)
	groups.GET("", h.listGroups)
	groups.GET("/:groupID", h.getGroup)
	groups.PUT("/:groupID", h.updateGroup)
	groups.DELETE("/:groupID", h.deleteGroup)
	groups.GET("/:groupID/members", h.listMembers)
	groups.POST("/:groupID/members", h.addMembers)
	groups.DELETE("/:groupID/members", h.removeMembers)
	groups.PUT("/:groupID/members/expired-at", h.renewMembers)
	groups.POST("/:groupID/authorizations", h.authorize)
	groups.GET("/:groupID/authorizations", h.pendingAuthorizations)
	groups.GET("/:groupID/policies", h.listPolicies)
	groups.PUT("/:groupID/policies", h.updatePolicies)
	groups.DELETE("/:groupID/policies", h.deletePolicies)
	groups.GET("/:groupID/templates", h.listTemplates)
}

type createGroupRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	Creator     string `json:"creator" binding:"required"`
}

func (h *HTTPHandler) createGroup(c *gin.Context) {
	roleID, ok := h.actingRole(c)
	if !ok {
		return
	}
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	audit.Annotate(c, "group.create", "group", "")
	g := Group{Name: req.Name, Description: req.Description, Creator: req.Creator}
	id, err := h.svc.Create(c.Request.Context(), roleID, g)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	audit.Annotate(c, "group.create", "group", strconv.FormatInt(id, 10))
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *HTTPHandler) listGroups(c *gin.Context) {
	roleID, ok := h.actingRole(c)
	if !ok {
		return
	}
	groups, err := h.svc.List(c.Request.Context(), roleID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

func (h *HTTPHandler) getGroup(c *gin.Context) {
	roleID, groupID, ok := h.params(c)
	if !ok {
		return
	}
	g, err := h.svc.Get(c.Request.Context(), roleID, groupID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": g})
}

type updateGroupRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

func (h *HTTPHandler) updateGroup(c *gin.Context) {
	roleID, groupID, ok := h.params(c)
	if !ok {
		return
	}
	audit.Annotate(c, "group.update", "group", c.Param("groupID"))
	var req updateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.Update(c.Request.Context(), roleID, groupID, req.Name, req.Description); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) deleteGroup(c *gin.Context) {
	roleID, groupID, ok := h.params(c)
	if !ok {
		return
	}
	audit.Annotate(c, "group.delete", "group", c.Param("groupID"))
	if err := h.svc.Delete(c.Request.Context(), roleID, groupID); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) listMembers(c *gin.Context) {
	roleID, groupID, ok := h.params(c)
	if !ok {
		return
	}
	members, err := h.svc.Members(c.Request.Context(), roleID, groupID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

type membersRequest struct {
	Members []MemberExpiry `json:"members" binding:"required,dive"`
}

func (h *HTTPHandler) addMembers(c *gin.Context) {
	roleID, groupID, ok := h.params(c)
	if !ok {
		return
	}
	audit.Annotate(c, "group.members.add", "group", c.Param("groupID"))
	var req membersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.AddMembers(c.Request.Context(), roleID, groupID, req.Members); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type removeMembersRequest struct {
	Members []policy.Subject `json:"members" binding:"required"`
}

func (h *HTTPHandler) removeMembers(c *gin.Context) {
	roleID, groupID, ok := h.params(c)
	if !ok {
		return
	}
	audit.Annotate(c, "group.members.remove", "group", c.Param("groupID"))
	var req removeMembersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.RemoveMembers(c.Request.Context(), roleID, groupID, req.Members); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) renewMembers(c *gin.Context) {
	roleID, groupID, ok := h.params(c)
	if !ok {
		return
	}
	audit.Annotate(c, "group.members.renew", "group", c.Param("groupID"))
	var req membersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.RenewMembers(c.Request.Context(), roleID, groupID, req.Members); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type authorizeRequest struct {
	Sources []GrantSource `json:"sources" binding:"required"`
}

// authorize answers 202: the grant is validated and locked, the
// application itself happens asynchronously.
func (h *HTTPHandler) authorize(c *gin.Context) {
	roleID, groupID, ok := h.params(c)
	if !ok {
		return
	}
	audit.Annotate(c, "group.authorize", "group", c.Param("groupID"))
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key, err := h.svc.Authorize(c.Request.Context(), roleID, groupID, req.Sources)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	audit.AnnotateDetails(c, gin.H{"task_key": key, "sources": len(req.Sources)})
	c.JSON(http.StatusAccepted, gin.H{"task_key": key})
}

func (h *HTTPHandler) pendingAuthorizations(c *gin.Context) {
	roleID, groupID, ok := h.params(c)
	if !ok {
		return
	}
	locks, err := h.svc.PendingAuthorizations(c.Request.Context(), roleID, groupID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": locks})
}

func (h *HTTPHandler) listPolicies(c *gin.Context) {
	roleID, groupID, ok := h.params(c)
	if !ok {
		return
	}
	systemID := c.Query("system_id")
	if systemID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "system_id is required"})
		return
	}
	policies, err := h.svc.Policies(c.Request.Context(), roleID, groupID, systemID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies})
}

type updatePoliciesRequest struct {
	SystemID   string          `json:"system_id" binding:"required"`
	TemplateID int64           `json:"template_id"`
	Policies   []policy.Policy `json:"policies" binding:"required"`
}

func (h *HTTPHandler) updatePolicies(c *gin.Context) {
	roleID, groupID, ok := h.params(c)
	if !ok {
		return
	}
	audit.Annotate(c, "group.policies.update", "group", c.Param("groupID"))
	var req updatePoliciesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updated, err := h.svc.UpdatePolicies(c.Request.Context(), roleID, groupID, req.SystemID, req.TemplateID, req.Policies)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": updated})
}

type deletePoliciesRequest struct {
	SystemID  string  `json:"system_id" binding:"required"`
	PolicyIDs []int64 `json:"policy_ids" binding:"required"`
}

func (h *HTTPHandler) deletePolicies(c *gin.Context) {
	roleID, groupID, ok := h.params(c)
	if !ok {
		return
	}
	audit.Annotate(c, "group.policies.delete", "group", c.Param("groupID"))
	var req deletePoliciesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.DeletePolicies(c.Request.Context(), roleID, groupID, req.SystemID, req.PolicyIDs); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) listTemplates(c *gin.Context) {
	roleID, groupID, ok := h.params(c)
	if !ok {
		return
	}
	links, err := h.svc.Templates(c.Request.Context(), roleID, groupID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": links})
}

func (h *HTTPHandler) actingRole(c *gin.Context) (int64, bool) {
	roleID, err := middleware.RoleIDFromGinContext(c)
	if err != nil || roleID == 0 {
		c.JSON(http.StatusForbidden, gin.H{"error": "group operations require an acting role"})
		return 0, false
	}
	return roleID, true
}

func (h *HTTPHandler) params(c *gin.Context) (roleID, groupID int64, ok bool) {
	roleID, ok = h.actingRole(c)
	if !ok {
		return 0, 0, false
	}
	groupID, err := strconv.ParseInt(c.Param("groupID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id"})
		return 0, 0, false
	}
	return roleID, groupID, true
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
		h.logger.Error("group service error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
