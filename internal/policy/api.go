package policy

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dhawalhost/permseal/internal/apperr"
	"github.com/dhawalhost/permseal/internal/audit"
	"github.com/dhawalhost/permseal/pkg/middleware"
)

// HTTPHandler represents the HTTP API handlers for the policy service.
// All routes operate on the authenticated user's own policies.
type HTTPHandler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHTTPHandler creates a new HTTPHandler.
func NewHTTPHandler(svc *Service, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers the policy routes on an authenticated group.
func (h *HTTPHandler) RegisterRoutes(router *gin.RouterGroup) {
	policies := router.Group("/policies")
	{
		policies.GET("", h.listPolicies)
		policies.DELETE("", h.deletePolicies)
		policies.DELETE("/:policyID", h.deletePartial)
		policies.GET("/systems", h.listPolicySystems)
		policies.GET("/expiring", h.listExpiring)
		policies.POST("/renew", h.renewPolicies)
	}
}

func (h *HTTPHandler) subject(c *gin.Context) (Subject, bool) {
	username, err := middleware.UsernameFromGinContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return Subject{}, false
	}
	return NewUserSubject(username), true
}

func (h *HTTPHandler) listPolicies(c *gin.Context) {
	subject, ok := h.subject(c)
	if !ok {
		return
	}
	systemID := c.Query("system_id")
	if systemID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "system_id is required"})
		return
	}

	var (
		policies []Policy
		err      error
	)
	if actionIDs := c.Query("action_ids"); actionIDs != "" {
		policies, err = h.svc.ListBySubjectActions(c.Request.Context(), systemID, subject, strings.Split(actionIDs, ","))
	} else {
		policies, err = h.svc.ListBySubject(c.Request.Context(), systemID, subject)
	}
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	if policies == nil {
		policies = []Policy{}
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies})
}

type deletePoliciesRequest struct {
	SystemID string  `json:"system_id" binding:"required"`
	IDs      []int64 `json:"ids" binding:"required"`
}

func (h *HTTPHandler) deletePolicies(c *gin.Context) {
	subject, ok := h.subject(c)
	if !ok {
		return
	}
	audit.Annotate(c, "policy.delete", "policy", "")
	var req deletePoliciesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Failed to bind delete policies request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	audit.AnnotateDetails(c, gin.H{"system_id": req.SystemID, "ids": req.IDs})
	if err := h.svc.DeleteByIDs(c.Request.Context(), req.SystemID, subject, req.IDs); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type deletePartialRequest struct {
	SystemID         string      `json:"system_id" binding:"required"`
	ResourceSystemID string      `json:"resource_system_id" binding:"required"`
	ResourceType     string      `json:"resource_type" binding:"required"`
	ConditionIDs     []string    `json:"condition_ids"`
	Conditions       []Condition `json:"conditions"`
}

func (h *HTTPHandler) deletePartial(c *gin.Context) {
	subject, ok := h.subject(c)
	if !ok {
		return
	}
	policyID, ok := h.policyIDParam(c)
	if !ok {
		return
	}
	audit.Annotate(c, "policy.delete_partial", "policy", c.Param("policyID"))
	var req deletePartialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Failed to bind partial delete request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	policy, err := h.svc.DeletePartial(
		c.Request.Context(), req.SystemID, subject, policyID,
		req.ResourceSystemID, req.ResourceType, req.ConditionIDs, req.Conditions,
	)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

func (h *HTTPHandler) listPolicySystems(c *gin.Context) {
	subject, ok := h.subject(c)
	if !ok {
		return
	}
	counts, err := h.svc.CountBySystem(c.Request.Context(), subject)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	systems := make([]gin.H, 0, len(counts))
	for _, count := range counts {
		systems = append(systems, gin.H{"id": count.SystemID, "count": count.Count})
	}
	c.JSON(http.StatusOK, gin.H{"systems": systems})
}

func (h *HTTPHandler) listExpiring(c *gin.Context) {
	subject, ok := h.subject(c)
	if !ok {
		return
	}
	expiring, err := h.svc.ListExpired(c.Request.Context(), subject, time.Now().Unix()+ExpireSoonSeconds)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	if expiring == nil {
		expiring = []ThinPolicy{}
	}
	c.JSON(http.StatusOK, gin.H{"policies": expiring})
}

type renewPoliciesRequest struct {
	Policies []PolicyExpiry `json:"policies" binding:"required"`
}

func (h *HTTPHandler) renewPolicies(c *gin.Context) {
	subject, ok := h.subject(c)
	if !ok {
		return
	}
	audit.Annotate(c, "policy.renew", "policy", "")
	var req renewPoliciesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Failed to bind renew policies request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.Renew(c.Request.Context(), subject, req.Policies); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) policyIDParam(c *gin.Context) (int64, bool) {
	policyID, err := strconv.ParseInt(c.Param("policyID"), 10, 64)
	if err != nil || policyID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid policy id"})
		return 0, false
	}
	return policyID, true
}

func (h *HTTPHandler) handleServiceError(c *gin.Context, err error) {
	if apperr.IsValidation(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if apperr.IsConflict(err) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if apperr.IsScope(err) {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.logger.Error("policy service error", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
