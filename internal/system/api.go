package system

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dhawalhost/permseal/internal/apperr"
	"github.com/dhawalhost/permseal/internal/audit"
)

// HTTPHandler exposes the registry admin API.
type HTTPHandler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHTTPHandler creates a registry HTTP handler.
func NewHTTPHandler(svc *Service, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers the registry routes.
func (h *HTTPHandler) RegisterRoutes(router *gin.RouterGroup) {
	group := router.Group("/systems")
	group.POST("", h.createSystem)
	group.GET("", h.listSystems)
	group.GET("/:systemID", h.getSystem)
	group.POST("/:systemID/resource-types", h.createResourceType)
	group.GET("/:systemID/resource-types", h.listResourceTypes)
	group.POST("/:systemID/actions", h.createAction)
	group.GET("/:systemID/actions", h.listActions)
}

type createSystemRequest struct {
	ID                string `json:"id" binding:"required"`
	Name              string `json:"name" binding:"required"`
	Description       string `json:"description"`
	ProviderURL       string `json:"provider_url" binding:"required"`
	ProviderAuthType  string `json:"provider_auth_type"`
	ProviderAuthToken string `json:"provider_auth_token"`
}

func (h *HTTPHandler) createSystem(c *gin.Context) {
	var req createSystemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sys := System{
		ID:                req.ID,
		Name:              req.Name,
		Description:       req.Description,
		ProviderURL:       req.ProviderURL,
		ProviderAuthType:  req.ProviderAuthType,
		ProviderAuthToken: req.ProviderAuthToken,
	}
	audit.Annotate(c, "system.create", "system", sys.ID)
	if err := h.svc.CreateSystem(c.Request.Context(), sys); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": sys.ID})
}

func (h *HTTPHandler) listSystems(c *gin.Context) {
	systems, err := h.svc.ListSystems(c.Request.Context())
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"systems": systems})
}

func (h *HTTPHandler) getSystem(c *gin.Context) {
	sys, err := h.svc.GetSystem(c.Request.Context(), c.Param("systemID"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, sys)
}

type createResourceTypeRequest struct {
	ID           string `json:"id" binding:"required"`
	Name         string `json:"name" binding:"required"`
	ProviderPath string `json:"provider_path"`
}

func (h *HTTPHandler) createResourceType(c *gin.Context) {
	var req createResourceTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rt := ResourceType{
		SystemID:     c.Param("systemID"),
		ID:           req.ID,
		Name:         req.Name,
		ProviderPath: req.ProviderPath,
	}
	audit.Annotate(c, "system.resource_type.create", "resource_type", rt.SystemID+":"+rt.ID)
	if err := h.svc.CreateResourceType(c.Request.Context(), rt); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": rt.ID})
}

func (h *HTTPHandler) listResourceTypes(c *gin.Context) {
	types, err := h.svc.ListResourceTypes(c.Request.Context(), c.Param("systemID"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resource_types": types})
}

type createActionRequest struct {
	ID                   string            `json:"id" binding:"required"`
	Name                 string            `json:"name" binding:"required"`
	RelatedResourceTypes []ResourceTypeRef `json:"related_resource_types"`
}

func (h *HTTPHandler) createAction(c *gin.Context) {
	var req createActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	action := Action{
		SystemID:             c.Param("systemID"),
		ID:                   req.ID,
		Name:                 req.Name,
		RelatedResourceTypes: req.RelatedResourceTypes,
	}
	audit.Annotate(c, "system.action.create", "action", action.SystemID+":"+action.ID)
	if err := h.svc.CreateAction(c.Request.Context(), action); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": action.ID})
}

func (h *HTTPHandler) listActions(c *gin.Context) {
	actions, err := h.svc.ListActions(c.Request.Context(), c.Param("systemID"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

func (h *HTTPHandler) handleServiceError(c *gin.Context, err error) {
	switch {
	case apperr.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case apperr.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.logger.Error("registry service error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
