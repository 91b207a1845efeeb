package template

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dhawalhost/permseal/internal/apperr"
	"github.com/dhawalhost/permseal/internal/audit"
)

// HTTPHandler exposes the template admin API.
type HTTPHandler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHTTPHandler creates a template HTTP handler.
func NewHTTPHandler(svc *Service, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers the template routes.
func (h *HTTPHandler) RegisterRoutes(router *gin.RouterGroup) {
	group := router.Group("/templates")
	group.POST("", h.createTemplate)
	group.GET("", h.listTemplates)
	group.GET("/:templateID", h.getTemplate)
	group.DELETE("/:templateID", h.deleteTemplate)
	group.POST("/:templateID/updates", h.beginUpdate)
	group.PUT("/:templateID/updates", h.finishUpdate)
}

type createTemplateRequest struct {
	SystemID    string   `json:"system_id" binding:"required"`
	Name        string   `json:"name" binding:"required"`
	Description string   `json:"description"`
	ActionIDs   []string `json:"action_ids" binding:"required"`
	Creator     string   `json:"creator" binding:"required"`
}

func (h *HTTPHandler) createTemplate(c *gin.Context) {
	var req createTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	audit.Annotate(c, "template.create", "template", "")
	id, err := h.svc.Create(c.Request.Context(), Template{
		SystemID:    req.SystemID,
		Name:        req.Name,
		Description: req.Description,
		ActionIDs:   req.ActionIDs,
		Creator:     req.Creator,
	})
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	audit.Annotate(c, "template.create", "template", strconv.FormatInt(id, 10))
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *HTTPHandler) listTemplates(c *gin.Context) {
	templates, err := h.svc.List(c.Request.Context(), c.Query("system_id"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates})
}

func (h *HTTPHandler) getTemplate(c *gin.Context) {
	id, ok := h.templateID(c)
	if !ok {
		return
	}
	t, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *HTTPHandler) deleteTemplate(c *gin.Context) {
	id, ok := h.templateID(c)
	if !ok {
		return
	}
	audit.Annotate(c, "template.delete", "template", c.Param("templateID"))
	if err := h.svc.Delete(c.Request.Context(), id); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) beginUpdate(c *gin.Context) {
	id, ok := h.templateID(c)
	if !ok {
		return
	}
	audit.Annotate(c, "template.update.begin", "template", c.Param("templateID"))
	if err := h.svc.BeginUpdate(c.Request.Context(), id); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type finishUpdateRequest struct {
	ActionIDs []string `json:"action_ids"`
}

func (h *HTTPHandler) finishUpdate(c *gin.Context) {
	id, ok := h.templateID(c)
	if !ok {
		return
	}
	audit.Annotate(c, "template.update.finish", "template", c.Param("templateID"))
	var req finishUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.FinishUpdate(c.Request.Context(), id, req.ActionIDs); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) templateID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("templateID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid template id"})
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
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.logger.Error("template service error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
