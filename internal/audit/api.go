package audit

import (
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HTTPHandler serves the audit trail.
type HTTPHandler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHTTPHandler creates a new audit HTTP handler.
func NewHTTPHandler(svc *Service, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers audit routes.
func (h *HTTPHandler) RegisterRoutes(rg *gin.RouterGroup) {
	events := rg.Group("/audit/events")
	{
		events.GET("", h.query)
		events.GET("/export", h.export)
		events.GET("/:eventID", h.get)
	}
}

func filterFromQuery(c *gin.Context) Filter {
	f := Filter{
		Actor:      c.Query("actor"),
		Action:     c.Query("action"),
		ObjectType: c.Query("object_type"),
		ObjectID:   c.Query("object_id"),
		Outcome:    c.Query("outcome"),
	}
	if v := c.Query("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = t
		}
	}
	if v := c.Query("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = t
		}
	}
	if n, err := strconv.Atoi(c.Query("limit")); err == nil {
		f.Limit = n
	}
	if n, err := strconv.Atoi(c.Query("offset")); err == nil {
		f.Offset = n
	}
	return f
}

func (h *HTTPHandler) query(c *gin.Context) {
	f := filterFromQuery(c)
	events, total, err := h.svc.Query(c.Request.Context(), f)
	if err != nil {
		h.logger.Error("Failed to query audit events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

func (h *HTTPHandler) get(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("eventID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}
	event, err := h.svc.Get(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("Failed to load audit event", zap.Int64("event_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, event)
}

func (h *HTTPHandler) export(c *gin.Context) {
	events, err := h.svc.Export(c.Request.Context(), filterFromQuery(c))
	if err != nil {
		h.logger.Error("Failed to export audit events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=audit_events.csv")

	w := csv.NewWriter(c.Writer)
	w.Write([]string{"Time", "Actor", "Role", "Action", "Object Type", "Object ID", "Outcome"})
	for _, e := range events {
		role := ""
		if e.RoleID != 0 {
			role = strconv.FormatInt(e.RoleID, 10)
		}
		w.Write([]string{
			e.CreatedAt.Format(time.RFC3339),
			e.Actor,
			role,
			e.Action,
			e.ObjectType,
			e.ObjectID,
			e.Outcome,
		})
	}
	w.Flush()
}
