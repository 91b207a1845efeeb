package audit

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dhawalhost/permseal/pkg/middleware"
)

const (
	actionKey     = "audit.action"
	objectTypeKey = "audit.object_type"
	objectIDKey   = "audit.object_id"
	detailsKey    = "audit.details"
)

// Annotate marks the current request for the audit trail. Handlers of
// permission-changing routes call it as soon as the object is known;
// requests without an annotation are not recorded.
func Annotate(c *gin.Context, action, objectType, objectID string) {
	c.Set(actionKey, action)
	c.Set(objectTypeKey, objectType)
	c.Set(objectIDKey, objectID)
}

// AnnotateDetails attaches extra context to the event of the current
// request.
func AnnotateDetails(c *gin.Context, v interface{}) {
	c.Set(detailsKey, v)
}

// Middleware records every annotated request after it completes. The
// outcome follows the response status, so rejected changes land in the
// trail as failures.
func Middleware(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		action := c.GetString(actionKey)
		if action == "" {
			return
		}

		outcome := OutcomeSuccess
		if c.Writer.Status() >= http.StatusBadRequest {
			outcome = OutcomeFailure
		}
		actor, _ := middleware.UsernameFromGinContext(c)
		roleID, _ := middleware.RoleIDFromGinContext(c)

		var details json.RawMessage
		if v, ok := c.Get(detailsKey); ok {
			details = marshalDetails(v)
		} else if len(c.Errors) > 0 {
			details = marshalDetails(gin.H{"errors": c.Errors.Errors()})
		}

		// The write must survive client disconnects.
		svc.Record(context.WithoutCancel(c.Request.Context()), Event{
			Actor:      actor,
			RoleID:     roleID,
			Action:     action,
			ObjectType: c.GetString(objectTypeKey),
			ObjectID:   c.GetString(objectIDKey),
			Details:    details,
			Outcome:    outcome,
		})
	}
}
