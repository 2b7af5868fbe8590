package routes

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/OFFIS-RIT/kgraph/internal/server/middleware"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/workflow"

	"github.com/labstack/echo/v4"
)

type triggerResponse struct {
	Workflow workflow.Name `json:"workflow"`
	RunID    string        `json:"run_id"`
}

// TriggerWorkflowHandler queues workflow :name with the request body as
// payload.
func TriggerWorkflowHandler(c echo.Context) error {
	ac := c.(*middleware.AppContext)
	name := workflow.Name(c.Param("name"))
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return errorResponse(c, common.Invalid("body", err))
	}
	ctx := c.Request().Context()

	var h workflow.Handle
	if name == workflow.WorkflowEntityDeduplication {
		var p workflow.DeduplicationPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return errorResponse(c, common.Invalid("payload", err))
		}
		p.Caller = *ac.Caller
		h, err = ac.App.Service.Deduplicate(ctx, p)
	} else {
		h, err = ac.App.Service.Trigger(ctx, name, raw)
	}
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, triggerResponse{Workflow: name, RunID: h.ID()})
}
