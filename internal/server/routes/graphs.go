package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/kgraph/internal/server/middleware"
	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/store"
	"github.com/OFFIS-RIT/kgraph/pkg/workflow"

	"github.com/labstack/echo/v4"
)

type graphResponse struct {
	*common.Graph
	Progress util.StatusProgress `json:"progress"`
}

func GetGraphHandler(c echo.Context) error {
	ac := c.(*middleware.AppContext)
	ctx := c.Request().Context()
	id := c.Param("id")

	g, err := ac.App.Service.Graph(ctx, id)
	if err != nil {
		return errorResponse(c, err)
	}
	docs, err := ac.App.Service.DocumentStatus(ctx, store.DocumentFilter{GraphID: id})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, graphResponse{Graph: g, Progress: util.BuildStatusProgress(docs)})
}

func GetCommunityCountHandler(c echo.Context) error {
	ac := c.(*middleware.AppContext)
	n, err := ac.App.Service.CommunityCount(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"count": n})
}

// DeduplicateHandler answers an estimate directly and queues a run.
// run_type defaults to estimate.
func DeduplicateHandler(c echo.Context) error {
	ac := c.(*middleware.AppContext)
	ctx := c.Request().Context()

	var settings graph.DeduplicationSettings
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&settings); err != nil {
			return errorResponse(c, common.Invalid("body", err))
		}
	}
	p := workflow.DeduplicationPayload{
		GraphID:  c.Param("id"),
		Settings: settings,
		RunType:  graph.RunType(c.QueryParam("run_type")),
		Caller:   *ac.Caller,
	}

	switch p.RunType {
	case "", graph.RunTypeEstimate:
		if _, err := ac.App.Service.Graph(ctx, p.GraphID); err != nil {
			return errorResponse(c, err)
		}
		merged := ac.App.Service.Defaults().Deduplication.Merge(p.Settings)
		res, err := ac.App.Estimator.Deduplicate(ctx, p.GraphID, merged, p.Caller, graph.RunTypeEstimate)
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, res)
	case graph.RunTypeRun:
		h, err := ac.App.Service.Deduplicate(ctx, p)
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(http.StatusAccepted, triggerResponse{Workflow: workflow.WorkflowEntityDeduplication, RunID: h.ID()})
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "run_type must be estimate or run"})
	}
}
