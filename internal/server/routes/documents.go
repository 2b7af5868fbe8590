package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/kgraph/internal/server/middleware"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// GetDocumentsHandler lists documents filtered by graph_id, id and status
// query parameters. id and status may repeat.
func GetDocumentsHandler(c echo.Context) error {
	ac := c.(*middleware.AppContext)
	params := c.QueryParams()

	filter := store.DocumentFilter{
		GraphID: c.QueryParam("graph_id"),
		IDs:     params["id"],
	}
	for _, s := range params["status"] {
		status := common.RestructureStatus(s)
		if !status.Valid() {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown status " + s})
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	docs, err := ac.App.Service.DocumentStatus(c.Request().Context(), filter)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, docs)
}

type createDocumentsRequest struct {
	GraphID   string `json:"graph_id" validate:"required"`
	Documents []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Text  string `json:"text"`
	} `json:"documents" validate:"required,min=1"`
}

// CreateDocumentsHandler registers documents as pending. Inline text is
// written to the text store before the documents are registered.
func CreateDocumentsHandler(c echo.Context) error {
	ac := c.(*middleware.AppContext)
	var req createDocumentsRequest
	if err := bindAndValidate(c, &req); err != nil {
		return errorResponse(c, err)
	}
	ctx := c.Request().Context()

	docs := make([]common.DocumentOverview, 0, len(req.Documents))
	for _, d := range req.Documents {
		id := d.ID
		if id == "" {
			id = uuid.NewString()
		}
		if d.Text != "" {
			if ac.App.Text == nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "no writable text store configured"})
			}
			if err := ac.App.Text.PutDocumentText(ctx, id, []byte(d.Text)); err != nil {
				return errorResponse(c, common.Transient("text_store", err))
			}
		}
		docs = append(docs, common.DocumentOverview{ID: id, Title: d.Title})
	}

	created, err := ac.App.Service.RegisterDocuments(ctx, req.GraphID, docs...)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}
