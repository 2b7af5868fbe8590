package server

import (
	"net/http"

	"github.com/OFFIS-RIT/kgraph/internal/server/middleware"
	"github.com/OFFIS-RIT/kgraph/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo, metrics http.Handler) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Workflow triggers
	apiRoutes.POST("/workflows/:name", routes.TriggerWorkflowHandler)

	// Document routes
	apiRoutes.GET("/documents", routes.GetDocumentsHandler)
	apiRoutes.POST("/documents", routes.CreateDocumentsHandler)

	// Graph routes
	apiRoutes.GET("/graphs/:id", routes.GetGraphHandler)
	apiRoutes.GET("/graphs/:id/communities/count", routes.GetCommunityCountHandler)
	apiRoutes.POST("/graphs/:id/deduplicate", routes.DeduplicateHandler)
}
