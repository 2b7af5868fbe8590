package middleware

import (
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/loader"
	"github.com/OFFIS-RIT/kgraph/pkg/workflow"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/labstack/echo/v4"
)

type App struct {
	Service      *workflow.Service
	Estimator    *graph.Deduplicator
	Text         loader.TextWriter
	Key          keyfunc.Keyfunc
	MasterAPIKey string
}

type AppContext struct {
	echo.Context
	App    *App
	Caller *common.Caller
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return next(&AppContext{Context: c, App: app})
		}
	}
}
