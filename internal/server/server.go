package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/kgraph/internal/app"
	"github.com/OFFIS-RIT/kgraph/internal/metrics"
	"github.com/OFFIS-RIT/kgraph/internal/queue"
	mid "github.com/OFFIS-RIT/kgraph/internal/server/middleware"
	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/loader"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/workflow"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

// New builds the echo instance serving app.
func New(app *mid.App, metrics http.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(util.GetEnvString("BODY_LIMIT", "512M")))

	RegisterRoutes(e, metrics)
	return e
}

// newRuntime returns the runtime triggers are handed to. RUNTIME selects
// queue (default), temporal or local.
func newRuntime(ctx context.Context, pipeline *app.Pipeline) (workflow.Runtime, error) {
	switch mode := util.GetEnvString("RUNTIME", "queue"); mode {
	case "local":
		return pipeline.LocalRuntime(), nil
	case "temporal":
		cfg := workflow.LoadTemporalConfig()
		c, err := workflow.DialTemporal(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return workflow.NewTemporalRuntime(c, cfg.TaskQueue), nil
	case "queue":
		conn, err := queue.Init(ctx)
		if err != nil {
			return nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to open channel: %w", err)
		}
		if err := queue.SetupQueues(ch, []string{queue.WorkflowQueue}); err != nil {
			conn.Close()
			return nil, err
		}
		return queue.NewPublisher(ch, queue.WorkflowQueue), nil
	default:
		return nil, fmt.Errorf("unknown RUNTIME %q", mode)
	}
}

func Init() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := app.OpenStores(ctx)
	if err != nil {
		logger.Fatal("[Server] Failed to open storage", "err", err)
	}
	defer stores.Close()

	collector := metrics.NewCollector()
	pipeline, err := app.NewPipeline(ctx, stores, collector)
	if err != nil {
		logger.Fatal("[Server] Failed to build pipeline", "err", err)
	}
	defer pipeline.Close(context.Background())

	runtime, err := newRuntime(ctx, pipeline)
	if err != nil {
		logger.Fatal("[Server] Failed to start workflow runtime", "err", err)
	}
	defer runtime.Close()

	a := &mid.App{
		Service:      workflow.NewService(runtime, stores.Graph, stores.Status, pipeline.Settings.Defaults()),
		Estimator:    pipeline.Activities.Graph.Dedupe,
		MasterAPIKey: util.GetEnv("MASTER_API_KEY"),
	}
	if w, ok := pipeline.Text.(loader.TextWriter); ok {
		a.Text = w
	}
	if authURL := util.GetEnv("AUTH_URL"); authURL != "" {
		k, err := keyfunc.NewDefaultCtx(ctx, []string{authURL + "/jwks"})
		if err != nil {
			logger.Fatal("[Server] Failed to load jwks keys", "err", err)
		}
		a.Key = k
	} else if a.MasterAPIKey == "" {
		logger.Warn("[Server] Neither AUTH_URL nor MASTER_API_KEY set, every API request is rejected")
	}

	e := New(a, collector.Handler())

	go func() {
		port := util.GetEnvString("PORT", "8080")
		logger.Info("[Server] Starting server", "port", port)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("[Server] Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("[Server] Failed to shutdown server", "err", err)
	}
}
