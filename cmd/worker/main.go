package main

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
	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/ai"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/workflow"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	util.LoadEnv()
	app.InitLogger("kgraph-worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := app.OpenStores(ctx)
	if err != nil {
		logger.Fatal("[Worker] Failed to open storage", "err", err)
	}
	defer stores.Close()

	collector := metrics.NewCollector()
	pipeline, err := app.NewPipeline(ctx, stores, collector)
	if err != nil {
		logger.Fatal("[Worker] Failed to build pipeline", "err", err)
	}
	defer pipeline.Close(context.Background())

	// Queued triggers run on Temporal when it is configured, else in
	// process. In process runs are awaited so failures use the retry queue.
	var (
		runtime workflow.Runtime
		wait    bool
	)
	if cfg := workflow.LoadTemporalConfig(); cfg.Enabled() {
		c, err := workflow.DialTemporal(ctx, cfg)
		if err != nil {
			logger.Fatal("[Worker] Failed to connect to Temporal", "err", err)
		}
		w := workflow.NewTemporalWorker(c, cfg.TaskQueue, pipeline.Activities, pipeline.Policies, pipeline.Settings.Runtime.MaxConcurrency)
		if err := w.Start(); err != nil {
			logger.Fatal("[Worker] Failed to start Temporal worker", "err", err)
		}
		defer w.Stop()
		logger.Info("[Worker] Temporal worker started", "task_queue", cfg.TaskQueue)
		runtime = workflow.NewTemporalRuntime(c, cfg.TaskQueue)
	} else {
		runtime = pipeline.LocalRuntime()
		wait = true
	}
	defer runtime.Close()

	ops := newOpsServer(collector)
	go func() {
		port := util.GetEnvString("METRICS_PORT", "9090")
		logger.Info("[Worker] Serving metrics", "port", port)
		if err := ops.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Error("[Worker] Metrics server failed", "err", err)
		}
	}()

	if util.GetEnvBool("QUEUE_ENABLED", true) {
		go func() {
			if err := consume(ctx, runtime, wait, pipeline.AI); err != nil {
				logger.Error("[Worker] Consumer stopped", "err", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("[Worker] Shutdown signal received, exiting...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Error("[Worker] Failed to shutdown metrics server", "err", err)
	}
}

func newOpsServer(collector *metrics.Collector) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	e.GET("/metrics", echo.WrapHandler(collector.Handler()))
	return e
}

func consume(ctx context.Context, runtime workflow.Runtime, wait bool, aiClient ai.GraphAIClient) error {
	conn, err := queue.Init(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()
	if err := queue.SetupQueues(ch, []string{queue.WorkflowQueue}); err != nil {
		return err
	}

	consumerCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer consumerCh.Close()

	claims, err := queue.NewRedisClaimsFromEnv(ctx)
	if err != nil {
		logger.Warn("[Worker] Redis unavailable, duplicate deliveries are not suppressed", "err", err)
	}
	opts := queue.ConsumerOptions{
		Wait:   wait,
		OnDone: logRun(aiClient),
	}
	if claims != nil {
		defer claims.Close()
		opts.Claims = claims
	}

	return queue.NewConsumer(runtime, ch, queue.WorkflowQueue, opts).Run(ctx, consumerCh)
}

// logRun logs the model usage of a finished run and resets the counters.
func logRun(aiClient ai.GraphAIClient) func(queue.Trigger, time.Duration, error) {
	return func(t queue.Trigger, d time.Duration, err error) {
		if aiClient == nil {
			return
		}
		m := aiClient.GetMetrics()
		logger.Info(
			"[Worker] AI metrics",
			"workflow", t.Workflow,
			"input_tokens", m.InputTokens,
			"output_tokens", m.OutputTokens,
			"total_tokens", m.TotalTokens,
			"ai_duration", formatDuration(time.Duration(m.DurationMs)*time.Millisecond),
			"duration", formatDuration(d),
		)
		aiClient.ResetMetrics()
	}
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}
