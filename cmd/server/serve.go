package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/spf13/cobra"

	"github.com/codebuildervaibhav/call-insights/internal/cleanup"
	"github.com/codebuildervaibhav/call-insights/internal/handlers"
	"github.com/codebuildervaibhav/call-insights/internal/queue"
)

const version = "1.0.0"

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

// routes are the HTTP handlers of the service.
type routes struct {
	upload *handlers.UploadHandler
	gdrive *handlers.GDriveHandler
	stream *handlers.StreamHandler
	calls  *handlers.CallsHandler
	logs   *LogBuffer
}

func newRouter(r routes, bodyLimitMB int, accessLog bool) *fiber.App {
	app := fiber.New(fiber.Config{
		BodyLimit: bodyLimitMB * 1024 * 1024,
	})

	app.Use(recover.New())
	if accessLog {
		app.Use(logger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"version": version,
		})
	})

	app.Post("/upload", r.upload.Handle)
	app.Post("/gdrive", r.gdrive.Handle)

	app.Get("/calls", r.calls.List)
	app.Get("/calls/*", r.calls.Get)
	app.Get("/executions/:id", r.calls.Execution)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/stream", websocket.New(r.stream.Handle))
	app.Get("/ws/executions/:id", websocket.New(r.stream.Watch))

	app.Get("/logs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"logs": r.logs.GetLogs(),
		})
	})
	return app
}

func serve(ctx context.Context) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, log := a.cfg, a.log

	workerPool := queue.NewWorkerPool(cfg.Workers.Count, a.runner, a.cp, log)
	workerPool.Start(ctx)
	defer workerPool.Stop()
	if _, err := workerPool.Resume(ctx); err != nil {
		log.WithError(err).Error("Failed to resume executions")
	}

	cleanupScheduler := cleanup.NewScheduler(
		cfg.Storage.TempDir,
		cfg.Cleanup.IntervalMinutes,
		cfg.Cleanup.MaxAgeHours,
		a.blobs,
		log,
	)
	cleanupScheduler.Start(ctx)
	defer cleanupScheduler.Stop()

	intake := &handlers.Intake{Blobs: a.blobs, Trigger: a.trigger, Queue: workerPool}
	maxMB := cfg.Limits.MaxFileSizeMB
	app := newRouter(routes{
		upload: handlers.NewUploadHandler(intake, maxMB, log),
		gdrive: handlers.NewGDriveHandler(intake, nil, "", maxMB, log),
		stream: handlers.NewStreamHandler(intake, workerPool, maxMB, log),
		calls:  handlers.NewCallsHandler(a.records, a.blobs, workerPool, a.cp, log),
		logs:   a.logs,
	}, maxMB, true)

	go func() {
		<-ctx.Done()
		log.Info("Shutting down gracefully")
		if err := app.Shutdown(); err != nil {
			log.WithError(err).Error("Server shutdown failed")
		}
	}()

	log.WithField("addr", cfg.Addr()).Info("Server starting")
	for _, line := range []string{
		"POST /upload              - Upload a call recording or transcript",
		"POST /gdrive              - Process a Google Drive link",
		"GET  /ws/stream           - Stream a recording over WebSocket",
		"GET  /ws/executions/:id   - Follow an execution over WebSocket",
		"GET  /calls               - List processed calls",
		"GET  /calls/*             - Get one call and its transcript",
		"GET  /executions/:id      - Execution status",
		"GET  /logs                - View server logs",
		"GET  /health              - Health check",
	} {
		log.Debug(line)
	}

	return app.Listen(cfg.Addr())
}
