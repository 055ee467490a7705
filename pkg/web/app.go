package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// NewApp mounts the operations surface on a fiber application.
func NewApp(handlers *APIHandlers) *fiber.App {
	app := fiber.New(fiber.Config{AppName: "procflow"})
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, handlers.Readiness)

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("procflow API")
	})

	d := app.Group("/definitions")
	d.Get("/", handlers.ListDefinitions)
	d.Post("/", handlers.CreateDefinition)
	d.Get("/:id", handlers.GetDefinition)
	d.Put("/:id", handlers.UpdateDefinition)
	d.Post("/:id/publish", handlers.PublishDefinition)
	d.Post("/:id/archive", handlers.ArchiveDefinition)
	d.Get("/:id/schedules", handlers.ListSchedules)
	d.Post("/:id/executions", handlers.StartExecution)

	app.Patch("/schedules/:id", handlers.UpdateSchedule)

	e := app.Group("/executions")
	e.Get("/", handlers.ListExecutions)
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/resume", handlers.ResumeExecution)
	e.Post("/:id/cancel", handlers.CancelExecution)

	a := app.Group("/approvals")
	a.Get("/", handlers.ListApprovals)
	a.Get("/:id", handlers.GetApproval)
	a.Post("/:id/approve", handlers.ApproveRequest)
	a.Post("/:id/reject", handlers.RejectRequest)

	r := app.Group("/resources")
	r.Get("/:key/queue", handlers.GetQueue)
	r.Delete("/:key/queue", handlers.ClearQueue)
	r.Post("/:key/release", handlers.ForceRelease)

	return app
}
