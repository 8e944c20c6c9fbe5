package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grading-api/internal/config"
	"github.com/noah-isme/gema-grading-api/internal/handler"
	"github.com/noah-isme/gema-grading-api/internal/middleware"
	"github.com/noah-isme/gema-grading-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	AssignmentHandler *handler.AssignmentHandler
	AttemptHandler    *handler.AttemptHandler
	GradingHandler    *handler.GradingHandler
	JWTMiddleware     fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))

	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.AssignmentHandler != nil {
		grading := app.Group("/api/v1/grading", jwtMiddleware)

		assignmentGroup := grading.Group("/assignments")
		deps.AssignmentHandler.Register(assignmentGroup, middleware.RequireRole("admin", "teacher"))

		if deps.AttemptHandler != nil {
			attemptGroup := grading.Group("/attempts")
			deps.AttemptHandler.Register(attemptGroup)
		}

		if deps.GradingHandler != nil {
			// Each submission fans out into renders, oracle calls and AI
			// summaries; keep the trigger rate per user modest.
			submissionGroup := grading.Group("/submissions", middleware.RateLimit("grading-submission", 5, time.Minute))
			deps.GradingHandler.Register(submissionGroup)
		}
	}
}
