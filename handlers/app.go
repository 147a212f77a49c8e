package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/swagger"
	"github.com/rs/zerolog"

	"softgate-functions/middleware"
)

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

// NewOpsApp builds the operational HTTP server shared by both processes:
// health, swagger and request logging, with X-Ray tracing when enabled.
func NewOpsApp(name string, log zerolog.Logger, tracing bool, checks map[string]HealthCheck) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               name,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(middleware.RequestLogger(log))
	if tracing {
		app.Use(middleware.XRayMiddleware(name, log))
	}

	app.Get("/swagger/*", swagger.HandlerDefault)

	app.Get("/health", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		status := fiber.Map{}
		healthy := true
		for dep, check := range checks {
			if err := check(ctx); err != nil {
				healthy = false
				status[dep] = err.Error()
				continue
			}
			status[dep] = "UP"
		}
		if !healthy {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "DOWN", "checks": status})
		}
		return c.JSON(fiber.Map{"status": "UP", "checks": status})
	})

	return app
}
