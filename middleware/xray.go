package middleware

import (
	"context"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// XRayMiddleware wraps Fiber requests with AWS X-Ray tracing under the
// segment name of the service.
func XRayMiddleware(segmentName string, log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Skip tracing for health checks to reduce noise
		if c.Path() == "/health" {
			return c.Next()
		}

		ctx, seg := xray.BeginSegment(context.Background(), segmentName)
		defer func() {
			if seg != nil {
				seg.Close(nil)
			}
		}()

		if seg.GetHTTP() != nil {
			seg.GetHTTP().GetRequest().Method = c.Method()
			seg.GetHTTP().GetRequest().URL = c.OriginalURL()
			seg.GetHTTP().GetRequest().ClientIP = c.IP()
			seg.GetHTTP().GetRequest().UserAgent = c.Get("User-Agent")
		}

		seg.AddAnnotation("route", c.Path())
		seg.AddAnnotation("method", c.Method())

		// Store X-Ray context in Fiber locals for downstream use
		c.Locals("xray-ctx", ctx)
		c.Locals("xray-seg", seg)

		err := c.Next()

		if seg.GetHTTP() != nil {
			seg.GetHTTP().GetResponse().Status = c.Response().StatusCode()
		}

		if err != nil {
			log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
			seg.AddError(err)
			if seg.GetHTTP() != nil {
				seg.GetHTTP().GetResponse().Status = fiber.StatusInternalServerError
			}
		}

		return err
	}
}

// GetXRayContext retrieves X-Ray context from Fiber locals
func GetXRayContext(c *fiber.Ctx) context.Context {
	if ctx, ok := c.Locals("xray-ctx").(context.Context); ok {
		return ctx
	}
	return c.UserContext()
}
