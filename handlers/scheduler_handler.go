package handlers

import (
	"github.com/gofiber/fiber/v2"

	"softgate-functions/services"
)

// StatusProvider reports the scheduler's current state.
type StatusProvider interface {
	Status() services.SchedulerStatus
}

type SchedulerHandler struct {
	scheduler StatusProvider
}

func NewSchedulerHandler(scheduler StatusProvider) *SchedulerHandler {
	return &SchedulerHandler{scheduler: scheduler}
}

// GetStatus godoc
// @Summary Scheduler status
// @Description Registry size, dispatch window slots and watermark of the running scheduler
// @Tags scheduler
// @Produce json
// @Success 200 {object} services.SchedulerStatus
// @Router /scheduler/status [get]
func (h *SchedulerHandler) GetStatus(c *fiber.Ctx) error {
	return c.JSON(h.scheduler.Status())
}
