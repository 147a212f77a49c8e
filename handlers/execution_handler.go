package handlers

import (
	"errors"
	"io/fs"

	"github.com/gofiber/fiber/v2"

	"softgate-functions/middleware"
	"softgate-functions/models"
	"softgate-functions/services"
)

type ExecutionHandler struct {
	executions services.ExecutionStore
	archive    services.StorageService
}

// NewExecutionHandler serves execution records. archive may be nil when log
// archiving is disabled.
func NewExecutionHandler(executions services.ExecutionStore, archive services.StorageService) *ExecutionHandler {
	return &ExecutionHandler{executions: executions, archive: archive}
}

// GetExecution godoc
// @Summary Get an execution
// @Tags executions
// @Produce json
// @Param projectId path string true "Project ID"
// @Param id path string true "Execution ID"
// @Success 200 {object} models.Execution
// @Failure 404 {object} map[string]string
// @Router /projects/{projectId}/executions/{id} [get]
func (h *ExecutionHandler) GetExecution(c *fiber.Ctx) error {
	exec, err := h.lookup(c)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if exec == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Execution not found"})
	}
	return c.JSON(exec)
}

// GetExecutionLogs godoc
// @Summary Get the full archived output of an execution
// @Description Only executions whose output was cut on the record have an archive.
// @Tags executions
// @Produce plain
// @Param projectId path string true "Project ID"
// @Param id path string true "Execution ID"
// @Success 200 {string} string
// @Failure 404 {object} map[string]string
// @Router /projects/{projectId}/executions/{id}/logs [get]
func (h *ExecutionHandler) GetExecutionLogs(c *fiber.Ctx) error {
	if h.archive == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Log archive disabled"})
	}
	exec, err := h.lookup(c)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if exec == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Execution not found"})
	}

	body, err := h.archive.Get(middleware.GetXRayContext(c), services.LogKey(exec.FunctionID, exec.ID))
	if errors.Is(err, fs.ErrNotExist) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "No archived output"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(body)
}

func (h *ExecutionHandler) lookup(c *fiber.Ctx) (*models.Execution, error) {
	return h.executions.GetExecution(middleware.GetXRayContext(c), c.Params("projectId"), c.Params("id"))
}
