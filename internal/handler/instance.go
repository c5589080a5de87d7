package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/inkwell/childbook/internal/model"
	"github.com/inkwell/childbook/pkg/response"
)

// InstanceManager reports on and stops the rented instance.
type InstanceManager interface {
	Status(ctx context.Context) (*model.InstanceStatusResponse, error)
	Teardown(ctx context.Context, handle *model.InstanceHandle) error
}

type InstanceHandler struct {
	instances InstanceManager
}

func NewInstanceHandler(m InstanceManager) *InstanceHandler {
	return &InstanceHandler{instances: m}
}

// Status handles GET /api/instance
func (h *InstanceHandler) Status(c *fiber.Ctx) error {
	result, err := h.instances.Status(c.Context())
	if err != nil {
		return response.ProviderError(c, err.Error())
	}
	return response.OK(c, result)
}

// Stop handles DELETE /api/instance
func (h *InstanceHandler) Stop(c *fiber.Ctx) error {
	if err := h.instances.Teardown(c.Context(), nil); err != nil {
		return response.ProviderError(c, err.Error())
	}
	return response.OK(c, fiber.Map{"status": model.InstanceStopped})
}
