package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/inkwell/childbook/internal/model"
	"github.com/inkwell/childbook/internal/service"
	"github.com/inkwell/childbook/pkg/response"
)

type RunHandler struct {
	service   *service.RunService
	validator *validator.Validate
}

func NewRunHandler(svc *service.RunService, v *validator.Validate) *RunHandler {
	return &RunHandler{
		service:   svc,
		validator: v,
	}
}

// Generate handles POST /api/runs/generate
func (h *RunHandler) Generate(c *fiber.Ctx) error {
	var req model.GenerateRunRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.StartGenerate(c.Context(), &req)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.Accepted(c, result)
}

// Upscale handles POST /api/runs/upscale
func (h *RunHandler) Upscale(c *fiber.Ctx) error {
	var req model.UpscaleRunRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.StartUpscale(c.Context(), &req)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.Accepted(c, result)
}

// Status handles GET /api/runs/status/:runId
func (h *RunHandler) Status(c *fiber.Ctx) error {
	runID := c.Params("runId")
	result, err := h.service.GetStatus(c.Context(), runID)
	if err != nil {
		return runError(c, runID, err)
	}
	return response.OK(c, result)
}

// Result handles GET /api/runs/result/:runId
func (h *RunHandler) Result(c *fiber.Ctx) error {
	runID := c.Params("runId")
	result, err := h.service.GetResult(c.Context(), runID)
	if errors.Is(err, service.ErrRunNotComplete) {
		status, serr := h.service.GetStatus(c.Context(), runID)
		if serr != nil {
			return runError(c, runID, serr)
		}
		state := runState(status)
		switch status.Status {
		case model.RunStatusFailed:
			msg := "Run failed"
			if status.Error != nil {
				msg = *status.Error
			}
			return response.RunFailed(c, state, msg)
		case model.RunStatusCanceled:
			return response.RunCanceled(c, state)
		}
		return response.RunNotFinished(c, state)
	}
	if err != nil {
		return runError(c, runID, err)
	}
	return response.OK(c, result)
}

// Cancel handles POST /api/runs/cancel/:runId
func (h *RunHandler) Cancel(c *fiber.Ctx) error {
	runID := c.Params("runId")
	result, err := h.service.Cancel(c.Context(), runID)
	if errors.Is(err, service.ErrRunNotCancelable) {
		state := response.RunState{RunID: runID}
		if status, serr := h.service.GetStatus(c.Context(), runID); serr == nil {
			state = runState(status)
		}
		return response.RunFinished(c, state)
	}
	if err != nil {
		return runError(c, runID, err)
	}
	return response.OK(c, result)
}

func runState(s *model.RunStatusResponse) response.RunState {
	return response.RunState{RunID: s.RunID, Status: string(s.Status), Progress: s.Progress}
}

func runError(c *fiber.Ctx, runID string, err error) error {
	if errors.Is(err, service.ErrRunNotFound) {
		return response.RunNotFound(c, runID)
	}
	return response.ServiceError(c, err.Error())
}
