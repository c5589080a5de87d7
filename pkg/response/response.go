package response

import "github.com/gofiber/fiber/v2"

// Error codes
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeServiceError    = "SERVICE_ERROR"
	CodeProviderError   = "PROVIDER_ERROR"

	// Run lifecycle codes, also sent as websocket error codes.
	CodeRunNotFound    = "RUN_NOT_FOUND"
	CodeRunNotFinished = "RUN_NOT_FINISHED"
	CodeRunFinished    = "RUN_FINISHED"
	CodeRunFailed      = "RUN_FAILED"
	CodeRunCanceled    = "RUN_CANCELED"
)

// RunState is attached to run errors so clients can tell where the run is.
type RunState struct {
	RunID    string `json:"runId"`
	Status   string `json:"status,omitempty"`
	Progress int    `json:"progress"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func Error(c *fiber.Ctx, status int, code, message string, details any) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func ValidationError(c *fiber.Ctx, message string, details any) error {
	return Error(c, fiber.StatusBadRequest, CodeValidationError, message, details)
}

func Unauthorized(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusUnauthorized, CodeUnauthorized, message, nil)
}

func RateLimited(c *fiber.Ctx) error {
	return Error(c, fiber.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded", nil)
}

// RunNotFound reports an unknown or expired run id.
func RunNotFound(c *fiber.Ctx, runID string) error {
	return Error(c, fiber.StatusNotFound, CodeRunNotFound, "Run not found", RunState{RunID: runID})
}

// RunNotFinished reports a result request for a run that is still queued
// or running.
func RunNotFinished(c *fiber.Ctx, state RunState) error {
	return Error(c, fiber.StatusConflict, CodeRunNotFinished, "Run has not finished yet", state)
}

// RunFinished reports a cancel request for a run that already ended.
func RunFinished(c *fiber.Ctx, state RunState) error {
	return Error(c, fiber.StatusConflict, CodeRunFinished, "Run already finished", state)
}

func RunFailed(c *fiber.Ctx, state RunState, message string) error {
	return Error(c, fiber.StatusUnprocessableEntity, CodeRunFailed, message, state)
}

func RunCanceled(c *fiber.Ctx, state RunState) error {
	return Error(c, fiber.StatusConflict, CodeRunCanceled, "Run was canceled", state)
}

func ServiceError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, CodeServiceError, message, nil)
}

// ProviderError reports a failure of the instance provider.
func ProviderError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusBadGateway, CodeProviderError, message, nil)
}

func OK(c *fiber.Ctx, data any) error {
	return c.JSON(data)
}

func Accepted(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}
