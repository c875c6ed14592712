package handlers

import (
	"github.com/gofiber/fiber/v2"

	"hirelens/evaluator/internal/apperrors"
	"hirelens/evaluator/internal/models"
	"hirelens/evaluator/internal/services"
)

type EvaluationHandler struct {
	dispatcher services.DispatcherService
}

func NewEvaluationHandler(dispatcher services.DispatcherService) *EvaluationHandler {
	return &EvaluationHandler{dispatcher: dispatcher}
}

// HandleEvaluate handles POST /evaluate
func (h *EvaluationHandler) HandleEvaluate(c *fiber.Ctx) error {
	var req models.EvaluateRequest

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request payload",
		})
	}

	ownerID := ownerFrom(c)
	if ownerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "X-Owner-ID header is required",
		})
	}

	response, err := h.dispatcher.Submit(c.Context(), ownerID, &req)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(response)
}

func ownerFrom(c *fiber.Ctx) string {
	return c.Get("X-Owner-ID")
}

func respondError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		code = fiber.StatusBadRequest
	case apperrors.KindNotFound:
		code = fiber.StatusNotFound
	case apperrors.KindPermission:
		code = fiber.StatusForbidden
	case apperrors.KindQuota:
		code = fiber.StatusTooManyRequests
	case apperrors.KindConcurrency:
		code = fiber.StatusConflict
	}

	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}
