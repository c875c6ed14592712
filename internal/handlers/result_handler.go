package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"hirelens/evaluator/internal/models"
	"hirelens/evaluator/internal/repositories"
)

type ResultHandler struct {
	jobRepo repositories.JobRepository
}

func NewResultHandler(jobRepo repositories.JobRepository) *ResultHandler {
	return &ResultHandler{jobRepo: jobRepo}
}

// HandleGetResult handles GET /result/:id
func (h *ResultHandler) HandleGetResult(c *fiber.Ctx) error {
	ownerID := ownerFrom(c)
	if ownerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "X-Owner-ID header is required",
		})
	}

	job, err := h.jobRepo.FindForOwner(c.Context(), c.Params("id"), ownerID)
	if err != nil {
		return respondError(c, err)
	}

	response := models.ResultResponse{
		ID:        job.JobID,
		JobTitle:  job.JobTitle,
		Status:    string(job.Status),
		CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339),
	}

	if job.Status == models.StatusCompleted {
		response.Result = job.Result
	}

	if job.Status == models.StatusFailed {
		response.ErrorMessage = job.ErrorMessage
		response.RetryCount = job.RetryCount
	}

	return c.JSON(response)
}

// HandleListResults handles GET /evaluations
func (h *ResultHandler) HandleListResults(c *fiber.Ctx) error {
	ownerID := ownerFrom(c)
	if ownerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "X-Owner-ID header is required",
		})
	}

	opts := repositories.ListOptions{
		Status: c.Query("status"),
		Page:   c.QueryInt("page", 1),
		Limit:  c.QueryInt("limit", 20),
	}

	jobs, pagination, err := h.jobRepo.List(c.Context(), ownerID, opts)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(models.ListResponse{
		Jobs:       jobs,
		Pagination: *pagination,
	})
}

// HandleCancel handles POST /evaluations/:id/cancel
func (h *ResultHandler) HandleCancel(c *fiber.Ctx) error {
	ownerID := ownerFrom(c)
	if ownerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "X-Owner-ID header is required",
		})
	}

	job, err := h.jobRepo.Cancel(c.Context(), c.Params("id"), ownerID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(models.ResultResponse{
		ID:        job.JobID,
		JobTitle:  job.JobTitle,
		Status:    string(job.Status),
		CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339),
	})
}
