package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/service"
	"github.com/noah-isme/gema-grading-api/internal/utils"
)

// AttemptHandler exposes the read surface over assignment attempts.
type AttemptHandler struct {
	service   service.AttemptQueryService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewAttemptHandler builds an attempt handler instance.
func NewAttemptHandler(service service.AttemptQueryService, validator *validator.Validate, logger zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "attempt_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group.
func (h *AttemptHandler) Register(router fiber.Router) {
	router.Get("", h.list)
	router.Get("/pair", h.getByPair)
	router.Get("/:id", h.get)
}

func (h *AttemptHandler) list(c *fiber.Ctx) error {
	filter := dto.AttemptFilter{}
	if assignmentID, err := parseQueryUint(c, "assignment_id"); err == nil && assignmentID != nil {
		filter.AssignmentID = assignmentID
	}
	if studentID, err := parseQueryUint(c, "student_id"); err == nil && studentID != nil {
		filter.StudentID = studentID
	}
	if status := c.Query("status"); status != "" {
		filter.Status = &status
	}

	if err := h.validator.Struct(filter); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	attempts, err := h.service.List(c.Context(), filter)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "attempts retrieved", attempts)
}

// getByPair serves the cached single-attempt lookup the student UI polls
// while a grading run is in flight.
func (h *AttemptHandler) getByPair(c *fiber.Ctx) error {
	assignmentID, err := parseQueryUint(c, "assignment_id")
	if err != nil || assignmentID == nil {
		return utils.SendError(c, fiber.StatusBadRequest, "assignment_id is required")
	}
	studentID, err := parseQueryUint(c, "student_id")
	if err != nil || studentID == nil {
		return utils.SendError(c, fiber.StatusBadRequest, "student_id is required")
	}

	attempt, err := h.service.GetByPair(c.Context(), *assignmentID, *studentID)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "attempt retrieved", attempt)
}

func (h *AttemptHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	attempt, err := h.service.Get(c.Context(), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "attempt retrieved", attempt)
}

func (h *AttemptHandler) handleError(c *fiber.Ctx, err error) error {
	if errors.Is(err, service.ErrAttemptNotFound) {
		return utils.SendError(c, fiber.StatusNotFound, "attempt not found")
	}

	h.logger.Error().Err(err).Msg("internal server error")
	return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
}
