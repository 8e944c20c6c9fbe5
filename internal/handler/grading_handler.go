package handler

import (
	"errors"
	"io"
	"mime/multipart"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/service"
	"github.com/noah-isme/gema-grading-api/internal/utils"
)

// maxSubmissionBytes bounds the scanned document we are willing to buffer.
const maxSubmissionBytes = 32 << 20

// GradingHandler accepts scanned submissions and drives the grading pipeline.
type GradingHandler struct {
	service service.GradingService
	logger  zerolog.Logger
}

// NewGradingHandler builds a grading handler instance.
func NewGradingHandler(service service.GradingService, logger zerolog.Logger) *GradingHandler {
	return &GradingHandler{
		service: service,
		logger:  logger.With().Str("component", "grading_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group.
func (h *GradingHandler) Register(router fiber.Router) {
	router.Post("", h.submit)
	router.Post("/retry", h.retry)
}

func (h *GradingHandler) submit(c *fiber.Ctx) error {
	return h.process(c, false)
}

// retry re-runs the pipeline for an attempt whose previous run failed or
// went stale. The document must be re-uploaded; runs are not restartable.
func (h *GradingHandler) retry(c *fiber.Ctx) error {
	return h.process(c, true)
}

func (h *GradingHandler) process(c *fiber.Ctx, isRetry bool) error {
	assignmentID, err := parseFormUint(c, "assignment_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	studentID, err := parseFormUint(c, "student_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	file, err := c.FormFile("file")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "file is required")
	}
	if file.Size > maxSubmissionBytes {
		return utils.SendError(c, fiber.StatusRequestEntityTooLarge, "document too large")
	}

	document, err := readMultipartFile(file)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "failed to read file")
	}

	run := h.service.ProcessSubmission
	if isRetry {
		run = h.service.Retry
	}

	responses, err := run(c.Context(), *studentID, *assignmentID, file.Filename, document)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "submission graded", responses)
}

func (h *GradingHandler) handleError(c *fiber.Ctx, err error) error {
	var stageErr *service.StageError

	switch {
	case errors.Is(err, service.ErrAttemptNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "attempt not found")
	case errors.Is(err, service.ErrRunInFlight):
		return utils.SendError(c, fiber.StatusConflict, "a grading run is already in flight")
	case errors.As(err, &stageErr):
		h.logger.Warn().Err(err).Str("stage", stageErr.Stage).Bool("retryable", stageErr.Retryable).Msg("grading run failed")
		if stageErr.Stage == service.StageRender {
			return utils.SendError(c, fiber.StatusUnprocessableEntity, "document could not be rendered")
		}
		if stageErr.Retryable {
			return utils.SendError(c, fiber.StatusBadGateway, "grading back end unavailable, retry later")
		}
		return utils.SendError(c, fiber.StatusBadGateway, "grading run failed")
	default:
		h.logger.Error().Err(err).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}

func readMultipartFile(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	return io.ReadAll(io.LimitReader(src, maxSubmissionBytes+1))
}
