package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/observability"
	"github.com/noah-isme/gema-grading-api/internal/repository"
	"github.com/noah-isme/gema-grading-api/pkg/ai"
	"github.com/noah-isme/gema-grading-api/pkg/oracle"
)

// ErrAttemptNotFound indicates no attempt exists for the (student, assignment) pair.
var ErrAttemptNotFound = errors.New("assignment attempt not found")

// ErrPersistence indicates an attempt-state write failed; the run is over and
// the previously persisted checkpoint may be stale.
var ErrPersistence = errors.New("failed to persist attempt state")

// ErrRunInFlight indicates a retry was requested while another run still owns
// the attempt and does not look stale yet.
var ErrRunInFlight = errors.New("a grading run is already in flight for this attempt")

// Pipeline stage names, used in errors, metrics and logs.
const (
	StageCheckpoint = "checkpoint"
	StageRender     = "render"
	StageExtract    = "extract_regions"
	StageGrade      = "grade"
	StagePersist    = "persist"
)

// StageError tells the caller which pipeline stage failed and whether the
// external retry trigger is worth pulling.
type StageError struct {
	Stage     string
	Retryable bool
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("grading pipeline stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// GradingOracle is the remote pair of region-extraction and grading endpoints.
type GradingOracle interface {
	ExtractRegions(ctx context.Context, pageURLs []string) (map[string]string, error)
	Grade(ctx context.Context, questions []oracle.QuestionSubmission) ([]oracle.GradedQuestion, error)
}

// AttemptCacheInvalidator drops cached read-side state after a persisted
// status transition so no reader observes graded with stale responses.
type AttemptCacheInvalidator interface {
	InvalidateAttempt(ctx context.Context, assignmentID, studentID uint)
}

// GradingService runs the submission pipeline: render pages, extract answer
// regions, grade them, and reconcile the result into the attempt record.
type GradingService interface {
	ProcessSubmission(ctx context.Context, studentID, assignmentID uint, filename string, document []byte) ([]models.GradedQuestionResult, error)
	Retry(ctx context.Context, studentID, assignmentID uint, filename string, document []byte) ([]models.GradedQuestionResult, error)
}

type gradingService struct {
	attempts   repository.AttemptRepository
	renderer   PageRenderer
	oracle     GradingOracle
	events     EventPublisher
	cache      AttemptCacheInvalidator
	feedback   ai.Summarizer
	staleAfter time.Duration
	logger     zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewGradingService constructs the submission orchestrator. events, cache and
// feedback may be nil.
func NewGradingService(attempts repository.AttemptRepository, renderer PageRenderer, gradingOracle GradingOracle, events EventPublisher, cache AttemptCacheInvalidator, feedback ai.Summarizer, staleAfter time.Duration, logger zerolog.Logger) GradingService {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}

	return &gradingService{
		attempts:   attempts,
		renderer:   renderer,
		oracle:     gradingOracle,
		events:     events,
		cache:      cache,
		feedback:   feedback,
		staleAfter: staleAfter,
		logger:     logger.With().Str("component", "grading_service").Logger(),
		tracer:     otel.Tracer("github.com/noah-isme/gema-grading-api/internal/service/grading"),
		now:        time.Now,
	}
}

func (s *gradingService) ProcessSubmission(ctx context.Context, studentID, assignmentID uint, filename string, document []byte) ([]models.GradedQuestionResult, error) {
	return s.run(ctx, studentID, assignmentID, filename, document, false)
}

// Retry re-runs the full pipeline for a failed (or stuck) attempt. Each run
// fully overwrites responses and status, so no cleanup is needed between
// attempts. A non-stale processing attempt is rejected; its run is still
// alive and callers must serialize retries per attempt.
func (s *gradingService) Retry(ctx context.Context, studentID, assignmentID uint, filename string, document []byte) ([]models.GradedQuestionResult, error) {
	return s.run(ctx, studentID, assignmentID, filename, document, true)
}

// run drives stages 1-7 of the pipeline strictly in sequence; every stage's
// output feeds the next, and every failure path persists status=failed so the
// attempt never silently stays processing when a failure is known.
func (s *gradingService) run(parent context.Context, studentID, assignmentID uint, filename string, document []byte, isRetry bool) ([]models.GradedQuestionResult, error) {
	ctx, span := s.tracer.Start(parent, "grading.run", trace.WithAttributes(
		attribute.Int("assignment_id", int(assignmentID)),
		attribute.Int("student_id", int(studentID)),
		attribute.Bool("retry", isRetry),
	))
	defer span.End()

	logger := s.logger.With().Uint("assignment_id", assignmentID).Uint("student_id", studentID).Logger()

	attempt, err := s.attempts.GetByAssignmentAndStudent(ctx, assignmentID, studentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}

	// A non-stale processing row means another run still owns the attempt;
	// letting a second run through would stomp its checkpoint and result.
	// A stale row belongs to a crashed run and may be reclaimed.
	if attempt.Status == models.AttemptStatusProcessing && !attempt.StaleProcessing(s.now(), s.staleAfter) {
		return nil, ErrRunInFlight
	}

	// Durability checkpoint: the fact that a submission was received must
	// survive every later failure, so this write happens before any network
	// call.
	submittedAt := s.now().UTC()
	attempt.Status = models.AttemptStatusProcessing
	attempt.SubmissionDate = &submittedAt
	if err := s.persist(ctx, &attempt, StageCheckpoint); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	pages, err := s.renderStage(ctx, filename, document)
	if err != nil {
		return nil, s.failRun(ctx, span, &attempt, err)
	}

	regions, err := s.extractStage(ctx, pages)
	if err != nil {
		return nil, s.failRun(ctx, span, &attempt, err)
	}

	graded, err := s.gradeStage(ctx, &attempt, regions)
	if err != nil {
		return nil, s.failRun(ctx, span, &attempt, err)
	}

	responses := mergeResults(graded, regions)

	feedback := s.generateFeedback(ctx, attempt.Assignment.Title, responses)

	encoded, err := models.EncodeResponses(responses)
	if err != nil {
		return nil, s.failRun(ctx, span, &attempt, &StageError{Stage: StagePersist, Err: err})
	}

	attempt.Status = models.AttemptStatusGraded
	attempt.Responses = encoded
	attempt.Feedback = feedback
	if err := s.persist(ctx, &attempt, StagePersist); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	observability.PipelineRuns().WithLabelValues("graded").Inc()
	logger.Info().Int("responses", len(responses)).Msg("submission graded")

	return responses, nil
}

func (s *gradingService) renderStage(ctx context.Context, filename string, document []byte) ([]PageImage, error) {
	start := s.now()
	pages, err := s.renderer.Render(ctx, filename, document)
	observability.PipelineStageDuration().WithLabelValues(StageRender).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &StageError{Stage: StageRender, Err: err}
	}

	return pages, nil
}

func (s *gradingService) extractStage(ctx context.Context, pages []PageImage) (map[string]string, error) {
	urls := make([]string, 0, len(pages))
	for _, page := range pages {
		urls = append(urls, page.ImageURL)
	}

	start := s.now()
	regions, err := s.oracle.ExtractRegions(ctx, urls)
	observability.PipelineStageDuration().WithLabelValues(StageExtract).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &StageError{Stage: StageExtract, Retryable: retryableOracleError(err), Err: err}
	}

	return regions, nil
}

// gradeStage joins the region map against the assignment's question list and
// submits exactly the located questions. A question with no region is never
// graded and never appears in the final responses; a region keyed by a label
// the assignment does not know is dropped.
func (s *gradingService) gradeStage(ctx context.Context, attempt *models.AssignmentAttempt, regions map[string]string) ([]oracle.GradedQuestion, error) {
	submissions := make([]oracle.QuestionSubmission, 0, len(regions))
	for _, question := range attempt.Assignment.Questions {
		imageURL, located := regions[question.Label]
		if !located {
			continue
		}

		submissions = append(submissions, oracle.QuestionSubmission{
			QuestionID: question.Label,
			ImageURL:   imageURL,
			Rubric:     question.Rubric,
		})
	}

	for label := range regions {
		if _, known := attempt.Assignment.QuestionByLabel(label); !known {
			s.logger.Warn().Str("question_id", label).Msg("oracle reported a region for an unknown question")
		}
	}

	if len(submissions) == 0 {
		return nil, &StageError{
			Stage:     StageExtract,
			Retryable: true,
			Err:       errors.New("no answer regions located for any question"),
		}
	}

	start := s.now()
	graded, err := s.oracle.Grade(ctx, submissions)
	observability.PipelineStageDuration().WithLabelValues(StageGrade).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &StageError{Stage: StageGrade, Retryable: retryableOracleError(err), Err: err}
	}

	return graded, nil
}

// mergeResults pairs each graded question with its own region URL, matched by
// question id, in the order questions were graded. Results for questions the
// region map never located are discarded defensively.
func mergeResults(graded []oracle.GradedQuestion, regions map[string]string) []models.GradedQuestionResult {
	responses := make([]models.GradedQuestionResult, 0, len(graded))
	seen := make(map[string]bool, len(graded))

	for _, result := range graded {
		imageURL, located := regions[result.QuestionID]
		if !located || seen[result.QuestionID] {
			continue
		}
		seen[result.QuestionID] = true

		responses = append(responses, models.GradedQuestionResult{
			QuestionID:     result.QuestionID,
			ImageURL:       imageURL,
			CorrectSteps:   result.CorrectSteps,
			IncorrectSteps: result.IncorrectSteps,
			TotalAwarded:   result.TotalAwarded,
			TotalDeducted:  result.TotalDeducted,
		})
	}

	return responses
}

func (s *gradingService) generateFeedback(ctx context.Context, assignmentTitle string, responses []models.GradedQuestionResult) string {
	if s.feedback == nil || len(responses) == 0 {
		return ""
	}

	input := ai.SummaryInput{AssignmentTitle: assignmentTitle, Outcomes: make([]ai.QuestionOutcome, 0, len(responses))}
	for _, r := range responses {
		input.Outcomes = append(input.Outcomes, ai.QuestionOutcome{
			QuestionID:     r.QuestionID,
			CorrectSteps:   r.CorrectSteps,
			IncorrectSteps: r.IncorrectSteps,
			TotalAwarded:   r.TotalAwarded,
			TotalDeducted:  r.TotalDeducted,
		})
	}

	summary, err := s.feedback.Summarize(ctx, input)
	if err != nil {
		s.logger.Warn().Err(err).Msg("feedback generation failed")
		return ""
	}

	return summary
}

// failRun records the stage failure and persists status=failed, preserving
// the submission-date checkpoint. If even that persistence write fails, the
// persistence error wins: the caller must know the record may be stuck.
func (s *gradingService) failRun(ctx context.Context, span trace.Span, attempt *models.AssignmentAttempt, stageErr error) error {
	var stage *StageError
	stageName := "unknown"
	if errors.As(stageErr, &stage) {
		stageName = stage.Stage
	}

	observability.PipelineStageFailures().WithLabelValues(stageName).Inc()
	observability.PipelineRuns().WithLabelValues("failed").Inc()
	span.RecordError(stageErr)
	span.SetStatus(codes.Error, stageErr.Error())

	attempt.Status = models.AttemptStatusFailed
	if err := s.persist(ctx, attempt, stageName); err != nil {
		return err
	}

	s.logger.Warn().Err(stageErr).Str("stage", stageName).Uint("attempt_id", attempt.ID).Msg("pipeline run failed")

	return stageErr
}

// persist writes the attempt through the checked-update contract, retrying a
// bounded number of times on version conflicts by re-reading the row and
// reapplying this run's fields. Responses and status always travel together
// in one write, so no reader observes graded with partial responses.
func (s *gradingService) persist(ctx context.Context, attempt *models.AssignmentAttempt, stage string) error {
	const maxConflictRetries = 3

	status := attempt.Status
	submissionDate := attempt.SubmissionDate
	responses := attempt.Responses
	feedback := attempt.Feedback

	var err error
	for i := 0; i <= maxConflictRetries; i++ {
		err = s.attempts.UpdateChecked(ctx, attempt)
		if err == nil {
			s.afterTransition(ctx, *attempt, stage)
			return nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			break
		}

		fresh, readErr := s.attempts.GetByID(ctx, attempt.ID)
		if readErr != nil {
			err = readErr
			break
		}

		fresh.Status = status
		fresh.SubmissionDate = submissionDate
		fresh.Responses = responses
		fresh.Feedback = feedback
		*attempt = fresh
	}

	observability.PipelineStageFailures().WithLabelValues(StagePersist).Inc()

	return &StageError{Stage: stage, Err: fmt.Errorf("%w: %v", ErrPersistence, err)}
}

func (s *gradingService) afterTransition(ctx context.Context, attempt models.AssignmentAttempt, stage string) {
	if s.events != nil {
		s.events.PublishAttemptTransition(AttemptEvent{
			AttemptID:    attempt.ID,
			AssignmentID: attempt.AssignmentID,
			StudentID:    attempt.StudentID,
			Status:       attempt.Status,
			Stage:        stage,
			OccurredAt:   s.now().UTC(),
		})
	}

	if s.cache != nil {
		s.cache.InvalidateAttempt(ctx, attempt.AssignmentID, attempt.StudentID)
	}
}

func retryableOracleError(err error) bool {
	var oracleErr *oracle.Error
	if errors.As(err, &oracleErr) {
		return oracleErr.Retryable()
	}

	return false
}
