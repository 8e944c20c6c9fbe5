package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

const defaultAssignmentPageSize = 20

// ErrAssignmentNotFound indicates the requested assignment does not exist.
var ErrAssignmentNotFound = errors.New("assignment not found")

// ErrStudentNotFound indicates the requested student does not exist.
var ErrStudentNotFound = errors.New("student not found")

// ErrDuplicateQuestionLabel indicates two questions on one assignment share a label.
var ErrDuplicateQuestionLabel = errors.New("duplicate question label")

// FileUploader abstracts uploading binary data and returning a URL.
type FileUploader interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// AssignmentService exposes assignment domain use cases, including issuing
// an assignment to a student (which creates the pending attempt the grading
// pipeline later mutates).
type AssignmentService interface {
	List(ctx context.Context, query dto.AssignmentListQuery) (dto.AssignmentListResponse, error)
	Get(ctx context.Context, id uint) (dto.AssignmentResponse, error)
	Create(ctx context.Context, payload dto.AssignmentCreateRequest, file *multipart.FileHeader) (dto.AssignmentResponse, error)
	Update(ctx context.Context, id uint, payload dto.AssignmentUpdateRequest, file *multipart.FileHeader) (dto.AssignmentResponse, error)
	Delete(ctx context.Context, id uint) error
	Issue(ctx context.Context, assignmentID, studentID uint) (dto.AttemptResponse, error)
}

type assignmentService struct {
	repo      repository.AssignmentRepository
	attempts  repository.AttemptRepository
	students  repository.StudentRepository
	validator *validator.Validate
	uploader  FileUploader
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	now       func() time.Time
}

// NewAssignmentService builds a new assignment service.
func NewAssignmentService(repo repository.AssignmentRepository, attempts repository.AttemptRepository, students repository.StudentRepository, validate *validator.Validate, uploader FileUploader, logger zerolog.Logger) AssignmentService {
	return &assignmentService{
		repo:      repo,
		attempts:  attempts,
		students:  students,
		validator: validate,
		uploader:  uploader,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "assignment_service").Logger(),
		now:       time.Now,
	}
}

func (s *assignmentService) List(ctx context.Context, query dto.AssignmentListQuery) (dto.AssignmentListResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return dto.AssignmentListResponse{}, err
	}

	if query.Page <= 0 {
		query.Page = 1
	}
	if query.PageSize <= 0 {
		query.PageSize = defaultAssignmentPageSize
	}

	assignments, total, err := s.repo.ListWithFilter(ctx, repository.AssignmentFilter{
		Search:   query.Search,
		Sort:     query.Sort,
		Page:     query.Page,
		PageSize: query.PageSize,
	})
	if err != nil {
		return dto.AssignmentListResponse{}, err
	}

	return dto.AssignmentListResponse{
		Items:    dto.NewAssignmentResponseSlice(assignments),
		Total:    total,
		Page:     query.Page,
		PageSize: query.PageSize,
	}, nil
}

func (s *assignmentService) Get(ctx context.Context, id uint) (dto.AssignmentResponse, error) {
	assignment, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AssignmentResponse{}, ErrAssignmentNotFound
		}

		return dto.AssignmentResponse{}, err
	}

	return dto.NewAssignmentResponse(assignment), nil
}

func (s *assignmentService) Create(ctx context.Context, payload dto.AssignmentCreateRequest, file *multipart.FileHeader) (dto.AssignmentResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.AssignmentResponse{}, err
	}

	dueDate, err := time.Parse(time.RFC3339, payload.DueDate)
	if err != nil {
		return dto.AssignmentResponse{}, fmt.Errorf("invalid due date: %w", err)
	}

	if !dueDate.After(s.now()) {
		return dto.AssignmentResponse{}, fmt.Errorf("due date must be in the future")
	}

	questions, err := s.buildQuestions(payload.Questions)
	if err != nil {
		return dto.AssignmentResponse{}, err
	}

	assignment := models.Assignment{
		Title:       payload.Title,
		Description: payload.Description,
		DueDate:     dueDate,
		Questions:   questions,
	}

	if file != nil {
		url, err := s.uploadFile(ctx, file)
		if err != nil {
			return dto.AssignmentResponse{}, err
		}
		assignment.FileURL = url
	}

	if err := s.repo.Create(ctx, &assignment); err != nil {
		return dto.AssignmentResponse{}, err
	}

	s.logger.Info().Uint("assignment_id", assignment.ID).Int("questions", len(assignment.Questions)).Msg("assignment created")

	return dto.NewAssignmentResponse(assignment), nil
}

func (s *assignmentService) Update(ctx context.Context, id uint, payload dto.AssignmentUpdateRequest, file *multipart.FileHeader) (dto.AssignmentResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.AssignmentResponse{}, err
	}

	assignment, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AssignmentResponse{}, ErrAssignmentNotFound
		}

		return dto.AssignmentResponse{}, err
	}

	if payload.Title != nil {
		assignment.Title = *payload.Title
	}

	if payload.Description != nil {
		assignment.Description = *payload.Description
	}

	if payload.DueDate != nil {
		dueDate, err := time.Parse(time.RFC3339, *payload.DueDate)
		if err != nil {
			return dto.AssignmentResponse{}, fmt.Errorf("invalid due date: %w", err)
		}

		if !dueDate.After(s.now()) {
			return dto.AssignmentResponse{}, fmt.Errorf("due date must be in the future")
		}

		assignment.DueDate = dueDate
	}

	if file != nil {
		url, err := s.uploadFile(ctx, file)
		if err != nil {
			return dto.AssignmentResponse{}, err
		}
		assignment.FileURL = url
	}

	if err := s.repo.Update(ctx, &assignment); err != nil {
		return dto.AssignmentResponse{}, err
	}

	s.logger.Info().Uint("assignment_id", assignment.ID).Msg("assignment updated")

	return dto.NewAssignmentResponse(assignment), nil
}

func (s *assignmentService) Delete(ctx context.Context, id uint) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAssignmentNotFound
		}
		return err
	}

	s.logger.Info().Uint("assignment_id", id).Msg("assignment deleted")
	return nil
}

// Issue creates the pending attempt record for one student on one
// assignment. Issuing twice for the same pair returns the existing attempt.
func (s *assignmentService) Issue(ctx context.Context, assignmentID, studentID uint) (dto.AttemptResponse, error) {
	if _, err := s.repo.GetByID(ctx, assignmentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AttemptResponse{}, ErrAssignmentNotFound
		}
		return dto.AttemptResponse{}, err
	}

	if _, err := s.students.GetByID(ctx, studentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AttemptResponse{}, ErrStudentNotFound
		}
		return dto.AttemptResponse{}, err
	}

	existing, err := s.attempts.GetByAssignmentAndStudent(ctx, assignmentID, studentID)
	if err == nil {
		return dto.NewAttemptResponse(existing)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.AttemptResponse{}, err
	}

	attempt := models.AssignmentAttempt{
		AssignmentID: assignmentID,
		StudentID:    studentID,
		Status:       models.AttemptStatusPending,
	}

	if err := s.attempts.Create(ctx, &attempt); err != nil {
		return dto.AttemptResponse{}, err
	}

	created, err := s.attempts.GetByID(ctx, attempt.ID)
	if err != nil {
		return dto.AttemptResponse{}, err
	}

	s.logger.Info().Uint("attempt_id", attempt.ID).Uint("assignment_id", assignmentID).Uint("student_id", studentID).Msg("assignment issued")

	return dto.NewAttemptResponse(created)
}

// buildQuestions sanitizes rubric text and enforces label uniqueness within
// the assignment.
func (s *assignmentService) buildQuestions(payload []dto.QuestionCreateRequest) ([]models.Question, error) {
	questions := make([]models.Question, 0, len(payload))
	seen := make(map[string]bool, len(payload))

	for _, question := range payload {
		label := strings.TrimSpace(question.Label)
		if seen[label] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateQuestionLabel, label)
		}
		seen[label] = true

		rubric := strings.TrimSpace(s.sanitizer.Sanitize(question.Rubric))
		if rubric == "" {
			return nil, fmt.Errorf("question %s rubric empty after sanitization", label)
		}

		questions = append(questions, models.Question{Label: label, Rubric: rubric})
	}

	return questions, nil
}

func (s *assignmentService) uploadFile(ctx context.Context, file *multipart.FileHeader) (string, error) {
	src, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer src.Close()

	url, err := s.uploader.Upload(ctx, file.Filename, src)
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}

	return url, nil
}
