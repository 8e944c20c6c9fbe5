package service

import (
	"context"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

type memoryAssignmentRepo struct {
	assignments map[uint]models.Assignment
	nextID      uint
}

func newMemoryAssignmentRepo() *memoryAssignmentRepo {
	return &memoryAssignmentRepo{
		assignments: make(map[uint]models.Assignment),
		nextID:      1,
	}
}

func (m *memoryAssignmentRepo) ListWithFilter(ctx context.Context, filter repository.AssignmentFilter) ([]models.Assignment, int64, error) {
	filtered := make([]models.Assignment, 0, len(m.assignments))
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	for _, assignment := range m.assignments {
		if search != "" {
			title := strings.ToLower(assignment.Title)
			desc := strings.ToLower(assignment.Description)
			if !strings.Contains(title, search) && !strings.Contains(desc, search) {
				continue
			}
		}
		filtered = append(filtered, assignment)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].DueDate.Before(filtered[j].DueDate) })

	total := int64(len(filtered))
	if filter.PageSize > 0 {
		page := filter.Page
		if page <= 0 {
			page = 1
		}
		start := (page - 1) * filter.PageSize
		if start > len(filtered) {
			start = len(filtered)
		}
		end := start + filter.PageSize
		if end > len(filtered) {
			end = len(filtered)
		}
		filtered = filtered[start:end]
	}

	return filtered, total, nil
}

func (m *memoryAssignmentRepo) GetByID(ctx context.Context, id uint) (models.Assignment, error) {
	assignment, ok := m.assignments[id]
	if !ok {
		return models.Assignment{}, gorm.ErrRecordNotFound
	}
	return assignment, nil
}

func (m *memoryAssignmentRepo) Create(ctx context.Context, assignment *models.Assignment) error {
	assignment.ID = m.nextID
	assignment.CreatedAt = time.Now()
	assignment.UpdatedAt = time.Now()
	m.assignments[m.nextID] = *assignment
	m.nextID++
	return nil
}

func (m *memoryAssignmentRepo) Update(ctx context.Context, assignment *models.Assignment) error {
	if _, ok := m.assignments[assignment.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	assignment.UpdatedAt = time.Now()
	m.assignments[assignment.ID] = *assignment
	return nil
}

func (m *memoryAssignmentRepo) Delete(ctx context.Context, id uint) error {
	if _, ok := m.assignments[id]; !ok {
		return gorm.ErrRecordNotFound
	}
	delete(m.assignments, id)
	return nil
}

type stubStudentRepo struct {
	students map[uint]models.Student
}

func (s *stubStudentRepo) GetByID(ctx context.Context, id uint) (models.Student, error) {
	student, ok := s.students[id]
	if !ok {
		return models.Student{}, gorm.ErrRecordNotFound
	}
	return student, nil
}

type stubUploader struct {
	uploads int
}

func (s *stubUploader) Upload(_ context.Context, name string, _ io.Reader) (string, error) {
	s.uploads++
	return "https://example.com/" + name, nil
}

func newTestAssignmentService(repo repository.AssignmentRepository, attempts repository.AttemptRepository, students repository.StudentRepository, uploader FileUploader) AssignmentService {
	validate := validator.New(validator.WithRequiredStructEnabled())
	return NewAssignmentService(repo, attempts, students, validate, uploader, testLogger())
}

func validCreatePayload() dto.AssignmentCreateRequest {
	return dto.AssignmentCreateRequest{
		Title:       "Derivatives Worksheet",
		Description: "Differentiate each expression and show all steps",
		DueDate:     time.Now().Add(24 * time.Hour).Format(time.RFC3339),
		Questions: []dto.QuestionCreateRequest{
			{Label: "1a", Rubric: "award 2 points for the product rule"},
			{Label: "1b", Rubric: "award 3 points for the chain rule"},
		},
	}
}

func TestAssignmentServiceCreateSuccess(t *testing.T) {
	repo := newMemoryAssignmentRepo()
	uploader := &stubUploader{}
	svc := newTestAssignmentService(repo, newMemoryAttemptRepo(), &stubStudentRepo{}, uploader)

	result, err := svc.Create(context.Background(), validCreatePayload(), nil)
	require.NoError(t, err)
	require.Equal(t, "Derivatives Worksheet", result.Title)
	require.Len(t, result.Questions, 2)
	require.Equal(t, 0, uploader.uploads)
}

func TestAssignmentServiceListFiltersAndPaginates(t *testing.T) {
	repo := newMemoryAssignmentRepo()
	svc := newTestAssignmentService(repo, newMemoryAttemptRepo(), &stubStudentRepo{}, &stubUploader{})

	first := validCreatePayload()
	_, err := svc.Create(context.Background(), first, nil)
	require.NoError(t, err)

	second := validCreatePayload()
	second.Title = "Integrals Worksheet"
	second.Description = "Integrate each expression and show all steps"
	_, err = svc.Create(context.Background(), second, nil)
	require.NoError(t, err)

	matched, err := svc.List(context.Background(), dto.AssignmentListQuery{Search: "integrals"})
	require.NoError(t, err)
	require.Equal(t, int64(1), matched.Total)
	require.Len(t, matched.Items, 1)
	require.Equal(t, "Integrals Worksheet", matched.Items[0].Title)

	paged, err := svc.List(context.Background(), dto.AssignmentListQuery{Page: 2, PageSize: 1})
	require.NoError(t, err)
	require.Equal(t, int64(2), paged.Total)
	require.Len(t, paged.Items, 1)
	require.Equal(t, 2, paged.Page)
}

func TestAssignmentServiceListRejectsOversizedPage(t *testing.T) {
	svc := newTestAssignmentService(newMemoryAssignmentRepo(), newMemoryAttemptRepo(), &stubStudentRepo{}, &stubUploader{})

	_, err := svc.List(context.Background(), dto.AssignmentListQuery{PageSize: 500})
	require.Error(t, err)
}

func TestAssignmentServiceCreateRequiresQuestions(t *testing.T) {
	svc := newTestAssignmentService(newMemoryAssignmentRepo(), newMemoryAttemptRepo(), &stubStudentRepo{}, &stubUploader{})

	payload := validCreatePayload()
	payload.Questions = nil

	_, err := svc.Create(context.Background(), payload, nil)
	require.Error(t, err)
}

func TestAssignmentServiceCreateRejectsDuplicateLabels(t *testing.T) {
	svc := newTestAssignmentService(newMemoryAssignmentRepo(), newMemoryAttemptRepo(), &stubStudentRepo{}, &stubUploader{})

	payload := validCreatePayload()
	payload.Questions = []dto.QuestionCreateRequest{
		{Label: "1a", Rubric: "award 2 points"},
		{Label: "1a", Rubric: "award 3 points"},
	}

	_, err := svc.Create(context.Background(), payload, nil)
	require.ErrorIs(t, err, ErrDuplicateQuestionLabel)
}

func TestAssignmentServiceCreateSanitizesRubric(t *testing.T) {
	repo := newMemoryAssignmentRepo()
	svc := newTestAssignmentService(repo, newMemoryAttemptRepo(), &stubStudentRepo{}, &stubUploader{})

	payload := validCreatePayload()
	payload.Questions = []dto.QuestionCreateRequest{
		{Label: "1a", Rubric: "<script>alert(1)</script>award 2 points"},
	}

	result, err := svc.Create(context.Background(), payload, nil)
	require.NoError(t, err)
	require.Equal(t, "award 2 points", result.Questions[0].Rubric)
}

func TestAssignmentServiceCreatePastDue(t *testing.T) {
	svc := newTestAssignmentService(newMemoryAssignmentRepo(), newMemoryAttemptRepo(), &stubStudentRepo{}, &stubUploader{})

	payload := validCreatePayload()
	payload.DueDate = time.Now().Add(-time.Hour).Format(time.RFC3339)

	_, err := svc.Create(context.Background(), payload, nil)
	require.Error(t, err)
}

func TestAssignmentServiceUpdateMissing(t *testing.T) {
	svc := newTestAssignmentService(newMemoryAssignmentRepo(), newMemoryAttemptRepo(), &stubStudentRepo{}, &stubUploader{})

	title := "Updated"
	_, err := svc.Update(context.Background(), 42, dto.AssignmentUpdateRequest{Title: &title}, nil)
	require.ErrorIs(t, err, ErrAssignmentNotFound)
}

func TestAssignmentServiceIssueCreatesPendingAttempt(t *testing.T) {
	repo := newMemoryAssignmentRepo()
	attempts := newMemoryAttemptRepo()
	students := &stubStudentRepo{students: map[uint]models.Student{3: {ID: 3, Name: "Ada", Email: "ada@example.com"}}}
	svc := newTestAssignmentService(repo, attempts, students, &stubUploader{})

	created, err := svc.Create(context.Background(), validCreatePayload(), nil)
	require.NoError(t, err)

	attempt, err := svc.Issue(context.Background(), created.ID, 3)
	require.NoError(t, err)
	require.Equal(t, models.AttemptStatusPending, attempt.Status)
	require.Equal(t, created.ID, attempt.AssignmentID)
	require.Nil(t, attempt.SubmissionDate)
}

func TestAssignmentServiceIssueIsIdempotent(t *testing.T) {
	repo := newMemoryAssignmentRepo()
	attempts := newMemoryAttemptRepo()
	students := &stubStudentRepo{students: map[uint]models.Student{3: {ID: 3, Name: "Ada", Email: "ada@example.com"}}}
	svc := newTestAssignmentService(repo, attempts, students, &stubUploader{})

	created, err := svc.Create(context.Background(), validCreatePayload(), nil)
	require.NoError(t, err)

	first, err := svc.Issue(context.Background(), created.ID, 3)
	require.NoError(t, err)
	second, err := svc.Issue(context.Background(), created.ID, 3)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, attempts.attempts, 1)
}

func TestAssignmentServiceIssueUnknownStudent(t *testing.T) {
	repo := newMemoryAssignmentRepo()
	svc := newTestAssignmentService(repo, newMemoryAttemptRepo(), &stubStudentRepo{}, &stubUploader{})

	created, err := svc.Create(context.Background(), validCreatePayload(), nil)
	require.NoError(t, err)

	_, err = svc.Issue(context.Background(), created.ID, 99)
	require.ErrorIs(t, err, ErrStudentNotFound)
}

func TestAssignmentServiceIssueUnknownAssignment(t *testing.T) {
	svc := newTestAssignmentService(newMemoryAssignmentRepo(), newMemoryAttemptRepo(), &stubStudentRepo{}, &stubUploader{})

	_, err := svc.Issue(context.Background(), 42, 3)
	require.ErrorIs(t, err, ErrAssignmentNotFound)
}
