package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/repository"
	"github.com/noah-isme/gema-grading-api/pkg/ai"
	"github.com/noah-isme/gema-grading-api/pkg/oracle"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type memoryAttemptRepo struct {
	attempts           map[uint]models.AssignmentAttempt
	nextID             uint
	conflictsRemaining int
	updateErr          error
}

func newMemoryAttemptRepo() *memoryAttemptRepo {
	return &memoryAttemptRepo{attempts: make(map[uint]models.AssignmentAttempt), nextID: 1}
}

func (m *memoryAttemptRepo) List(ctx context.Context, filter repository.AttemptFilter) ([]models.AssignmentAttempt, error) {
	results := make([]models.AssignmentAttempt, 0, len(m.attempts))
	for _, attempt := range m.attempts {
		if filter.AssignmentID != nil && attempt.AssignmentID != *filter.AssignmentID {
			continue
		}
		if filter.StudentID != nil && attempt.StudentID != *filter.StudentID {
			continue
		}
		if filter.Status != nil && attempt.Status != *filter.Status {
			continue
		}
		results = append(results, attempt)
	}
	return results, nil
}

func (m *memoryAttemptRepo) GetByID(ctx context.Context, id uint) (models.AssignmentAttempt, error) {
	attempt, ok := m.attempts[id]
	if !ok {
		return models.AssignmentAttempt{}, gorm.ErrRecordNotFound
	}
	return attempt, nil
}

func (m *memoryAttemptRepo) GetByAssignmentAndStudent(ctx context.Context, assignmentID, studentID uint) (models.AssignmentAttempt, error) {
	for _, attempt := range m.attempts {
		if attempt.AssignmentID == assignmentID && attempt.StudentID == studentID {
			return attempt, nil
		}
	}
	return models.AssignmentAttempt{}, gorm.ErrRecordNotFound
}

func (m *memoryAttemptRepo) Create(ctx context.Context, attempt *models.AssignmentAttempt) error {
	if attempt.Status == "" {
		attempt.Status = models.AttemptStatusPending
	}
	attempt.ID = m.nextID
	m.nextID++
	m.attempts[attempt.ID] = *attempt
	return nil
}

func (m *memoryAttemptRepo) UpdateChecked(ctx context.Context, attempt *models.AssignmentAttempt) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	stored, ok := m.attempts[attempt.ID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if m.conflictsRemaining > 0 {
		m.conflictsRemaining--
		stored.Version++
		m.attempts[attempt.ID] = stored
		return repository.ErrVersionConflict
	}
	if stored.Version != attempt.Version {
		return repository.ErrVersionConflict
	}
	attempt.Version++
	attempt.UpdatedAt = time.Now()
	m.attempts[attempt.ID] = *attempt
	return nil
}

type stubRenderer struct {
	pages []PageImage
	err   error
}

func (r stubRenderer) Render(ctx context.Context, name string, data []byte) ([]PageImage, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.pages, nil
}

type stubOracle struct {
	regions    map[string]string
	extractErr error
	graded     []oracle.GradedQuestion
	gradeErr   error

	extractedURLs []string
	submitted     []oracle.QuestionSubmission
}

func (o *stubOracle) ExtractRegions(ctx context.Context, pageURLs []string) (map[string]string, error) {
	o.extractedURLs = pageURLs
	if o.extractErr != nil {
		return nil, o.extractErr
	}
	return o.regions, nil
}

func (o *stubOracle) Grade(ctx context.Context, questions []oracle.QuestionSubmission) ([]oracle.GradedQuestion, error) {
	o.submitted = questions
	if o.gradeErr != nil {
		return nil, o.gradeErr
	}
	return o.graded, nil
}

type recordingPublisher struct {
	events []AttemptEvent
}

func (p *recordingPublisher) PublishAttemptTransition(event AttemptEvent) {
	p.events = append(p.events, event)
}

type recordingInvalidator struct {
	calls int
}

func (i *recordingInvalidator) InvalidateAttempt(ctx context.Context, assignmentID, studentID uint) {
	i.calls++
}

type stubSummarizer struct {
	summary string
	err     error
	input   ai.SummaryInput
}

func (s *stubSummarizer) Summarize(ctx context.Context, input ai.SummaryInput) (string, error) {
	s.input = input
	if s.err != nil {
		return "", s.err
	}
	return s.summary, nil
}

func seedGradingAttempt(t *testing.T, repo *memoryAttemptRepo, status string) models.AssignmentAttempt {
	t.Helper()

	attempt := models.AssignmentAttempt{
		AssignmentID: 7,
		StudentID:    3,
		Status:       status,
		Assignment: models.Assignment{
			ID:    7,
			Title: "Derivatives Worksheet",
			Questions: []models.Question{
				{ID: 1, AssignmentID: 7, Label: "1a", Rubric: "award 2 points for the product rule"},
				{ID: 2, AssignmentID: 7, Label: "1b", Rubric: "award 3 points for the chain rule"},
			},
		},
	}
	require.NoError(t, repo.Create(context.Background(), &attempt))
	return attempt
}

func TestGradingServiceProcessSubmissionGradesAttempt(t *testing.T) {
	repo := newMemoryAttemptRepo()
	seeded := seedGradingAttempt(t, repo, models.AttemptStatusPending)

	renderer := stubRenderer{pages: []PageImage{
		{PageNumber: 1, ImageURL: "https://cdn.example/page-1.png"},
		{PageNumber: 2, ImageURL: "https://cdn.example/page-2.png"},
	}}
	gradingOracle := &stubOracle{
		regions: map[string]string{
			"1a": "https://cdn.example/region-1a.png",
			"1b": "https://cdn.example/region-1b.png",
		},
		graded: []oracle.GradedQuestion{
			{QuestionID: "1a", CorrectSteps: []string{"applied product rule"}, TotalAwarded: 2},
			{QuestionID: "1b", IncorrectSteps: []string{"dropped inner derivative"}, TotalDeducted: 1, TotalAwarded: 2},
		},
	}
	publisher := &recordingPublisher{}
	invalidator := &recordingInvalidator{}
	summarizer := &stubSummarizer{summary: "Strong work on the product rule."}

	svc := NewGradingService(repo, renderer, gradingOracle, publisher, invalidator, summarizer, time.Minute, testLogger())

	responses, err := svc.ProcessSubmission(context.Background(), seeded.StudentID, seeded.AssignmentID, "worksheet.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)
	require.Len(t, responses, 2)
	require.Equal(t, "1a", responses[0].QuestionID)
	require.Equal(t, "https://cdn.example/region-1a.png", responses[0].ImageURL)
	require.Equal(t, "1b", responses[1].QuestionID)
	require.Equal(t, float64(1), responses[1].TotalDeducted)

	require.Equal(t, []string{"https://cdn.example/page-1.png", "https://cdn.example/page-2.png"}, gradingOracle.extractedURLs)
	require.Len(t, gradingOracle.submitted, 2)
	require.Equal(t, "award 2 points for the product rule", gradingOracle.submitted[0].Rubric)

	stored, err := repo.GetByID(context.Background(), seeded.ID)
	require.NoError(t, err)
	require.Equal(t, models.AttemptStatusGraded, stored.Status)
	require.NotNil(t, stored.SubmissionDate)
	require.Equal(t, "Strong work on the product rule.", stored.Feedback)

	decoded, err := stored.DecodeResponses()
	require.NoError(t, err)
	require.Len(t, decoded, 2)

	// A checkpoint transition plus the final graded transition.
	require.Len(t, publisher.events, 2)
	require.Equal(t, models.AttemptStatusProcessing, publisher.events[0].Status)
	require.Equal(t, models.AttemptStatusGraded, publisher.events[1].Status)
	require.Equal(t, 2, invalidator.calls)

	require.Equal(t, "Derivatives Worksheet", summarizer.input.AssignmentTitle)
	require.Len(t, summarizer.input.Outcomes, 2)
}

func TestGradingServiceUnknownAttempt(t *testing.T) {
	repo := newMemoryAttemptRepo()
	svc := NewGradingService(repo, stubRenderer{}, &stubOracle{}, nil, nil, nil, time.Minute, testLogger())

	_, err := svc.ProcessSubmission(context.Background(), 99, 99, "worksheet.pdf", []byte("%PDF-1.4"))
	require.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestGradingServiceOracleTimeoutMarksFailed(t *testing.T) {
	repo := newMemoryAttemptRepo()
	seeded := seedGradingAttempt(t, repo, models.AttemptStatusPending)

	renderer := stubRenderer{pages: []PageImage{{PageNumber: 1, ImageURL: "https://cdn.example/page-1.png"}}}
	gradingOracle := &stubOracle{extractErr: &oracle.Error{Kind: oracle.KindTimeout, Endpoint: "/extract"}}

	svc := NewGradingService(repo, renderer, gradingOracle, nil, nil, nil, time.Minute, testLogger())

	_, err := svc.ProcessSubmission(context.Background(), seeded.StudentID, seeded.AssignmentID, "worksheet.pdf", []byte("%PDF-1.4"))
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, StageExtract, stageErr.Stage)
	require.True(t, stageErr.Retryable)

	stored, err := repo.GetByID(context.Background(), seeded.ID)
	require.NoError(t, err)
	require.Equal(t, models.AttemptStatusFailed, stored.Status)
	// The checkpoint written before the network call must survive the failure.
	require.NotNil(t, stored.SubmissionDate)
}

func TestGradingServiceRenderFailureMarksFailed(t *testing.T) {
	repo := newMemoryAttemptRepo()
	seeded := seedGradingAttempt(t, repo, models.AttemptStatusPending)

	svc := NewGradingService(repo, stubRenderer{err: errors.New("corrupt document")}, &stubOracle{}, nil, nil, nil, time.Minute, testLogger())

	_, err := svc.ProcessSubmission(context.Background(), seeded.StudentID, seeded.AssignmentID, "blob.bin", []byte{0x00})
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, StageRender, stageErr.Stage)
	require.False(t, stageErr.Retryable)

	stored, err := repo.GetByID(context.Background(), seeded.ID)
	require.NoError(t, err)
	require.Equal(t, models.AttemptStatusFailed, stored.Status)
}

func TestGradingServiceGradesOnlyLocatedQuestions(t *testing.T) {
	repo := newMemoryAttemptRepo()
	seeded := seedGradingAttempt(t, repo, models.AttemptStatusPending)

	renderer := stubRenderer{pages: []PageImage{{PageNumber: 1, ImageURL: "https://cdn.example/page-1.png"}}}
	gradingOracle := &stubOracle{
		regions: map[string]string{
			"1a": "https://cdn.example/region-1a.png",
			"9z": "https://cdn.example/region-9z.png",
		},
		graded: []oracle.GradedQuestion{
			{QuestionID: "1a", CorrectSteps: []string{"correct"}, TotalAwarded: 2},
		},
	}

	svc := NewGradingService(repo, renderer, gradingOracle, nil, nil, nil, time.Minute, testLogger())

	responses, err := svc.ProcessSubmission(context.Background(), seeded.StudentID, seeded.AssignmentID, "worksheet.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)

	// Question 1b had no region and "9z" is not an assignment question, so
	// exactly one submission reaches the grader and one response comes back.
	require.Len(t, gradingOracle.submitted, 1)
	require.Equal(t, "1a", gradingOracle.submitted[0].QuestionID)
	require.Len(t, responses, 1)
	require.Equal(t, "1a", responses[0].QuestionID)

	stored, err := repo.GetByID(context.Background(), seeded.ID)
	require.NoError(t, err)
	require.Equal(t, models.AttemptStatusGraded, stored.Status)
}

func TestGradingServiceNoRegionsIsRetryableFailure(t *testing.T) {
	repo := newMemoryAttemptRepo()
	seeded := seedGradingAttempt(t, repo, models.AttemptStatusPending)

	renderer := stubRenderer{pages: []PageImage{{PageNumber: 1, ImageURL: "https://cdn.example/page-1.png"}}}
	gradingOracle := &stubOracle{regions: map[string]string{}}

	svc := NewGradingService(repo, renderer, gradingOracle, nil, nil, nil, time.Minute, testLogger())

	_, err := svc.ProcessSubmission(context.Background(), seeded.StudentID, seeded.AssignmentID, "worksheet.pdf", []byte("%PDF-1.4"))
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	require.True(t, stageErr.Retryable)

	stored, err := repo.GetByID(context.Background(), seeded.ID)
	require.NoError(t, err)
	require.Equal(t, models.AttemptStatusFailed, stored.Status)
}

func TestGradingServiceRetryRejectsLiveRun(t *testing.T) {
	repo := newMemoryAttemptRepo()
	seeded := seedGradingAttempt(t, repo, models.AttemptStatusProcessing)

	stored := repo.attempts[seeded.ID]
	stored.UpdatedAt = time.Now()
	repo.attempts[seeded.ID] = stored

	svc := NewGradingService(repo, stubRenderer{}, &stubOracle{}, nil, nil, nil, 30*time.Minute, testLogger())

	_, err := svc.Retry(context.Background(), seeded.StudentID, seeded.AssignmentID, "worksheet.pdf", []byte("%PDF-1.4"))
	require.ErrorIs(t, err, ErrRunInFlight)
}

func TestGradingServiceSubmissionRejectsLiveRun(t *testing.T) {
	repo := newMemoryAttemptRepo()
	seeded := seedGradingAttempt(t, repo, models.AttemptStatusProcessing)

	stored := repo.attempts[seeded.ID]
	stored.UpdatedAt = time.Now()
	checkpoint := time.Now().Add(-time.Minute).UTC()
	stored.SubmissionDate = &checkpoint
	repo.attempts[seeded.ID] = stored

	svc := NewGradingService(repo, stubRenderer{}, &stubOracle{}, nil, nil, nil, 30*time.Minute, testLogger())

	_, err := svc.ProcessSubmission(context.Background(), seeded.StudentID, seeded.AssignmentID, "worksheet.pdf", []byte("%PDF-1.4"))
	require.ErrorIs(t, err, ErrRunInFlight)

	// The live run's checkpoint must survive untouched.
	after, err := repo.GetByID(context.Background(), seeded.ID)
	require.NoError(t, err)
	require.Equal(t, models.AttemptStatusProcessing, after.Status)
	require.NotNil(t, after.SubmissionDate)
	require.Equal(t, checkpoint, *after.SubmissionDate)
}

func TestGradingServiceRetryReclaimsStaleRun(t *testing.T) {
	repo := newMemoryAttemptRepo()
	seeded := seedGradingAttempt(t, repo, models.AttemptStatusProcessing)

	stored := repo.attempts[seeded.ID]
	stored.UpdatedAt = time.Now().Add(-time.Hour)
	repo.attempts[seeded.ID] = stored

	renderer := stubRenderer{pages: []PageImage{{PageNumber: 1, ImageURL: "https://cdn.example/page-1.png"}}}
	gradingOracle := &stubOracle{
		regions: map[string]string{"1a": "https://cdn.example/region-1a.png"},
		graded:  []oracle.GradedQuestion{{QuestionID: "1a", TotalAwarded: 2}},
	}

	svc := NewGradingService(repo, renderer, gradingOracle, nil, nil, nil, 30*time.Minute, testLogger())

	responses, err := svc.Retry(context.Background(), seeded.StudentID, seeded.AssignmentID, "worksheet.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)
	require.Len(t, responses, 1)
}

func TestGradingServiceRetryOverwritesPreviousResult(t *testing.T) {
	repo := newMemoryAttemptRepo()
	seeded := seedGradingAttempt(t, repo, models.AttemptStatusFailed)

	previous, err := models.EncodeResponses([]models.GradedQuestionResult{{QuestionID: "stale", TotalAwarded: 99}})
	require.NoError(t, err)
	stored := repo.attempts[seeded.ID]
	stored.Responses = previous
	repo.attempts[seeded.ID] = stored

	renderer := stubRenderer{pages: []PageImage{{PageNumber: 1, ImageURL: "https://cdn.example/page-1.png"}}}
	gradingOracle := &stubOracle{
		regions: map[string]string{"1a": "https://cdn.example/region-1a.png"},
		graded:  []oracle.GradedQuestion{{QuestionID: "1a", TotalAwarded: 2}},
	}

	svc := NewGradingService(repo, renderer, gradingOracle, nil, nil, nil, time.Minute, testLogger())

	_, err = svc.Retry(context.Background(), seeded.StudentID, seeded.AssignmentID, "worksheet.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)

	final, err := repo.GetByID(context.Background(), seeded.ID)
	require.NoError(t, err)
	decoded, err := final.DecodeResponses()
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	require.Equal(t, "1a", decoded[0].QuestionID)
}

func TestGradingServicePersistRetriesVersionConflict(t *testing.T) {
	repo := newMemoryAttemptRepo()
	seeded := seedGradingAttempt(t, repo, models.AttemptStatusPending)
	repo.conflictsRemaining = 1

	renderer := stubRenderer{pages: []PageImage{{PageNumber: 1, ImageURL: "https://cdn.example/page-1.png"}}}
	gradingOracle := &stubOracle{
		regions: map[string]string{"1a": "https://cdn.example/region-1a.png"},
		graded:  []oracle.GradedQuestion{{QuestionID: "1a", TotalAwarded: 2}},
	}

	svc := NewGradingService(repo, renderer, gradingOracle, nil, nil, nil, time.Minute, testLogger())

	responses, err := svc.ProcessSubmission(context.Background(), seeded.StudentID, seeded.AssignmentID, "worksheet.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)
	require.Len(t, responses, 1)

	stored, err := repo.GetByID(context.Background(), seeded.ID)
	require.NoError(t, err)
	require.Equal(t, models.AttemptStatusGraded, stored.Status)
}

func TestGradingServiceFeedbackFailureIsNonFatal(t *testing.T) {
	repo := newMemoryAttemptRepo()
	seeded := seedGradingAttempt(t, repo, models.AttemptStatusPending)

	renderer := stubRenderer{pages: []PageImage{{PageNumber: 1, ImageURL: "https://cdn.example/page-1.png"}}}
	gradingOracle := &stubOracle{
		regions: map[string]string{"1a": "https://cdn.example/region-1a.png"},
		graded:  []oracle.GradedQuestion{{QuestionID: "1a", TotalAwarded: 2}},
	}
	summarizer := &stubSummarizer{err: errors.New("model unavailable")}

	svc := NewGradingService(repo, renderer, gradingOracle, nil, nil, summarizer, time.Minute, testLogger())

	responses, err := svc.ProcessSubmission(context.Background(), seeded.StudentID, seeded.AssignmentID, "worksheet.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)
	require.Len(t, responses, 1)

	stored, err := repo.GetByID(context.Background(), seeded.ID)
	require.NoError(t, err)
	require.Equal(t, models.AttemptStatusGraded, stored.Status)
	require.Empty(t, stored.Feedback)
}
