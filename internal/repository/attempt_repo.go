package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// ErrVersionConflict indicates a checked attempt update lost a write race and
// should be retried after re-reading the row.
var ErrVersionConflict = errors.New("attempt version conflict")

// AttemptFilter narrows attempt list queries.
type AttemptFilter struct {
	AssignmentID *uint
	StudentID    *uint
	Status       *string
}

// AttemptRepository defines data operations for assignment attempts. All
// pipeline writes go through UpdateChecked so concurrent runs never silently
// overwrite each other's result.
type AttemptRepository interface {
	List(ctx context.Context, filter AttemptFilter) ([]models.AssignmentAttempt, error)
	GetByID(ctx context.Context, id uint) (models.AssignmentAttempt, error)
	GetByAssignmentAndStudent(ctx context.Context, assignmentID, studentID uint) (models.AssignmentAttempt, error)
	Create(ctx context.Context, attempt *models.AssignmentAttempt) error
	UpdateChecked(ctx context.Context, attempt *models.AssignmentAttempt) error
}

type attemptRepository struct {
	db *gorm.DB
}

// NewAttemptRepository instantiates the repository.
func NewAttemptRepository(db *gorm.DB) AttemptRepository {
	return &attemptRepository{db: db}
}

func (r *attemptRepository) baseQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.AssignmentAttempt{}).
		Preload("Assignment").
		Preload("Assignment.Questions").
		Preload("Student")
}

func (r *attemptRepository) List(ctx context.Context, filter AttemptFilter) ([]models.AssignmentAttempt, error) {
	query := r.baseQuery(ctx)

	if filter.AssignmentID != nil {
		query = query.Where("assignment_id = ?", *filter.AssignmentID)
	}

	if filter.StudentID != nil {
		query = query.Where("student_id = ?", *filter.StudentID)
	}

	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	var attempts []models.AssignmentAttempt
	if err := query.Order("created_at DESC").Find(&attempts).Error; err != nil {
		return nil, err
	}

	return attempts, nil
}

func (r *attemptRepository) GetByID(ctx context.Context, id uint) (models.AssignmentAttempt, error) {
	var attempt models.AssignmentAttempt
	if err := r.baseQuery(ctx).First(&attempt, id).Error; err != nil {
		return models.AssignmentAttempt{}, err
	}

	return attempt, nil
}

func (r *attemptRepository) GetByAssignmentAndStudent(ctx context.Context, assignmentID, studentID uint) (models.AssignmentAttempt, error) {
	var attempt models.AssignmentAttempt
	if err := r.baseQuery(ctx).
		Where("assignment_id = ?", assignmentID).
		Where("student_id = ?", studentID).
		First(&attempt).Error; err != nil {
		return models.AssignmentAttempt{}, err
	}

	return attempt, nil
}

func (r *attemptRepository) Create(ctx context.Context, attempt *models.AssignmentAttempt) error {
	if attempt.Status == "" {
		attempt.Status = models.AttemptStatusPending
	}

	return r.db.WithContext(ctx).Create(attempt).Error
}

// UpdateChecked persists status, submission date and responses in one write,
// guarded by the version the caller read. On a lost race it returns
// ErrVersionConflict and leaves the row untouched.
func (r *attemptRepository) UpdateChecked(ctx context.Context, attempt *models.AssignmentAttempt) error {
	if !models.ValidAttemptStatus(attempt.Status) {
		return errors.New("invalid attempt status: " + attempt.Status)
	}

	result := r.db.WithContext(ctx).Model(&models.AssignmentAttempt{}).
		Where("id = ?", attempt.ID).
		Where("version = ?", attempt.Version).
		Updates(map[string]interface{}{
			"status":          attempt.Status,
			"submission_date": attempt.SubmissionDate,
			"responses":       attempt.Responses,
			"feedback":        attempt.Feedback,
			"version":         attempt.Version + 1,
		})
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		var exists int64
		if err := r.db.WithContext(ctx).Model(&models.AssignmentAttempt{}).
			Where("id = ?", attempt.ID).Count(&exists).Error; err != nil {
			return err
		}
		if exists == 0 {
			return gorm.ErrRecordNotFound
		}
		return ErrVersionConflict
	}

	attempt.Version++

	return nil
}
