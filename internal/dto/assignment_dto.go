package dto

import (
	"time"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// QuestionCreateRequest describes one gradeable question on a new assignment.
type QuestionCreateRequest struct {
	Label  string `json:"label" validate:"required,min=1,max=64"`
	Rubric string `json:"rubric" validate:"required,min=3"`
}

// AssignmentCreateRequest describes the payload for creating a new assignment.
type AssignmentCreateRequest struct {
	Title       string                  `form:"title" json:"title" validate:"required,min=3"`
	Description string                  `form:"description" json:"description" validate:"required,min=10"`
	DueDate     string                  `form:"due_date" json:"due_date" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	Questions   []QuestionCreateRequest `json:"questions" validate:"required,min=1,dive"`
}

// AssignmentUpdateRequest describes the payload for updating an assignment.
type AssignmentUpdateRequest struct {
	Title       *string `form:"title" json:"title" validate:"omitempty,min=3"`
	Description *string `form:"description" json:"description" validate:"omitempty,min=10"`
	DueDate     *string `form:"due_date" json:"due_date" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// AssignmentListQuery carries the search, sort and pagination options of the
// assignment list endpoint.
type AssignmentListQuery struct {
	Search   string `query:"search" validate:"omitempty,max=128"`
	Sort     string `query:"sort" validate:"omitempty,max=32"`
	Page     int    `query:"page" validate:"omitempty,min=1"`
	PageSize int    `query:"page_size" validate:"omitempty,min=1,max=100"`
}

// AssignmentListResponse is one page of assignments plus the unpaged total.
type AssignmentListResponse struct {
	Items    []AssignmentResponse `json:"items"`
	Total    int64                `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
}

// QuestionResponse is the serialized representation of one question.
type QuestionResponse struct {
	ID     uint   `json:"id"`
	Label  string `json:"label"`
	Rubric string `json:"rubric"`
}

// AssignmentResponse is the serialized representation returned to API clients.
type AssignmentResponse struct {
	ID          uint               `json:"id"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	DueDate     time.Time          `json:"due_date"`
	FileURL     string             `json:"file_url"`
	Questions   []QuestionResponse `json:"questions"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// NewAssignmentResponse converts a model into a DTO.
func NewAssignmentResponse(model models.Assignment) AssignmentResponse {
	questions := make([]QuestionResponse, 0, len(model.Questions))
	for _, question := range model.Questions {
		questions = append(questions, QuestionResponse{
			ID:     question.ID,
			Label:  question.Label,
			Rubric: question.Rubric,
		})
	}

	return AssignmentResponse{
		ID:          model.ID,
		Title:       model.Title,
		Description: model.Description,
		DueDate:     model.DueDate,
		FileURL:     model.FileURL,
		Questions:   questions,
		CreatedAt:   model.CreatedAt,
		UpdatedAt:   model.UpdatedAt,
	}
}

// NewAssignmentResponseSlice converts a slice of models into DTOs.
func NewAssignmentResponseSlice(assignments []models.Assignment) []AssignmentResponse {
	responses := make([]AssignmentResponse, 0, len(assignments))
	for _, assignment := range assignments {
		responses = append(responses, NewAssignmentResponse(assignment))
	}

	return responses
}
