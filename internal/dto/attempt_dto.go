package dto

import (
	"time"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// AttemptFilter describes query string filters for listing attempts.
type AttemptFilter struct {
	AssignmentID *uint   `query:"assignment_id"`
	StudentID    *uint   `query:"student_id"`
	Status       *string `query:"status" validate:"omitempty,oneof=pending processing graded failed"`
}

// GradedQuestionResponse is one question's grading outcome as returned to
// API clients.
type GradedQuestionResponse struct {
	QuestionID     string   `json:"question_id"`
	ImageURL       string   `json:"image_url"`
	CorrectSteps   []string `json:"correct_steps"`
	IncorrectSteps []string `json:"incorrect_steps"`
	TotalAwarded   float64  `json:"total_awarded"`
	TotalDeducted  float64  `json:"total_deducted"`
}

// AssignmentLite summarizes an assignment in attempt responses.
type AssignmentLite struct {
	ID      uint      `json:"id"`
	Title   string    `json:"title"`
	DueDate time.Time `json:"due_date"`
}

// StudentLite summarizes a student without exposing full profile data.
type StudentLite struct {
	ID    uint   `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// AttemptResponse is returned to API clients when viewing attempts.
type AttemptResponse struct {
	ID             uint                     `json:"id"`
	AssignmentID   uint                     `json:"assignment_id"`
	StudentID      uint                     `json:"student_id"`
	Status         string                   `json:"status"`
	SubmissionDate *time.Time               `json:"submission_date"`
	Responses      []GradedQuestionResponse `json:"responses"`
	Feedback       string                   `json:"feedback,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
	Assignment     AssignmentLite           `json:"assignment"`
	Student        StudentLite              `json:"student"`
}

// NewAttemptResponse converts an AssignmentAttempt model into a DTO.
func NewAttemptResponse(model models.AssignmentAttempt) (AttemptResponse, error) {
	decoded, err := model.DecodeResponses()
	if err != nil {
		return AttemptResponse{}, err
	}

	responses := make([]GradedQuestionResponse, 0, len(decoded))
	for _, result := range decoded {
		responses = append(responses, GradedQuestionResponse{
			QuestionID:     result.QuestionID,
			ImageURL:       result.ImageURL,
			CorrectSteps:   result.CorrectSteps,
			IncorrectSteps: result.IncorrectSteps,
			TotalAwarded:   result.TotalAwarded,
			TotalDeducted:  result.TotalDeducted,
		})
	}

	response := AttemptResponse{
		ID:             model.ID,
		AssignmentID:   model.AssignmentID,
		StudentID:      model.StudentID,
		Status:         model.Status,
		SubmissionDate: model.SubmissionDate,
		Responses:      responses,
		Feedback:       model.Feedback,
		CreatedAt:      model.CreatedAt,
		UpdatedAt:      model.UpdatedAt,
	}

	if model.Assignment.ID != 0 {
		response.Assignment = AssignmentLite{
			ID:      model.Assignment.ID,
			Title:   model.Assignment.Title,
			DueDate: model.Assignment.DueDate,
		}
	}

	if model.Student.ID != 0 {
		response.Student = StudentLite{
			ID:    model.Student.ID,
			Name:  model.Student.Name,
			Email: model.Student.Email,
		}
	}

	return response, nil
}

// NewAttemptResponseSlice converts attempt models into DTOs.
func NewAttemptResponseSlice(attempts []models.AssignmentAttempt) ([]AttemptResponse, error) {
	responses := make([]AttemptResponse, 0, len(attempts))
	for _, attempt := range attempts {
		response, err := NewAttemptResponse(attempt)
		if err != nil {
			return nil, err
		}
		responses = append(responses, response)
	}

	return responses, nil
}
