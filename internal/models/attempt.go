package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// AssignmentAttempt is one student's record for one assignment. The grading
// pipeline is the only writer of Status, SubmissionDate and Responses.
type AssignmentAttempt struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	AssignmentID   uint           `gorm:"not null;uniqueIndex:idx_attempt_assignment_student" json:"assignment_id"`
	StudentID      uint           `gorm:"not null;uniqueIndex:idx_attempt_assignment_student" json:"student_id"`
	Status         string         `gorm:"size:32;not null" json:"status"`
	SubmissionDate *time.Time     `json:"submission_date"`
	Responses      datatypes.JSON `json:"responses"`
	Feedback       string         `gorm:"type:text" json:"feedback"`
	Version        uint           `gorm:"not null;default:0" json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Assignment     Assignment     `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"assignment"`
	Student        Student        `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"student"`
}

const (
	// AttemptStatusPending indicates the assignment was issued but nothing submitted yet.
	AttemptStatusPending = "pending"
	// AttemptStatusProcessing indicates a submission pipeline run is in flight.
	AttemptStatusProcessing = "processing"
	// AttemptStatusGraded indicates the pipeline completed and responses are final.
	AttemptStatusGraded = "graded"
	// AttemptStatusFailed indicates the last pipeline run ended in an unrecoverable stage error.
	AttemptStatusFailed = "failed"
)

// ValidAttemptStatus reports whether the value is one of the four attempt states.
func ValidAttemptStatus(status string) bool {
	switch status {
	case AttemptStatusPending, AttemptStatusProcessing, AttemptStatusGraded, AttemptStatusFailed:
		return true
	default:
		return false
	}
}

// IsGraded reports whether the attempt carries final responses.
func (a AssignmentAttempt) IsGraded() bool {
	return a.Status == AttemptStatusGraded
}

// StaleProcessing reports whether the attempt looks stuck mid-pipeline: still
// marked processing with no persisted progress for longer than the threshold.
// Such attempts are safe to retry; the run that owned them is gone.
func (a AssignmentAttempt) StaleProcessing(reference time.Time, threshold time.Duration) bool {
	return a.Status == AttemptStatusProcessing && reference.Sub(a.UpdatedAt) > threshold
}

// GradedQuestionResult is one question's grading outcome as persisted inside
// the attempt's Responses column and returned by the API.
type GradedQuestionResult struct {
	QuestionID     string   `json:"question_id"`
	ImageURL       string   `json:"image_url"`
	CorrectSteps   []string `json:"correct_steps"`
	IncorrectSteps []string `json:"incorrect_steps"`
	TotalAwarded   float64  `json:"total_awarded"`
	TotalDeducted  float64  `json:"total_deducted"`
}

// DecodeResponses unmarshals the stored responses column.
func (a AssignmentAttempt) DecodeResponses() ([]GradedQuestionResult, error) {
	if len(a.Responses) == 0 {
		return nil, nil
	}

	var results []GradedQuestionResult
	if err := json.Unmarshal(a.Responses, &results); err != nil {
		return nil, fmt.Errorf("decode attempt responses: %w", err)
	}

	return results, nil
}

// EncodeResponses marshals results into the stored responses column format.
func EncodeResponses(results []GradedQuestionResult) (datatypes.JSON, error) {
	if results == nil {
		results = []GradedQuestionResult{}
	}

	payload, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("encode attempt responses: %w", err)
	}

	return datatypes.JSON(payload), nil
}
