package models

import "time"

// Question is one gradeable question on an assignment. Label is the external
// identifier the region-extraction oracle reports regions under; it must be
// unique within one assignment.
type Question struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	AssignmentID uint      `gorm:"not null;uniqueIndex:idx_question_assignment_label" json:"assignment_id"`
	Label        string    `gorm:"size:64;not null;uniqueIndex:idx_question_assignment_label" json:"label"`
	Rubric       string    `gorm:"type:text;not null" json:"rubric"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
