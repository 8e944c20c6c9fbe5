package ai

import "context"

// QuestionOutcome is one graded question's step breakdown, the raw material
// for narrative feedback.
type QuestionOutcome struct {
	QuestionID     string
	CorrectSteps   []string
	IncorrectSteps []string
	TotalAwarded   float64
	TotalDeducted  float64
}

// SummaryInput carries everything needed to write feedback for one graded
// submission.
type SummaryInput struct {
	AssignmentTitle string
	Outcomes        []QuestionOutcome
}

// Summarizer turns a graded breakdown into a short narrative for the student.
type Summarizer interface {
	Summarize(ctx context.Context, input SummaryInput) (string, error)
}
