package service

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// AttemptEvent is emitted on every persisted attempt status transition.
type AttemptEvent struct {
	AttemptID    uint      `json:"attempt_id"`
	AssignmentID uint      `json:"assignment_id"`
	StudentID    uint      `json:"student_id"`
	Status       string    `json:"status"`
	Stage        string    `json:"stage,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// EventPublisher broadcasts attempt lifecycle transitions. Publishing is
// best-effort and never fails the pipeline run.
type EventPublisher interface {
	PublishAttemptTransition(event AttemptEvent)
}

type natsEventPublisher struct {
	conn        *nats.Conn
	subjectBase string
	logger      zerolog.Logger
}

// NewNATSEventPublisher builds a publisher over the given connection. A nil
// connection yields a publisher that drops everything.
func NewNATSEventPublisher(conn *nats.Conn, subjectBase string, logger zerolog.Logger) EventPublisher {
	if subjectBase == "" {
		subjectBase = "gema.grading.attempt"
	}

	return &natsEventPublisher{
		conn:        conn,
		subjectBase: subjectBase,
		logger:      logger.With().Str("component", "grading_events").Logger(),
	}
}

func (p *natsEventPublisher) PublishAttemptTransition(event AttemptEvent) {
	if p.conn == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to encode attempt event")
		return
	}

	subject := p.subjectBase + "." + event.Status
	if err := p.conn.Publish(subject, payload); err != nil {
		p.logger.Warn().Err(err).Str("subject", subject).Msg("failed to publish attempt event")
	}
}
