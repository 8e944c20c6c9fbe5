package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "feedback_duration_seconds",
		Help:      "Duration of AI feedback requests",
	}, []string{"model"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "feedback_failures_total",
		Help:      "Number of AI feedback failures",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for the OpenAI summarizer.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAISummarizer implements Summarizer against the OpenAI chat completion API.
type OpenAISummarizer struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAISummarizer builds a new summarizer using the provided configuration.
func NewOpenAISummarizer(cfg OpenAIConfig) (*OpenAISummarizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 384
	}

	tracer := otel.Tracer("github.com/noah-isme/gema-grading-api/pkg/ai/openai")
	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	client := openai.NewClientWithConfig(config)

	return &OpenAISummarizer{
		client: client,
		cfg:    cfg,
		tracer: tracer,
		logger: logger,
	}, nil
}

// Summarize sends the graded breakdown to OpenAI and returns the narrative.
func (s *OpenAISummarizer) Summarize(parent context.Context, input SummaryInput) (string, error) {
	ctx, span := s.tracer.Start(parent, "openai.summarize", trace.WithAttributes(
		attribute.String("model", s.cfg.Model),
		attribute.Int("questions", len(input.Outcomes)),
	))
	defer span.End()

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: summarizerSystemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildSummaryPrompt(input),
			},
		},
	}

	resp, err := s.client.CreateChatCompletion(ctx, request)
	aiDuration.WithLabelValues(s.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		aiFailures.WithLabelValues(s.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("openai summarize: %w", err)
	}

	if len(resp.Choices) == 0 {
		err := fmt.Errorf("no choices returned from openai")
		aiFailures.WithLabelValues(s.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func summarizerSystemPrompt() string {
	return "You are a math teacher writing feedback for a student's graded worksheet. Using the per-question step breakdown, " +
		"write 2-4 encouraging sentences in plain prose: name what went well, then the most important mistake to review. Do not invent steps."
}

func buildSummaryPrompt(input SummaryInput) string {
	builder := strings.Builder{}
	builder.WriteString("# Assignment\n")
	builder.WriteString(input.AssignmentTitle)
	for _, outcome := range input.Outcomes {
		builder.WriteString("\n\n## Question ")
		builder.WriteString(outcome.QuestionID)
		builder.WriteString(fmt.Sprintf("\nAwarded: %.1f, Deducted: %.1f", outcome.TotalAwarded, outcome.TotalDeducted))
		if len(outcome.CorrectSteps) > 0 {
			builder.WriteString("\nCorrect steps:\n- ")
			builder.WriteString(strings.Join(outcome.CorrectSteps, "\n- "))
		}
		if len(outcome.IncorrectSteps) > 0 {
			builder.WriteString("\nIncorrect steps:\n- ")
			builder.WriteString(strings.Join(outcome.IncorrectSteps, "\n- "))
		}
	}

	return builder.String()
}
