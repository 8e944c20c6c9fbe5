package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	extractEndpoint = "/extract"
	gradeEndpoint   = "/grade"

	// Remote image analysis may cold-start; the default bound is generous.
	DefaultTimeout = 5 * time.Minute

	maxErrorBodyBytes = 8 << 10
)

var (
	oracleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "oracle",
		Name:      "request_duration_seconds",
		Help:      "Duration of grading oracle requests",
	}, []string{"endpoint"})

	oracleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "oracle",
		Name:      "request_failures_total",
		Help:      "Number of grading oracle request failures",
	}, []string{"endpoint", "kind"})
)

// QuestionSubmission is one extracted answer region paired with its rubric,
// ready for the grading endpoint.
type QuestionSubmission struct {
	QuestionID string `json:"question_id"`
	ImageURL   string `json:"image_url"`
	Rubric     string `json:"rubric"`
}

// GradedQuestion is the per-question correctness breakdown the grading
// endpoint answers with.
type GradedQuestion struct {
	QuestionID     string   `json:"question_id"`
	CorrectSteps   []string `json:"correct_steps"`
	IncorrectSteps []string `json:"incorrect_steps"`
	TotalAwarded   float64  `json:"total_awarded"`
	TotalDeducted  float64  `json:"total_deducted"`
}

// Client talks to the region-extraction and grading oracles, which live on
// sibling endpoints of the same service origin. The client performs no
// retries; retry policy belongs to the orchestrator's caller.
type Client struct {
	baseURL string
	http    *http.Client
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// NewClient builds an oracle client for the given service origin.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("oracle base url must be provided")
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tracer:  otel.Tracer("github.com/noah-isme/gema-grading-api/pkg/oracle"),
		logger:  logger.With().Str("component", "oracle_client").Logger(),
	}, nil
}

// ExtractRegions sends the ordered page URLs to the cropping oracle and
// returns the located answer regions keyed by question identifier. Page
// order is significant: the oracle reasons over page sequence. A question
// absent from the result simply was not located.
func (c *Client) ExtractRegions(ctx context.Context, pageURLs []string) (map[string]string, error) {
	ctx, span := c.tracer.Start(ctx, "oracle.extract_regions", trace.WithAttributes(
		attribute.Int("pages", len(pageURLs)),
	))
	defer span.End()

	payload := struct {
		URLs []string `json:"urls"`
	}{URLs: pageURLs}

	body, err := c.post(ctx, extractEndpoint, payload, extractSchema)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var decoded struct {
		Uploads []struct {
			QuestionID string `json:"question_id"`
			ImageURL   string `json:"image_url"`
		} `json:"uploads"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, c.fail(extractEndpoint, &Error{Kind: KindRemote, Endpoint: extractEndpoint, Body: err.Error()})
	}

	regions := make(map[string]string, len(decoded.Uploads))
	for _, upload := range decoded.Uploads {
		regions[upload.QuestionID] = upload.ImageURL
	}

	c.logger.Info().Int("pages", len(pageURLs)).Int("regions", len(regions)).Msg("regions extracted")

	return regions, nil
}

// Grade submits the extracted regions with their rubrics and returns the
// structured per-question breakdown. Only questions present in the region
// map may be submitted.
func (c *Client) Grade(ctx context.Context, questions []QuestionSubmission) ([]GradedQuestion, error) {
	ctx, span := c.tracer.Start(ctx, "oracle.grade", trace.WithAttributes(
		attribute.Int("questions", len(questions)),
	))
	defer span.End()

	payload := struct {
		Questions []QuestionSubmission `json:"questions"`
	}{Questions: questions}

	body, err := c.post(ctx, gradeEndpoint, payload, gradeSchema)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var decoded struct {
		Results []GradedQuestion `json:"results"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, c.fail(gradeEndpoint, &Error{Kind: KindRemote, Endpoint: gradeEndpoint, Body: err.Error()})
	}

	c.logger.Info().Int("questions", len(questions)).Int("results", len(decoded.Results)).Msg("questions graded")

	return decoded.Results, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload interface{}, schema schemaValidator) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal oracle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	oracleDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, c.fail(endpoint, classifyTransportError(endpoint, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		diagnostic, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, c.fail(endpoint, &Error{
			Kind:     KindRemote,
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Body:     string(diagnostic),
		})
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fail(endpoint, classifyTransportError(endpoint, err))
	}

	var document interface{}
	if err := json.Unmarshal(raw, &document); err != nil {
		return nil, c.fail(endpoint, &Error{Kind: KindRemote, Endpoint: endpoint, Status: resp.StatusCode, Body: "response is not valid json"})
	}

	if err := schema.Validate(document); err != nil {
		return nil, c.fail(endpoint, &Error{Kind: KindRemote, Endpoint: endpoint, Status: resp.StatusCode, Body: "schema mismatch: " + err.Error()})
	}

	return raw, nil
}

func (c *Client) fail(endpoint string, oracleErr *Error) error {
	oracleFailures.WithLabelValues(endpoint, string(oracleErr.Kind)).Inc()
	c.logger.Warn().Str("endpoint", endpoint).Str("kind", string(oracleErr.Kind)).Int("status", oracleErr.Status).Msg("oracle call failed")
	return oracleErr
}

func classifyTransportError(endpoint string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Endpoint: endpoint, cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Endpoint: endpoint, cause: err}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &Error{Kind: KindUnavailable, Endpoint: endpoint, cause: err}
	}

	return &Error{Kind: KindUnavailable, Endpoint: endpoint, cause: err}
}

type schemaValidator interface {
	Validate(v interface{}) error
}
