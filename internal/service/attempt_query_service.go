package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

// AttemptQueryService is the read surface over assignment attempts. Responses
// for a (assignment, student) pair are cached in redis; the orchestrator
// invalidates the pair on every persisted status transition so readers never
// observe graded with stale responses.
type AttemptQueryService interface {
	List(ctx context.Context, filter dto.AttemptFilter) ([]dto.AttemptResponse, error)
	Get(ctx context.Context, id uint) (dto.AttemptResponse, error)
	GetByPair(ctx context.Context, assignmentID, studentID uint) (dto.AttemptResponse, error)
	InvalidateAttempt(ctx context.Context, assignmentID, studentID uint)
}

type attemptQueryService struct {
	attempts   repository.AttemptRepository
	cache      *redis.Client
	cacheTTL   time.Duration
	staleAfter time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

// NewAttemptQueryService builds the attempt read service. cache may be nil.
func NewAttemptQueryService(attempts repository.AttemptRepository, cache *redis.Client, cacheTTL, staleAfter time.Duration, logger zerolog.Logger) AttemptQueryService {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}

	return &attemptQueryService{
		attempts:   attempts,
		cache:      cache,
		cacheTTL:   cacheTTL,
		staleAfter: staleAfter,
		logger:     logger.With().Str("component", "attempt_query_service").Logger(),
		now:        time.Now,
	}
}

func (s *attemptQueryService) List(ctx context.Context, filter dto.AttemptFilter) ([]dto.AttemptResponse, error) {
	attempts, err := s.attempts.List(ctx, repository.AttemptFilter{
		AssignmentID: filter.AssignmentID,
		StudentID:    filter.StudentID,
		Status:       filter.Status,
	})
	if err != nil {
		return nil, err
	}

	responses, err := dto.NewAttemptResponseSlice(attempts)
	if err != nil {
		return nil, err
	}

	for i := range responses {
		responses[i].Status = s.effectiveStatus(attempts[i])
	}

	return responses, nil
}

func (s *attemptQueryService) Get(ctx context.Context, id uint) (dto.AttemptResponse, error) {
	attempt, err := s.attempts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AttemptResponse{}, ErrAttemptNotFound
		}
		return dto.AttemptResponse{}, err
	}

	return s.toResponse(attempt)
}

func (s *attemptQueryService) GetByPair(ctx context.Context, assignmentID, studentID uint) (dto.AttemptResponse, error) {
	cacheKey := attemptCacheKey(assignmentID, studentID)

	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, cacheKey).Result(); err == nil {
			var response dto.AttemptResponse
			if unmarshalErr := json.Unmarshal([]byte(cached), &response); unmarshalErr == nil {
				s.logger.Debug().Str("key", cacheKey).Msg("attempt cache hit")
				return response, nil
			}
		} else if err != redis.Nil {
			s.logger.Warn().Err(err).Msg("failed to read attempt cache")
		}
	}

	attempt, err := s.attempts.GetByAssignmentAndStudent(ctx, assignmentID, studentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AttemptResponse{}, ErrAttemptNotFound
		}
		return dto.AttemptResponse{}, err
	}

	response, err := s.toResponse(attempt)
	if err != nil {
		return dto.AttemptResponse{}, err
	}

	if s.cache != nil {
		if payload, err := json.Marshal(response); err == nil {
			if err := s.cache.Set(ctx, cacheKey, payload, s.cacheTTL).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to store attempt cache")
			}
		}
	}

	return response, nil
}

// InvalidateAttempt drops the cached pair entry after a persisted transition.
func (s *attemptQueryService) InvalidateAttempt(ctx context.Context, assignmentID, studentID uint) {
	if s.cache == nil {
		return
	}

	if err := s.cache.Del(ctx, attemptCacheKey(assignmentID, studentID)).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to invalidate attempt cache")
	}
}

func (s *attemptQueryService) toResponse(attempt models.AssignmentAttempt) (dto.AttemptResponse, error) {
	response, err := dto.NewAttemptResponse(attempt)
	if err != nil {
		return dto.AttemptResponse{}, err
	}

	response.Status = s.effectiveStatus(attempt)

	return response, nil
}

// effectiveStatus reports processing attempts with no recent progress as
// failed so an external supervisor can trigger a retry. The stored row is
// left untouched; the pipeline itself decides real transitions.
func (s *attemptQueryService) effectiveStatus(attempt models.AssignmentAttempt) string {
	if attempt.StaleProcessing(s.now(), s.staleAfter) {
		return models.AttemptStatusFailed
	}

	return attempt.Status
}

func attemptCacheKey(assignmentID, studentID uint) string {
	return fmt.Sprintf("attempt:%d:%d", assignmentID, studentID)
}
