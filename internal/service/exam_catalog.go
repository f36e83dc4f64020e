package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
	"golang.org/x/sync/errgroup"
)

// ExamSource is the persistent origin of exam data.
type ExamSource interface {
	GetWindow(ctx context.Context, examID uuid.UUID) (*model.ExamWindow, error)
	ListQuestions(ctx context.Context, examID uuid.UUID) ([]model.QuestionForStudent, error)
	GetAnswerKey(ctx context.Context, examID uuid.UUID) (model.AnswerKey, error)
}

// ExamCatalog is the ExamProvider backed by PostgreSQL with a Redis cache-aside
// layer. Redis failures fall through to the database.
type ExamCatalog struct {
	src ExamSource
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// NewExamCatalog creates a new ExamCatalog. A nil rdb disables caching.
func NewExamCatalog(src ExamSource, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *ExamCatalog {
	return &ExamCatalog{
		src: src,
		rdb: rdb,
		ttl: ttl,
		log: log.With().Str("component", "exam_catalog").Logger(),
	}
}

// GetWindow returns the exam window with its questions.
func (c *ExamCatalog) GetWindow(ctx context.Context, examID uuid.UUID) (*model.ExamWindow, error) {
	cacheKey := config.CacheKey.ExamWindowKey(examID.String())

	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, cacheKey).Bytes()
		switch {
		case err == nil:
			var w model.ExamWindow
			if jsonErr := json.Unmarshal(raw, &w); jsonErr == nil {
				return &w, nil
			}
			c.log.Warn().Str("exam_id", examID.String()).Msg("Discarding malformed cached exam window")
		case !errors.Is(err, redis.Nil):
			c.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Redis error reading exam window, using database")
		}
	}

	w, err := c.loadWindow(ctx, examID)
	if err != nil {
		return nil, err
	}

	if c.rdb != nil {
		if data, err := json.Marshal(w); err == nil {
			if err := c.rdb.Set(ctx, cacheKey, data, c.ttl).Err(); err != nil {
				c.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to cache exam window")
			}
		}
	}
	return w, nil
}

// loadWindow reads the window row and the question list concurrently.
func (c *ExamCatalog) loadWindow(ctx context.Context, examID uuid.UUID) (*model.ExamWindow, error) {
	var (
		w         *model.ExamWindow
		questions []model.QuestionForStudent
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		w, err = c.src.GetWindow(gctx, examID)
		return err
	})
	g.Go(func() error {
		var err error
		questions, err = c.src.ListQuestions(gctx, examID)
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, repository.ErrExamNotFound) {
			return nil, fmt.Errorf("exam %s: %w", examID, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: load exam: %v", ErrUnavailable, err)
	}

	w.Questions = questions
	return w, nil
}

// GetAnswerKey returns the grading reference for an exam. Never send it to students.
func (c *ExamCatalog) GetAnswerKey(ctx context.Context, examID uuid.UUID) (model.AnswerKey, error) {
	cacheKey := config.CacheKey.ExamAnswerKey(examID.String())

	if c.rdb != nil {
		cached, err := c.rdb.HGetAll(ctx, cacheKey).Result()
		if err != nil {
			c.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Redis error reading answer key, using database")
		} else if len(cached) > 0 {
			key := make(model.AnswerKey, len(cached))
			ok := true
			for qID, raw := range cached {
				var entry model.AnswerKeyEntry
				if err := json.Unmarshal([]byte(raw), &entry); err != nil {
					ok = false
					break
				}
				key[qID] = entry
			}
			if ok {
				return key, nil
			}
		}
	}

	key, err := c.src.GetAnswerKey(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("%w: load answer key: %v", ErrUnavailable, err)
	}

	if c.rdb != nil && len(key) > 0 {
		fields := make(map[string]any, len(key))
		for qID, entry := range key {
			data, _ := json.Marshal(entry)
			fields[qID] = data
		}
		pipe := c.rdb.Pipeline()
		pipe.Del(ctx, cacheKey)
		pipe.HSet(ctx, cacheKey, fields)
		if c.ttl > 0 {
			pipe.Expire(ctx, cacheKey, c.ttl)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			c.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to cache answer key")
		}
	}
	return key, nil
}

// Invalidate drops the cached window and answer key of an exam.
func (c *ExamCatalog) Invalidate(ctx context.Context, examID uuid.UUID) error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx,
		config.CacheKey.ExamWindowKey(examID.String()),
		config.CacheKey.ExamAnswerKey(examID.String()),
	).Err()
}
