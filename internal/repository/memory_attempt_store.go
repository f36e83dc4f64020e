package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session/internal/model"
)

// MemoryAttemptStore is an AttemptStore held in process memory. It is used by
// tests and by single-node deployments with STORE_BACKEND=memory.
type MemoryAttemptStore struct {
	mu       sync.RWMutex
	attempts map[uuid.UUID]*model.Attempt
}

// NewMemoryAttemptStore creates an empty MemoryAttemptStore.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{attempts: make(map[uuid.UUID]*model.Attempt)}
}

func (s *MemoryAttemptStore) Insert(ctx context.Context, a *model.Attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.attempts {
		if existing.ExamID != a.ExamID || existing.StudentID != a.StudentID {
			continue
		}
		if !existing.IsCompleted || existing.AttemptNumber == a.AttemptNumber {
			return ErrActiveAttemptExists
		}
	}

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Version = 1
	s.attempts[a.ID] = a.Clone()
	return nil
}

func (s *MemoryAttemptStore) Get(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.attempts[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryAttemptStore) FindActive(ctx context.Context, key model.AttemptKey) (*model.Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.attempts {
		if a.ExamID == key.ExamID && a.StudentID == key.StudentID && !a.IsCompleted {
			return a.Clone(), nil
		}
	}
	return nil, ErrAttemptNotFound
}

func (s *MemoryAttemptStore) ListByKey(ctx context.Context, key model.AttemptKey) ([]*model.Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []*model.Attempt
	for _, a := range s.attempts {
		if a.ExamID == key.ExamID && a.StudentID == key.StudentID {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (s *MemoryAttemptStore) Update(ctx context.Context, a *model.Attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.attempts[a.ID]
	if !ok {
		return ErrAttemptNotFound
	}
	if cur.Version != a.Version {
		return ErrVersionConflict
	}

	a.Version++
	s.attempts[a.ID] = a.Clone()
	return nil
}

func (s *MemoryAttemptStore) ListFlagged(ctx context.Context, examID uuid.UUID) ([]*model.Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []*model.Attempt
	for _, a := range s.attempts {
		if a.ExamID == examID && a.FlaggedForReview {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SecurityScore != out[j].SecurityScore {
			return out[i].SecurityScore > out[j].SecurityScore
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}
