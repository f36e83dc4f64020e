package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session/internal/model"
)

var (
	// ErrAttemptNotFound is returned when no attempt matches the lookup.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrVersionConflict is returned by Update when the stored version moved on.
	ErrVersionConflict = errors.New("attempt version conflict")
	// ErrActiveAttemptExists is returned by Insert when the key already has an
	// incomplete attempt or the attempt number is taken.
	ErrActiveAttemptExists = errors.New("an incomplete attempt already exists")
)

// AttemptStore persists attempts. Implementations must make Update a
// compare-and-set on Version and must keep at most one incomplete attempt per key.
type AttemptStore interface {
	// Insert stores a new attempt and sets its ID and Version.
	Insert(ctx context.Context, a *model.Attempt) error
	// Get returns a copy of the attempt with the given id.
	Get(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	// FindActive returns the incomplete attempt for key, or ErrAttemptNotFound.
	FindActive(ctx context.Context, key model.AttemptKey) (*model.Attempt, error)
	// ListByKey returns every attempt for key ordered by attempt number.
	ListByKey(ctx context.Context, key model.AttemptKey) ([]*model.Attempt, error)
	// Update writes a if its Version still matches the stored one, then bumps
	// a.Version. It returns ErrVersionConflict otherwise.
	Update(ctx context.Context, a *model.Attempt) error
	// ListFlagged returns the attempts of an exam flagged for review.
	ListFlagged(ctx context.Context, examID uuid.UUID) ([]*model.Attempt, error)
}
