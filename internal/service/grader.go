package service

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// AnswerKeyGrader grades by exact match against the exam's answer key.
// Questions without a key answer (essays) are left for manual review and do
// not count toward the maximum.
type AnswerKeyGrader struct {
	exams ExamProvider
}

// NewAnswerKeyGrader creates a new AnswerKeyGrader.
func NewAnswerKeyGrader(exams ExamProvider) *AnswerKeyGrader {
	return &AnswerKeyGrader{exams: exams}
}

func (g *AnswerKeyGrader) Grade(ctx context.Context, examID uuid.UUID, answers map[string]string) (GradeResult, error) {
	key, err := g.exams.GetAnswerKey(ctx, examID)
	if err != nil {
		return GradeResult{}, fmt.Errorf("get answer key: %w", err)
	}

	var score, maxScore float64
	for qID, entry := range key {
		want := strings.TrimSpace(entry.Answer)
		if want == "" {
			continue
		}
		maxScore += entry.Points
		if got, ok := answers[qID]; ok && strings.TrimSpace(got) == want {
			score += entry.Points
		}
	}

	var pct float64
	if maxScore > 0 {
		pct = round2(score / maxScore * 100)
	}
	return GradeResult{Score: round2(score), Percentage: pct}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
