package memory

import (
	"math"
	"unicode/utf8"

	"github.com/m-mizutani/carebot/pkg/model"
)

// CosineSimilarity returns the cosine of the angle between a and b. It
// returns 0 when the lengths differ, either vector has zero magnitude or the
// result is not finite.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if math.IsNaN(sim) || math.IsInf(sim, 0) {
		return 0
	}
	// rounding can push identical vectors slightly past 1
	return math.Max(-1, math.Min(1, sim))
}

const (
	importanceBase        = 0.5
	importanceUserAuthor  = 0.2
	importanceBooking     = 0.3
	importanceInquiry     = 0.2
	importanceLongContent = 0.1
	longContentThreshold  = 100
)

type ImportanceInput struct {
	Role     model.Role
	Category model.IntentCategory
	Content  string
}

// Importance scores how valuable a memory is for later recall.
func Importance(input ImportanceInput) float64 {
	score := importanceBase

	if input.Role == model.RoleUser {
		score += importanceUserAuthor
	}

	switch input.Category {
	case model.IntentBooking, model.IntentModification:
		score += importanceBooking
	case model.IntentAvailability, model.IntentInformation:
		score += importanceInquiry
	}

	if utf8.RuneCountInString(input.Content) > longContentThreshold {
		score += importanceLongContent
	}

	return model.ClampImportance(score)
}
