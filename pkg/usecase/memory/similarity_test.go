package memory_test

import (
	"math"
	"strings"
	"testing"

	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/usecase/memory"
	"github.com/m-mizutani/gt"
)

func TestCosineSimilarity(t *testing.T) {
	testCases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"length mismatch", []float32{1, 0, 0}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
		{"NaN component", []float32{float32(math.NaN()), 0}, []float32{1, 0}, 0},
		{"infinite component", []float32{float32(math.Inf(1)), 1}, []float32{1, 0}, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := memory.CosineSimilarity(tc.a, tc.b)
			gt.True(t, math.Abs(got-tc.want) < 1e-9)
		})
	}
}

func TestCosineSimilarityProperties(t *testing.T) {
	vectors := [][]float32{
		{0.1, 0.7, -0.3, 0.9},
		{-0.5, 0.2, 0.8, 0.1},
		{3, 1, 4, 1},
		{0.001, 0, 0, 0},
	}

	for _, a := range vectors {
		self := memory.CosineSimilarity(a, a)
		gt.True(t, math.Abs(self-1) < 1e-9)

		for _, b := range vectors {
			ab := memory.CosineSimilarity(a, b)
			ba := memory.CosineSimilarity(b, a)
			gt.True(t, math.Abs(ab-ba) < 1e-12)
			gt.True(t, ab >= -1 && ab <= 1)
		}
	}
}

func TestImportance(t *testing.T) {
	long := strings.Repeat("a", 101)
	exactly100 := strings.Repeat("a", 100)

	testCases := []struct {
		name  string
		input memory.ImportanceInput
		want  float64
	}{
		{"assistant general", memory.ImportanceInput{Role: model.RoleAssistant, Category: model.IntentGeneral, Content: "hi"}, 0.5},
		{"user general", memory.ImportanceInput{Role: model.RoleUser, Category: model.IntentGeneral, Content: "hi"}, 0.7},
		{"user booking", memory.ImportanceInput{Role: model.RoleUser, Category: model.IntentBooking, Content: "hi"}, 1.0},
		{"assistant modification", memory.ImportanceInput{Role: model.RoleAssistant, Category: model.IntentModification, Content: "hi"}, 0.8},
		{"assistant availability", memory.ImportanceInput{Role: model.RoleAssistant, Category: model.IntentAvailability, Content: "hi"}, 0.7},
		{"user information long", memory.ImportanceInput{Role: model.RoleUser, Category: model.IntentInformation, Content: long}, 1.0},
		{"assistant long", memory.ImportanceInput{Role: model.RoleAssistant, Category: model.IntentGeneral, Content: long}, 0.6},
		{"length boundary", memory.ImportanceInput{Role: model.RoleAssistant, Category: model.IntentGeneral, Content: exactly100}, 0.5},
		{"clamped", memory.ImportanceInput{Role: model.RoleUser, Category: model.IntentBooking, Content: long}, 1.0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := memory.Importance(tc.input)
			gt.True(t, math.Abs(got-tc.want) < 1e-9)
			gt.True(t, got >= 0 && got <= 1)
		})
	}
}
