package model_test

import (
	"errors"
	"math"
	"testing"

	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/gt"
)

func TestParseIntentClassification(t *testing.T) {
	testCases := []struct {
		name       string
		raw        string
		category   model.IntentCategory
		confidence float64
		malformed  bool
	}{
		{name: "plain", raw: `{"category":"booking","confidence":0.9}`, category: model.IntentBooking, confidence: 0.9},
		{name: "quoted confidence", raw: `{"category":"availability","confidence":"0.7"}`, category: model.IntentAvailability, confidence: 0.7},
		{name: "mixed case category", raw: `{"category":" Information ","confidence":0.5}`, category: model.IntentInformation, confidence: 0.5},
		{name: "code fence", raw: "```json\n{\"category\":\"general\",\"confidence\":0.4}\n```", category: model.IntentGeneral, confidence: 0.4},
		{name: "confidence above one", raw: `{"category":"booking","confidence":1.5}`, category: model.IntentBooking, confidence: 1},
		{name: "negative confidence", raw: `{"category":"booking","confidence":-0.2}`, category: model.IntentBooking, confidence: 0},
		{name: "missing category", raw: `{"confidence":0.9}`, malformed: true},
		{name: "blank category", raw: `{"category":"  ","confidence":0.9}`, malformed: true},
		{name: "unknown category", raw: `{"category":"billing","confidence":0.9}`, malformed: true},
		{name: "word confidence", raw: `{"category":"booking","confidence":"high"}`, malformed: true},
		{name: "null confidence", raw: `{"category":"booking","confidence":null}`, malformed: true},
		{name: "missing confidence", raw: `{"category":"booking"}`, malformed: true},
		{name: "NaN confidence", raw: `{"category":"booking","confidence":"NaN"}`, malformed: true},
		{name: "infinite confidence", raw: `{"category":"booking","confidence":"Inf"}`, malformed: true},
		{name: "negative infinite confidence", raw: `{"category":"booking","confidence":"-Infinity"}`, malformed: true},
		{name: "not JSON", raw: `booking, probably`, malformed: true},
		{name: "empty", raw: "  ", malformed: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := model.ParseIntentClassification(tc.raw)
			if tc.malformed {
				gt.True(t, errors.Is(err, model.ErrClassificationMalformed))
				gt.Nil(t, got)
				return
			}

			gt.NoError(t, err)
			gt.Equal(t, got.Category, tc.category)
			gt.True(t, math.Abs(got.Confidence-tc.confidence) < 1e-9)
			gt.False(t, got.Fallback)
		})
	}
}

func TestClampImportance(t *testing.T) {
	testCases := []struct {
		name string
		in   float64
		want float64
	}{
		{"in range", 0.3, 0.3},
		{"zero", 0, 0},
		{"one", 1, 1},
		{"below", -3, 0},
		{"above", 7, 1},
		{"NaN", math.NaN(), 0},
		{"positive infinity", math.Inf(1), 1},
		{"negative infinity", math.Inf(-1), 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gt.Equal(t, model.ClampImportance(tc.in), tc.want)
		})
	}
}

func TestFinite(t *testing.T) {
	gt.True(t, model.Finite(nil))
	gt.True(t, model.Finite([]float32{0, -1, 1e30}))
	gt.False(t, model.Finite([]float32{1, float32(math.NaN())}))
	gt.False(t, model.Finite([]float32{float32(math.Inf(-1))}))
}
