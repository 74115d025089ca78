package model

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

type IntentCategory string

const (
	IntentBooking      IntentCategory = "booking"
	IntentModification IntentCategory = "modification"
	IntentAvailability IntentCategory = "availability"
	IntentInformation  IntentCategory = "information"
	IntentGeneral      IntentCategory = "general"
)

// IntentCategories lists all categories in a stable order.
var IntentCategories = []IntentCategory{
	IntentBooking,
	IntentModification,
	IntentAvailability,
	IntentInformation,
	IntentGeneral,
}

// Validate checks if the category is valid
func (c IntentCategory) Validate() error {
	for _, v := range IntentCategories {
		if c == v {
			return nil
		}
	}
	return goerr.Wrap(ErrClassificationMalformed, "unknown intent category", goerr.V("category", c))
}

// IntentClassification is the result of classifying one inbound message.
type IntentClassification struct {
	Category   IntentCategory `json:"category"`
	Confidence float64        `json:"confidence"`
	Entities   []string       `json:"entities,omitempty"`
	Summary    string         `json:"summary,omitempty"`

	// Fallback is set when the classification came from keyword matching
	// instead of the model.
	Fallback bool `json:"-"`
}

type rawClassification struct {
	Category   *string         `json:"category"`
	Confidence json.RawMessage `json:"confidence"`
	Entities   []string        `json:"entities"`
	Summary    string          `json:"summary"`
}

// ParseIntentClassification decodes raw classifier output. It returns
// ErrClassificationMalformed when the category is missing or unknown, or
// when the confidence is not a finite number.
func ParseIntentClassification(raw string) (*IntentClassification, error) {
	body := stripCodeFence(raw)
	if body == "" {
		return nil, goerr.Wrap(ErrClassificationMalformed, "empty classifier output")
	}

	var r rawClassification
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, goerr.Wrap(ErrClassificationMalformed, "classifier output is not JSON",
			goerr.V("raw", raw), goerr.V("error", err.Error()))
	}

	if r.Category == nil || strings.TrimSpace(*r.Category) == "" {
		return nil, goerr.Wrap(ErrClassificationMalformed, "category is missing", goerr.V("raw", raw))
	}
	category := IntentCategory(strings.ToLower(strings.TrimSpace(*r.Category)))
	if err := category.Validate(); err != nil {
		return nil, err
	}

	confidence, err := parseConfidence(r.Confidence)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid confidence", goerr.V("raw", raw))
	}

	return &IntentClassification{
		Category:   category,
		Confidence: ClampImportance(confidence),
		Entities:   r.Entities,
		Summary:    r.Summary,
	}, nil
}

func parseConfidence(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, goerr.Wrap(ErrClassificationMalformed, "confidence is missing")
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}

	// Some models quote numbers. ParseFloat also accepts "NaN" and "Inf".
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f, nil
		}
	}

	return 0, goerr.Wrap(ErrClassificationMalformed, "confidence is not numeric", goerr.V("confidence", string(raw)))
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
