package router

import (
	"strings"

	"github.com/m-mizutani/carebot/pkg/model"
)

var keywordRules = []struct {
	category   model.IntentCategory
	confidence float64
	words      []string
}{
	{model.IntentBooking, 0.8, []string{"book", "schedule", "appointment"}},
	{model.IntentAvailability, 0.8, []string{"available", "when", "time"}},
	{model.IntentInformation, 0.8, []string{"doctor", "information", "tell me"}},
}

const generalConfidence = 0.6

// ClassifyByKeyword classifies message by substring rules evaluated in a
// fixed order. The first matching rule wins.
func ClassifyByKeyword(message string) *model.IntentClassification {
	lower := strings.ToLower(message)
	for _, rule := range keywordRules {
		for _, w := range rule.words {
			if strings.Contains(lower, w) {
				return &model.IntentClassification{
					Category:   rule.category,
					Confidence: rule.confidence,
					Fallback:   true,
				}
			}
		}
	}

	return &model.IntentClassification{
		Category:   model.IntentGeneral,
		Confidence: generalConfidence,
		Fallback:   true,
	}
}
