package llm

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"text/template"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

//go:embed prompt/classify.md
var classifyPromptRaw string

var classifyPromptTmpl = template.Must(template.New("classify").Parse(classifyPromptRaw))

// ClassificationSchema describes the JSON object expected from ClassifyIntent.
func ClassificationSchema() *jsonschema.Schema {
	categories := make([]any, 0, len(model.IntentCategories))
	for _, c := range model.IntentCategories {
		categories = append(categories, string(c))
	}

	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"category": {
				Type:        "string",
				Description: "Intent category of the message",
				Enum:        categories,
			},
			"confidence": {
				Type:        "number",
				Description: "Confidence between 0 and 1",
			},
			"entities": {
				Type:        "array",
				Description: "Specialties, doctor names, dates or times in the message",
				Items:       &jsonschema.Schema{Type: "string"},
			},
			"summary": {
				Type:        "string",
				Description: "One sentence summary of the request",
			},
		},
		Required: []string{"category", "confidence"},
	}
}

func buildClassifyPrompt(message, priorContext string) (string, error) {
	schema, err := json.MarshalIndent(ClassificationSchema(), "", "  ")
	if err != nil {
		return "", goerr.Wrap(err, "failed to marshal classification schema")
	}

	var buf bytes.Buffer
	if err := classifyPromptTmpl.Execute(&buf, map[string]string{
		"Schema":       string(schema),
		"PriorContext": priorContext,
		"Message":      message,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to render classify prompt")
	}
	return buf.String(), nil
}

// convertJSONSchemaToGenai converts JSON Schema to Gemini genai.Schema
func convertJSONSchemaToGenai(schema *jsonschema.Schema) (*genai.Schema, error) {
	if schema == nil {
		return nil, nil
	}

	out := &genai.Schema{
		Description: schema.Description,
		Required:    schema.Required,
	}

	switch schema.Type {
	case "object":
		out.Type = genai.TypeObject
	case "string":
		out.Type = genai.TypeString
	case "number":
		out.Type = genai.TypeNumber
	case "integer":
		out.Type = genai.TypeInteger
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
	case "":
	default:
		return nil, goerr.New("unsupported schema type", goerr.V("type", schema.Type))
	}

	for _, v := range schema.Enum {
		if s, ok := v.(string); ok {
			out.Enum = append(out.Enum, s)
		}
	}

	if len(schema.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(schema.Properties))
		for name, prop := range schema.Properties {
			converted, err := convertJSONSchemaToGenai(prop)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to convert property schema", goerr.V("property", name))
			}
			out.Properties[name] = converted
		}
	}

	if schema.Items != nil {
		converted, err := convertJSONSchemaToGenai(schema.Items)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to convert items schema")
		}
		out.Items = converted
	}

	return out, nil
}

// BuildClassifyPromptForTest is a test helper that exposes buildClassifyPrompt
func BuildClassifyPromptForTest(message, priorContext string) (string, error) {
	return buildClassifyPrompt(message, priorContext)
}

// ConvertJSONSchemaToGenaiForTest is a test helper that exposes convertJSONSchemaToGenai
func ConvertJSONSchemaToGenaiForTest(schema *jsonschema.Schema) (*genai.Schema, error) {
	return convertJSONSchemaToGenai(schema)
}
