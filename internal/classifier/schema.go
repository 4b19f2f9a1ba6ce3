package classifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const responseSchema = `{
  "type": "object",
  "required": ["classification"],
  "properties": {
    "classification": {"type": "string"},
    "confidence": {"type": ["number", "string", "null"]},
    "reasoning": {"type": ["string", "null"]}
  }
}`

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("classification.json", strings.NewReader(responseSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("classification.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// answer is the JSON object the model is asked to return.
type answer struct {
	Classification string `json:"classification"`
	Confidence     any    `json:"confidence"`
	Reasoning      string `json:"reasoning"`
}

// parseAnswer strips code fences, validates the content, and decodes it.
func parseAnswer(schema *jsonschema.Schema, content string) (answer, error) {
	content = stripFences(content)
	var v any
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return answer{}, fmt.Errorf("decode content: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return answer{}, fmt.Errorf("content does not match schema: %w", err)
	}
	var a answer
	if err := json.Unmarshal([]byte(content), &a); err != nil {
		return answer{}, fmt.Errorf("unmarshal answer: %w", err)
	}
	return a, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
