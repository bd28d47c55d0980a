package analyzer

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vsavkov/codegraph/internal/model"
)

//go:embed analysis_schema.json
var analysisSchemaJSON string

var analysisSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("analysis_schema.json", strings.NewReader(analysisSchemaJSON)); err != nil {
		panic(err)
	}
	s, err := c.Compile("analysis_schema.json")
	if err != nil {
		panic(err)
	}
	return s
}

// ErrInvalidJSON marks a response the sanitizer could not turn into JSON.
var ErrInvalidJSON = errors.New("invalid json")

// ErrSchemaValidation marks parseable JSON that violates the response schema
// or the closed entity/relationship vocabulary.
var ErrSchemaValidation = errors.New("schema validation failed")

// ParseOutput sanitizes and validates one raw LLM response body, returning
// the decoded analysis. Errors wrap ErrInvalidJSON or ErrSchemaValidation so
// the retry loop can choose the right correction prompt.
func ParseOutput(raw string) (*model.FileAnalysis, error) {
	cleaned := Sanitize(raw)

	var generic any
	if err := json.Unmarshal([]byte(cleaned), &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if err := analysisSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}

	var analysis model.FileAnalysis
	if err := json.Unmarshal([]byte(cleaned), &analysis); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if err := analysis.CheckAllowLists(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	return &analysis, nil
}
