package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrMalformed marks model output that is not valid JSON or fails schema validation.
var ErrMalformed = errors.New("malformed llm output")

var validate = validator.New()

// Decode extracts the JSON object from model text into v and validates it.
// Markdown fences and prose around the object are tolerated.
func Decode(text string, v any) error {
	obj, ok := extractObject(text)
	if !ok {
		return fmt.Errorf("%w: no json object in output", ErrMalformed)
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func extractObject(text string) (string, bool) {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
