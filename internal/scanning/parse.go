package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// parsePayload extracts the JSON object from a model response. It does not
// validate the shape; that is the reconciler's job.
func parsePayload(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)

	// Remove markdown code blocks if present
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	text = text[startIdx : endIdx+1]

	// json.Number keeps large or precise amounts exactly as the model wrote them
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	return payload, nil
}
