package worker

import (
	"bytes"
	"encoding/json"
	"errors"
)

// bodyResult is the structured report a job body prints on stdout.
//
// Contract: the last line of stdout that is a complete JSON object is the
// result; everything before it is free-form progress output. Success requires
// both exit code 0 and "success": true.
type bodyResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

var errNoResult = errors.New("no JSON result object on stdout")

// parseResult scans stdout lines in reverse for the result object. Browser
// automation tools tend to chat on stdout, so only the trailing object counts.
func parseResult(stdout []byte) (bodyResult, error) {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' || line[len(line)-1] != '}' {
			continue
		}
		var res bodyResult
		if err := json.Unmarshal(line, &res); err != nil {
			continue
		}
		return res, nil
	}
	return bodyResult{}, errNoResult
}
