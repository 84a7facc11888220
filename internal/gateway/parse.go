package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// stripFence removes a wrapping markdown code fence from model output.
// Backends are asked for bare JSON but some still wrap it; everything the
// model returns is untrusted text until it survives a strict parse.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// Drop the language tag on the opening fence line, if any.
		if strings.TrimSpace(s[:i]) != "" && !strings.HasPrefix(strings.TrimSpace(s[:i]), "{") {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// decodeExtraction parses an extraction reply. Missing key, empty object and
// whitespace-only descriptions all mean "no relation found"; anything that
// is not a JSON object with an optional string description is a schema
// violation.
func decodeExtraction(raw string) (string, bool, error) {
	body := stripFence(raw)
	if body == "" {
		return "", false, errors.New("empty response body")
	}
	var parsed struct {
		Description *string `json:"description"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return "", false, fmt.Errorf("parse extraction response: %w", err)
	}
	if parsed.Description == nil {
		return "", false, nil
	}
	desc := strings.TrimSpace(*parsed.Description)
	if desc == "" {
		return "", false, nil
	}
	return desc, true, nil
}

// decodeDriver parses a generation reply; the driver key must be a string.
func decodeDriver(raw string) (string, error) {
	body := stripFence(raw)
	if body == "" {
		return "", errors.New("empty response body")
	}
	var parsed struct {
		Driver *string `json:"driver"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return "", fmt.Errorf("parse driver response: %w", err)
	}
	if parsed.Driver == nil {
		return "", errors.New("driver response missing 'driver' key")
	}
	return *parsed.Driver, nil
}
