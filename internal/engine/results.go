package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// commandOutput is one entry of the stdout contract: a single object or
// an array of {name, value?, default?}.
type commandOutput struct {
	Name    string `json:"name"`
	Value   any    `json:"value"`
	Default any    `json:"default"`
}

// parseOutputs decodes a command's stdout per the output contract.
// Empty stdout is a bare success. Non-JSON stdout is returned as a
// plain message when plainOK is true (inline "command" steps); for
// script steps it is a contract violation.
func parseOutputs(stdout string, plainOK bool) ([]commandOutput, string, error) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil, "", nil
	}
	payload := jsonTail(trimmed)
	if payload == "" {
		if plainOK {
			return nil, trimmed, nil
		}
		return nil, "", fmt.Errorf("stdout is not valid JSON output: %q", truncate(trimmed, 200))
	}
	parsed := gjson.Parse(payload)
	var entries []commandOutput
	var err error
	if parsed.IsArray() {
		err = json.Unmarshal([]byte(payload), &entries)
	} else {
		var single commandOutput
		err = json.Unmarshal([]byte(payload), &single)
		entries = []commandOutput{single}
	}
	if err != nil {
		if plainOK {
			return nil, trimmed, nil
		}
		return nil, "", fmt.Errorf("decode command output: %w", err)
	}
	for _, entry := range entries {
		if entry.Name == "" {
			if plainOK {
				return nil, trimmed, nil
			}
			return nil, "", fmt.Errorf("command output entry is missing name: %q", truncate(payload, 200))
		}
	}
	return entries, "", nil
}

// jsonTail finds the last JSON object or array in noisy shell output.
// Scripts routinely echo progress before printing their JSON result;
// only the final document counts.
func jsonTail(out string) string {
	for _, open := range []byte{'[', '{'} {
		if idx := strings.IndexByte(out, open); idx >= 0 {
			candidate := out[idx:]
			if gjson.Valid(candidate) {
				return candidate
			}
		}
	}
	if gjson.Valid(out) && (strings.HasPrefix(out, "[") || strings.HasPrefix(out, "{")) {
		return out
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
