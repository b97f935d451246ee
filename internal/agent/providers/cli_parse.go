package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// parseCLIOutput interprets subprocess stdout per the configured output
// mode. It returns nil with an error when no usable result is present.
func parseCLIOutput(config CLIProviderConfig, stdout string) (*Response, error) {
	switch config.Output {
	case "json":
		return parseCLIJSON(config, stdout)
	case "jsonl":
		return parseCLIJSONL(config, stdout)
	default:
		trimmed := strings.TrimSpace(stdout)
		if trimmed == "" {
			return nil, errors.New("empty output")
		}
		return &Response{Content: trimmed, StopReason: StopOK}, nil
	}
}

func parseCLIJSON(config CLIProviderConfig, stdout string) (*Response, error) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil, errors.New("empty output")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return nil, fmt.Errorf("invalid json output: %w", err)
	}
	return responseFromPayload(config, payload)
}

// parseCLIJSONL scans line-delimited JSON. A line carrying a complete
// result object wins; otherwise streamed fragments (text/content/
// delta.text per line) are concatenated into the answer. Session ids
// are picked up from any line.
func parseCLIJSONL(config CLIProviderConfig, stdout string) (*Response, error) {
	var last map[string]any
	var fragments strings.Builder
	sessionID := ""

	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			continue
		}
		if id := extractSessionID(config.SessionIDFields, payload); id != "" {
			sessionID = id
		}
		if frag, ok := streamFragment(payload); ok {
			fragments.WriteString(frag)
			continue
		}
		if _, ok := resultText(payload); ok {
			last = payload
		}
	}

	if last == nil {
		if fragments.Len() > 0 {
			return &Response{Content: fragments.String(), StopReason: StopOK, SessionID: sessionID}, nil
		}
		return nil, errors.New("no result object in jsonl output")
	}
	resp, err := responseFromPayload(config, last)
	if err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		resp.SessionID = sessionID
	}
	return resp, nil
}

// streamFragment extracts the incremental text a delta-streaming CLI
// emits per line: delta.text, delta.content, or a bare text/content
// field on a line with no result envelope.
func streamFragment(payload map[string]any) (string, bool) {
	if delta, ok := payload["delta"].(map[string]any); ok {
		for _, key := range []string{"text", "content"} {
			if s, ok := delta[key].(string); ok && s != "" {
				return s, true
			}
		}
		return "", false
	}
	for _, key := range []string{"result", "response", "message", "data"} {
		if _, ok := payload[key]; ok {
			return "", false
		}
	}
	for _, key := range []string{"text", "content"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func responseFromPayload(config CLIProviderConfig, payload map[string]any) (*Response, error) {
	text, ok := resultText(payload)
	if !ok {
		return nil, errors.New("no result field in output")
	}
	resp := &Response{
		Content:    text,
		StopReason: StopOK,
		SessionID:  extractSessionID(config.SessionIDFields, payload),
	}
	if isError, _ := payload["is_error"].(bool); isError {
		resp.StopReason = StopError
	}
	return resp, nil
}

// resultText probes the common field names CLIs use for their final
// answer, descending into object values so nested shapes such as
// data.result.text or an object-valued message resolve too.
func resultText(payload map[string]any) (string, bool) {
	return nestedResultText(payload, 0)
}

const maxResultDepth = 4

func nestedResultText(payload map[string]any, depth int) (string, bool) {
	if depth > maxResultDepth {
		return "", false
	}
	for _, key := range []string{"result", "content", "text", "response", "message", "data"} {
		switch value := payload[key].(type) {
		case string:
			if value != "" {
				return value, true
			}
		case map[string]any:
			if text, ok := nestedResultText(value, depth+1); ok {
				return text, true
			}
		}
	}
	return "", false
}

func extractSessionID(fields []string, payload map[string]any) string {
	if len(fields) == 0 {
		fields = []string{"session_id", "sessionId", "conversation_id"}
	}
	for _, field := range fields {
		if value, ok := payload[field].(string); ok && value != "" {
			return value
		}
	}
	return ""
}
