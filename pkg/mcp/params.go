package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeToolArguments decodes a provider tool-call arguments payload into the
// parameter map CallTool expects.
//
// Both provider surfaces serialize arguments as a JSON string and the models
// behind them emit an object for well-formed calls. Empty input means a
// no-parameter call. A bare JSON scalar or array still happens in the wild,
// so those are wrapped under "input" rather than dropped. Anything that does
// not parse as JSON is an error; the executor reports it back to the model as
// an error-text result.
func DecodeToolArguments(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}

	// UseNumber keeps large integer IDs intact through the re-marshal to the
	// MCP server.
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()

	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("arguments contain data after the JSON value")
	}

	switch v := decoded.(type) {
	case map[string]any:
		return v, nil
	case nil:
		return map[string]any{}, nil
	default:
		return map[string]any{"input": v}, nil
	}
}
