package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// readPayload decodes the payload argument: inline JSON, @file, or - for
// stdin. An empty argument yields an empty payload.
func readPayload(arg string, stdin io.Reader) (map[string]interface{}, error) {
	var data []byte
	switch {
	case arg == "":
		return map[string]interface{}{}, nil
	case arg == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload from stdin: %w", err)
		}
		data = b
	case strings.HasPrefix(arg, "@"):
		b, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read payload file: %w", err)
		}
		data = b
	default:
		data = []byte(arg)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]interface{}{}, nil
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return payload, nil
}
