package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

const repairJSONPromptTemplate = `The following text was supposed to be valid JSON but failed to parse.
Fix it and respond with only the corrected JSON, nothing else.

%s`

// RepairJSON asks the model to fix malformed JSON it produced earlier.
// Tried once per caller; a second failure is treated as unrecoverable
// by the caller rather than looping here.
func (c *Client) RepairJSON(ctx context.Context, broken string) (string, error) {
	prompt := fmt.Sprintf(repairJSONPromptTemplate, truncate(broken, 2000))
	text, err := c.generate(ctx, prompt)
	if err != nil {
		return "", err
	}

	for _, delims := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		candidate := extractJSON(text, delims[0], delims[1])
		if candidate == "" {
			continue
		}
		var probe json.RawMessage
		if json.Unmarshal([]byte(candidate), &probe) == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("llm: repair did not produce valid json")
}

// parseWithRepair tries to parse text as JSON directly, and on
// failure asks the model to repair it once before giving up. Text
// with no JSON span at all is not sent for repair.
func (c *Client) parseWithRepair(ctx context.Context, text string, open, close byte, out any) error {
	candidate := extractJSON(text, open, close)
	if candidate != "" && json.Unmarshal([]byte(candidate), out) == nil {
		return nil
	}

	if candidate == "" {
		return fmt.Errorf("llm: no json span found in response")
	}

	c.log.InfoContext(ctx, "attempting json repair")
	repaired, err := c.RepairJSON(ctx, candidate)
	if err != nil {
		return fmt.Errorf("llm: repair failed: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("llm: repaired json still invalid: %w", err)
	}
	return nil
}
