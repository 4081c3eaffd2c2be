package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const draftMarker = "\n\nDRAFT JSON:\n"

// WithDraft appends a draft answer to a prompt. Stages always send one so the
// offline client has something deterministic to return.
func WithDraft(prompt string, draft any) (string, error) {
	b, err := json.Marshal(draft)
	if err != nil {
		return "", fmt.Errorf("encode draft: %w", err)
	}
	return prompt + draftMarker + string(b), nil
}

// Offline answers every request with the draft embedded in the prompt. It is
// for local runs without model credentials.
type Offline struct{}

func (Offline) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i := strings.LastIndex(user, draftMarker)
	if i < 0 {
		return nil, fmt.Errorf("%w: offline client needs a draft for %s", ErrMalformedResponse, schemaName)
	}
	return ParseObject(user[i+len(draftMarker):])
}
