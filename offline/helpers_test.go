package offline

import (
	"encoding/json"
	"testing"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func containsCategory(payload json.RawMessage, category string) bool {
	var body struct {
		Category string `json:"category"`
	}
	return json.Unmarshal(payload, &body) == nil && body.Category == category
}
