package obs

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestConfigureEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	prev := Configure("info", "json", &buf)
	defer Restore(prev)

	Logger().Debug("hidden")
	Logger().Info("visible", zap.String("request_id", "req-1"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	for _, key := range []string{"ts", "level", "msg", "service", "request_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in %v", key, entry)
		}
	}
	if entry["msg"] != "visible" {
		t.Fatalf("unexpected msg: %v", entry["msg"])
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("WARNING").String() != "warn" {
		t.Fatalf("expected warn level")
	}
	if parseLevel("bogus").String() != "info" {
		t.Fatalf("expected info fallback")
	}
}
