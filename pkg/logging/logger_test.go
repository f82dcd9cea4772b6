package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := WithDevice(WithComponent(NewWithWriter(&buf, "warn", "json"), "legacy-adapter"), "foh")

	logger.Info().Msg("dropped")
	logger.Warn().Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("entry: %v", err)
	}
	if entry["component"] != "legacy-adapter" || entry["device_id"] != "foh" || entry["message"] != "kept" {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewWithWriterDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "bogus", "console")

	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("output = %q", out)
	}
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("console format produced JSON: %q", out)
	}
}
