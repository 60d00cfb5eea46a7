package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewJSONFormatIncludesComponent(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Component: "engine", Output: &buf})

	log.WithField("round_id", 7).Info("round opened")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["component"] != "engine" {
		t.Fatalf("expected component engine, got %v", line["component"])
	}
	if line["round_id"] != float64(7) {
		t.Fatalf("expected round_id 7, got %v", line["round_id"])
	}
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "loud", Output: &buf})

	log.Debug("hidden")
	log.Info("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("info line missing: %s", out)
	}
}

func TestNamedOverridesComponent(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Format: "json", Component: "app", Output: &buf}).Named("watchdog")

	log.Warn("tick")

	if !strings.Contains(buf.String(), `"component":"watchdog"`) {
		t.Fatalf("expected watchdog component, got %s", buf.String())
	}
}
