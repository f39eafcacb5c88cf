package testutil

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
)

func TestWriteFileAndMustReadFile(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "output.json")
	WriteFile(t, target, []byte(`{"ok":true}`))
	got := MustReadFile(t, target)
	if string(got) != `{"ok":true}` {
		t.Fatalf("unexpected file content: %q", string(got))
	}
}

func TestEventsJSONL(t *testing.T) {
	raw := EventsJSONL(t, SteadyScenario())
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"type":"JOINED"`) || !strings.Contains(lines[1], `"type":"LEFT"`) {
		t.Fatalf("unexpected lines %q", lines)
	}
}

func TestRejoinScenarioShape(t *testing.T) {
	events := RejoinScenario()
	if len(events) != 34 {
		t.Fatalf("expected 34 events, got %d", len(events))
	}
	var active, idle int
	var last time.Time
	for _, event := range events {
		switch event.Type {
		case schema.EventActive:
			active++
		case schema.EventIdle:
			idle++
		}
		if event.Timestamp.After(last) {
			last = event.Timestamp
		}
	}
	if active != 14 || idle != 16 {
		t.Fatalf("unexpected heartbeat counts active=%d idle=%d", active, idle)
	}
	if !last.Equal(ScenarioStart.Add(15 * time.Minute)) {
		t.Fatalf("unexpected last timestamp %s", last)
	}
}
