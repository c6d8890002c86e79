package logutil

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"
)

func TestTextLevels(t *testing.T) {
	SetJSON(false)
	var buf bytes.Buffer
	l := log.New(&buf, "", 0)
	Warnf(l, "dropped %d", 3)
	if got := buf.String(); got != "WARN dropped 3\n" {
		t.Fatalf("unexpected line %q", got)
	}
}

func TestDebugGated(t *testing.T) {
	SetJSON(false)
	var buf bytes.Buffer
	l := log.New(&buf, "", 0)
	SetDebug(false)
	Debugf(l, "hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line emitted while disabled: %q", buf.String())
	}
	SetDebug(true)
	defer SetDebug(false)
	Debugf(l, "shown")
	if !strings.HasPrefix(buf.String(), "DEBUG shown") {
		t.Fatalf("debug line missing: %q", buf.String())
	}
}

func TestJSONMode(t *testing.T) {
	SetJSON(true)
	defer SetJSON(false)
	var buf bytes.Buffer
	l := log.New(&buf, "", 0)
	Errorf(l, "boom %s", "x")
	var evt map[string]any
	if err := json.Unmarshal(buf.Bytes(), &evt); err != nil {
		t.Fatalf("not json: %v (%q)", err, buf.String())
	}
	if evt["level"] != "error" || evt["msg"] != "boom x" {
		t.Fatalf("unexpected event %#v", evt)
	}
}
