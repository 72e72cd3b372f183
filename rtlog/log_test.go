package rtlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/joeycumines/logiface"
)

func TestLogger_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, logiface.LevelTrace)

	lg.Info().Str("component", "cache").Int("keys", 3).Log("prune pass complete")

	line := strings.TrimSpace(buf.String())
	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		t.Fatalf("output is not one JSON object: %v\n%s", err, line)
	}
	if fields["msg"] != "prune pass complete" {
		t.Fatalf("msg = %v, want %q", fields["msg"], "prune pass complete")
	}
	if fields["component"] != "cache" {
		t.Fatalf("component = %v, want cache", fields["component"])
	}
	if fields["keys"] != float64(3) {
		t.Fatalf("keys = %v, want 3", fields["keys"])
	}
}

func TestLogger_ErrAttachesError(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, logiface.LevelTrace)

	lg.Err().Err(errors.New("boom")).Log("backend wait failed")

	if out := buf.String(); !strings.Contains(out, "boom") {
		t.Fatalf("error value missing from output: %s", out)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, logiface.LevelError)

	lg.Debug().Log("filtered")
	if buf.Len() != 0 {
		t.Fatalf("debug line emitted below the configured level: %s", buf.String())
	}
	lg.Err().Log("kept")
	if buf.Len() == 0 {
		t.Fatal("error line suppressed at its own level")
	}
}

func TestLogger_NilAndDiscardAreSafe(t *testing.T) {
	var lg *Logger
	lg.Info().Str("k", "v").Log("no-op on nil logger")

	Discard().Warning().Int("n", 1).Log("no-op on discard logger")
}
