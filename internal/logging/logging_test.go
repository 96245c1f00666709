package logging_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/raysh454/deployproxy/internal/logging"
)

func TestStdoutLogger_WritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := logging.NewWriterLogger(&buf, "test")

	l.Info("hello", logging.Field{Key: "n", Value: 3}, logging.Field{Key: "error", Value: errors.New("boom")})

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if entry["level"] != "info" || entry["msg"] != "hello" || entry["component"] != "test" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	fields := entry["fields"].(map[string]any)
	if fields["error"] != "boom" {
		t.Errorf("expected error rendered as string, got %v", fields["error"])
	}
}

func TestStdoutLogger_WithComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := logging.NewWriterLogger(&buf, "root")

	child := l.With(logging.Field{Key: "component", Value: "provider"}, logging.Field{Key: "site", Value: "blog"})
	child.Warn("x")

	out := buf.String()
	if !strings.Contains(out, `"component":"provider"`) {
		t.Errorf("expected child component, got %s", out)
	}
	if !strings.Contains(out, `"site":"blog"`) {
		t.Errorf("expected persistent field, got %s", out)
	}
}
