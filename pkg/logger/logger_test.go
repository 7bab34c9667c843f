package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriterRollsOver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	w, err := NewRotatingWriter(path, 1, 2, 1)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	w.maxSize = 16
	defer w.Close()

	for _, line := range []string{"0123456789\n", "abcdefghij\n", "klmnopqrst\n"} {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if string(current) != "klmnopqrst\n" {
		t.Fatalf("unexpected current file: %q", current)
	}
	first, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(first) != "abcdefghij\n" {
		t.Fatalf("unexpected backup: %q", first)
	}
	if _, err := os.Stat(path + ".2"); err != nil {
		t.Fatalf("expected second backup: %v", err)
	}
}

func TestInitWritesToFileAndNamedAddsComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := Init(Config{Level: "info", Format: "json", OutputPaths: []string{path}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	Named("gateway").Info("activated", "group_id", "g-1")
	Named("gateway").Debug("hidden")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	text := string(content)
	if !strings.Contains(text, `"component":"gateway"`) || !strings.Contains(text, `"group_id":"g-1"`) {
		t.Fatalf("missing fields in %s", text)
	}
	if strings.Contains(text, "hidden") {
		t.Fatalf("debug line should be filtered: %s", text)
	}
}

func TestFromContextFallback(t *testing.T) {
	d := Discard()
	if got := FromContext(context.Background(), d); got != d {
		t.Fatalf("expected fallback logger")
	}
	ctx := WithContext(context.Background(), d)
	if got := FromContext(ctx, nil); got != d {
		t.Fatalf("expected context logger")
	}
}
