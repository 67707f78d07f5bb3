package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"warden.dev/internal/migrate"
)

func TestPrintStatus(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var buf bytes.Buffer
	err := printStatus(&buf, []migrate.Status{
		{Name: "0001_init", Applied: true, AppliedAt: &at},
		{Name: "0002_next"},
	})
	if err != nil {
		t.Fatalf("printStatus: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "0001_init") || !strings.Contains(out, "2026-01-02T03:04:05Z") {
		t.Fatalf("applied row missing: %q", out)
	}
	if !strings.Contains(out, "0002_next") || !strings.Contains(out, "pending") {
		t.Fatalf("pending row missing: %q", out)
	}
}

func TestSweepRequiresTask(t *testing.T) {
	var buf bytes.Buffer
	root := newRootCommand(&buf)
	root.SetArgs([]string{"sweep"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected an argument error")
	}
}

func TestCommandTree(t *testing.T) {
	root := newRootCommand(&bytes.Buffer{})
	for _, path := range [][]string{{"migrate", "up"}, {"migrate", "down"}, {"migrate", "status"}, {"bootstrap"}, {"sweep"}} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Fatalf("command %v not found: %v", path, err)
		}
	}
}
