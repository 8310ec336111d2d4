package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a.las", []string{"a.las"}},
		{"a.las, b.las,,c.las ", []string{"a.las", "b.las", "c.las"}},
		{" , ", nil},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, splitList(tt.in)); diff != "" {
			t.Errorf("splitList(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if cfg.GetMaxIterations() != 500 {
		t.Errorf("expected default max iterations, got %d", cfg.GetMaxIterations())
	}

	path := filepath.Join(t.TempDir(), "reg.json")
	if err := os.WriteFile(path, []byte(`{"max_iterations": 40, "match_only_keypoints": true}`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err = loadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GetMaxIterations() != 40 || !cfg.GetMatchOnlyKeypoints() {
		t.Errorf("unexpected config: %+v", cfg)
	}

	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing config")
	}
}

func TestRun_RequiresInputs(t *testing.T) {
	ctx := context.Background()

	err := run(ctx, options{ambient: []string{"scan.las"}})
	if err == nil || !strings.Contains(err.Error(), "-reference") {
		t.Errorf("expected -reference error, got %v", err)
	}

	err = run(ctx, options{reference: "map.las"})
	if err == nil || !strings.Contains(err.Error(), "-ambient") {
		t.Errorf("expected -ambient error, got %v", err)
	}
}

func TestRun_BadReference(t *testing.T) {
	dir := t.TempDir()
	err := run(context.Background(), options{
		reference: filepath.Join(dir, "map.pcd"),
		ambient:   []string{filepath.Join(dir, "scan.las")},
	})
	if err == nil || !strings.Contains(err.Error(), "read reference") {
		t.Errorf("expected reference read error, got %v", err)
	}
}

func TestRun_BadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reg.json")
	if err := os.WriteFile(path, []byte(`{"max_iterations": -1}`), 0644); err != nil {
		t.Fatal(err)
	}
	err := run(context.Background(), options{
		configFile: path,
		reference:  filepath.Join(dir, "map.las"),
		ambient:    []string{filepath.Join(dir, "scan.las")},
	})
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Errorf("expected config error, got %v", err)
	}
}
