package vstbridge

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigForNoFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfigFor(filepath.Join(dir, "plugin.so"))
	if err != nil {
		t.Fatalf("LoadConfigFor: %v", err)
	}
	if cfg.Group != "" || cfg.MatchedFile != "" {
		t.Errorf("missing file should yield defaults, got %+v", cfg)
	}
}

func TestLoadConfigForMatching(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, `
["synths/*.so"]
group = "synths"

["effects"]
group = "effects"
`)
	if err := os.MkdirAll(filepath.Join(dir, "synths"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "effects", "nested"), 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		proxyPath   string
		wantGroup   string
		wantPattern string
	}{
		{
			name:        "glob match",
			proxyPath:   filepath.Join(dir, "synths", "bass.so"),
			wantGroup:   "synths",
			wantPattern: "synths/*.so",
		},
		{
			name:        "directory pattern covers nested plugins",
			proxyPath:   filepath.Join(dir, "effects", "nested", "reverb.so"),
			wantGroup:   "effects",
			wantPattern: "effects",
		},
		{
			name:      "no pattern matches",
			proxyPath: filepath.Join(dir, "standalone.so"),
			wantGroup: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfigFor(tt.proxyPath)
			if err != nil {
				t.Fatalf("LoadConfigFor: %v", err)
			}
			if cfg.Group != tt.wantGroup {
				t.Errorf("group = %q, want %q", cfg.Group, tt.wantGroup)
			}
			if cfg.MatchedPattern != tt.wantPattern {
				t.Errorf("pattern = %q, want %q", cfg.MatchedPattern, tt.wantPattern)
			}
			if tt.wantGroup != "" && cfg.MatchedFile != configPath {
				t.Errorf("matched file = %q, want %q", cfg.MatchedFile, configPath)
			}
		})
	}
}

func TestLoadConfigForFirstPatternWins(t *testing.T) {
	dir := t.TempDir()
	// Both patterns match; the lexically first one must win every time.
	writeConfig(t, dir, `
["plugins/*"]
group = "broad"

["plugins/special.so"]
group = "narrow"
`)
	if err := os.MkdirAll(filepath.Join(dir, "plugins"), 0o755); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		cfg, err := LoadConfigFor(filepath.Join(dir, "plugins", "special.so"))
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Group != "broad" {
			t.Fatalf("run %d picked %q, matching is not deterministic", i, cfg.Group)
		}
	}
}

func TestLoadConfigForDominatingFile(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, root, `
["a/b/c/*.so"]
group = "deep"
`)
	// A closer config file shadows the one above it.
	writeConfig(t, filepath.Join(root, "a"), `
["b/c/*.so"]
group = "closer"
`)

	cfg, err := LoadConfigFor(filepath.Join(nested, "plugin.so"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Group != "closer" {
		t.Errorf("group = %q, want the closest config file to win", cfg.Group)
	}
}

func TestLoadConfigForParseError(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `this is not valid toml [[[`)

	if _, err := LoadConfigFor(filepath.Join(dir, "plugin.so")); err == nil {
		t.Fatal("a syntax error must not be silently ignored")
	}
}
