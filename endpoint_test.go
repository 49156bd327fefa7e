package vstbridge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateEndpoint(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "MySynth.dll")

	endpoint, err := GenerateEndpoint(image)
	if err != nil {
		t.Fatalf("GenerateEndpoint: %v", err)
	}

	if filepath.Dir(endpoint) != dir {
		t.Errorf("endpoint %s not next to the image", endpoint)
	}
	base := filepath.Base(endpoint)
	if !strings.HasPrefix(base, "vstbridge-MySynth-") || !strings.HasSuffix(base, ".sock") {
		t.Errorf("endpoint name %s lacks the expected shape", base)
	}
	if _, err := os.Lstat(endpoint); !os.IsNotExist(err) {
		t.Errorf("endpoint path %s already exists", endpoint)
	}
}

func TestGenerateEndpointAvoidsCollisions(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "Plugin.dll")

	seen := map[string]bool{}
	for i := 0; i < 16; i++ {
		endpoint, err := GenerateEndpoint(image)
		if err != nil {
			t.Fatal(err)
		}
		if seen[endpoint] {
			t.Fatalf("endpoint %s produced twice", endpoint)
		}
		seen[endpoint] = true
		// Claim the path so the next call must pick a different one.
		if err := os.WriteFile(endpoint, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestGroupEndpointDeterministic(t *testing.T) {
	a := GroupEndpoint("/tmp", "synths", "/home/user/.prefix", Arch64)
	b := GroupEndpoint("/tmp", "synths", "/home/user/.prefix", Arch64)
	if a != b {
		t.Fatalf("same inputs gave %s and %s", a, b)
	}
	if !strings.Contains(filepath.Base(a), "vstbridge-group-synths-") {
		t.Errorf("group socket name %s lacks the group", a)
	}
}

func TestGroupEndpointDiverges(t *testing.T) {
	base := GroupEndpoint("/tmp", "synths", "/home/user/.prefix", Arch64)

	tests := []struct {
		name string
		got  string
	}{
		{"different group", GroupEndpoint("/tmp", "effects", "/home/user/.prefix", Arch64)},
		{"different prefix", GroupEndpoint("/tmp", "synths", "/home/user/.other", Arch64)},
		{"different architecture", GroupEndpoint("/tmp", "synths", "/home/user/.prefix", Arch32)},
	}
	for _, tt := range tests {
		if tt.got == base {
			t.Errorf("%s still mapped to %s", tt.name, base)
		}
	}
}

func TestSessionName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/plugins/vstbridge-MySynth-0a1b2c3d.sock", "MySynth-0a1b2c3d"},
		{"/tmp/vstbridge-group-synths-feedface-64.sock", "group-synths-feedface-64"},
		{"/tmp/plain.sock", "plain"},
	}
	for _, tt := range tests {
		if got := SessionName(tt.path); got != tt.want {
			t.Errorf("SessionName(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
