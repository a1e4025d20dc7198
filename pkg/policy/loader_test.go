package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoaderReadsRegoAndJSON(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	if err := os.Mkdir(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	files := map[string]string{
		filepath.Join(dir, "a.rego"):    "# First policy\npackage a\n",
		filepath.Join(nested, "b.json"): `{"rego": "package b\n", "severity": "critical", "enabled": true}`,
		filepath.Join(dir, "notes.txt"): "ignored",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths([]string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}

	byName := map[string]Policy{}
	for _, p := range policies {
		byName[p.Name] = p
	}

	a, ok := byName["a"]
	if !ok {
		t.Fatal("Policy a not loaded")
	}
	if a.Description != "First policy" || a.Severity != SeverityWarning || !a.Enabled {
		t.Errorf("Unexpected policy a: %+v", a)
	}

	b, ok := byName["b"]
	if !ok {
		t.Fatal("Policy b not loaded")
	}
	if b.Severity != SeverityCritical || b.Source != filepath.Join(nested, "b.json") {
		t.Errorf("Unexpected policy b: %+v", b)
	}
}

func TestLoaderMissingPath(t *testing.T) {
	_, err := NewLoader(zerolog.Nop()).LoadFromPaths([]string{filepath.Join(t.TempDir(), "missing")})
	if err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestSeverityBlocking(t *testing.T) {
	for sev, want := range map[Severity]bool{
		SeverityInfo:     false,
		SeverityWarning:  false,
		SeverityError:    true,
		SeverityCritical: true,
	} {
		if got := sev.Blocking(); got != want {
			t.Errorf("%s.Blocking() = %v, want %v", sev, got, want)
		}
	}
}
