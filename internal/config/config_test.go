package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/showlink/internal/connector"
	"github.com/danmuck/showlink/internal/testutil/testlog"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundles.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadDeclarations(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, `
[[bundle]]
name = " timer "
version = "^0.1.0"
replicants = ["running", "remaining", "running"]

[[bundle]]
name = "scoreboard"
version = "1.2.0"
`)
	decls, err := LoadDeclarations(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(decls) != 2 {
		t.Fatalf("expected 2 declarations, got %d", len(decls))
	}
	if decls[0].Name() != "timer" || decls[0].Range().String() != "^0.1.0" {
		t.Fatalf("unexpected first declaration: %s %s", decls[0].Name(), decls[0].Range())
	}
	if reps := decls[0].Replicants(); len(reps) != 2 || reps[0] != "remaining" {
		t.Fatalf("unexpected replicants: %v", reps)
	}
	if len(decls[1].Replicants()) != 0 {
		t.Fatalf("scoreboard declares no replicants")
	}
}

func TestLoadBundlesFileRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"missing name":    "[[bundle]]\nversion = \"^1.0.0\"\n",
		"missing version": "[[bundle]]\nname = \"timer\"\n",
		"empty replicant": "[[bundle]]\nname = \"timer\"\nversion = \"^1.0.0\"\nreplicants = [\"\"]\n",
		"duplicate":       "[[bundle]]\nname = \"timer\"\nversion = \"^1.0.0\"\n[[bundle]]\nname = \"timer\"\nversion = \"^2.0.0\"\n",
		"bad toml":        "[[bundle]\n",
	}
	for name, body := range cases {
		if _, err := LoadBundlesFile(writeFile(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := LoadBundlesFile(filepath.Join(t.TempDir(), "absent.toml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestDeclarationsRejectsBadRange(t *testing.T) {
	testlog.Start(t)
	_, err := Declarations([]BundleEntry{
		{Name: "timer", Version: "^0.1.0"},
		{Name: "scoreboard", Version: ">=1.0.0"},
	})
	if !errors.Is(err, connector.ErrInvalidBundle) {
		t.Fatalf("expected ErrInvalidBundle, got %v", err)
	}
	if !strings.Contains(err.Error(), "bundle[1]") {
		t.Fatalf("error should name the entry: %v", err)
	}
}

func TestWriteTemplate(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "bundles.toml")
	if err := WriteTemplate(path, "bundles", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "bundles", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := WriteTemplate(path, "bundles", true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	decls, err := LoadDeclarations(path)
	if err != nil {
		t.Fatalf("template must load: %v", err)
	}
	if len(decls) != 2 {
		t.Fatalf("unexpected template declarations: %d", len(decls))
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
