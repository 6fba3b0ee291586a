package ignore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPatternsMatchCommonJunk(t *testing.T) {
	m := New(nil)
	cases := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{".DS_Store", false, true},
		{"sub/.DS_Store", false, true},
		{".git", true, true},
		{".git/HEAD", false, true},
		{"node_modules", true, true},
		{"node_modules/leftpad/index.js", false, true},
		{"README.md", false, false},
		{"src/main.go", false, false},
	}
	for _, c := range cases {
		if got := m.Match(c.path, c.isDir); got != c.want {
			t.Errorf("Match(%q, dir=%v) = %v, want %v", c.path, c.isDir, got, c.want)
		}
	}
}

func TestCustomGlobPatterns(t *testing.T) {
	m := New([]string{"*.log", "build/"})
	if !m.Match("server.log", false) {
		t.Error("expected *.log to match server.log")
	}
	if !m.Match("deep/nested/app.log", false) {
		t.Error("expected *.log to match nested logs")
	}
	if !m.Match("build", true) {
		t.Error("expected build/ to match the build directory itself")
	}
	if !m.Match("build/output.bin", false) {
		t.Error("expected build/ to match files beneath it")
	}
	if m.Match("rebuild.sh", false) {
		t.Error("build/ should not match an unrelated file named rebuild.sh")
	}
}

func TestLoadParsesFileWithCommentsAndBlankLines(t *testing.T) {
	dir := t.TempDir()
	content := "# comment\n\n*.bak\n\nsecrets/\n"
	if err := os.WriteFile(filepath.Join(dir, ".entanglementignore"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !m.Match("notes.bak", false) {
		t.Error("expected *.bak pattern to be loaded")
	}
	if !m.Match("secrets/keys.pem", false) {
		t.Error("expected secrets/ pattern to be loaded")
	}
}

func TestLoadWithoutFilePresentUsesDefaultsOnly(t *testing.T) {
	m, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !m.Match(".DS_Store", false) {
		t.Error("expected default patterns even with no .entanglementignore present")
	}
	if m.Match("anything.txt", false) {
		t.Error("did not expect anything.txt to be ignored by defaults")
	}
}
