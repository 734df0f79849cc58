package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_EmptyDir(t *testing.T) {
	dir := t.TempDir()
	tree, err := Load(dir, Limits{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tree.Structure) != 0 || len(tree.Files) != 0 {
		t.Errorf("expected empty tree, got %v", tree.Structure)
	}
	if tree.Name != filepath.Base(dir) {
		t.Errorf("expected name %q, got %q", filepath.Base(dir), tree.Name)
	}
}

func TestLoad_DirsBeforeFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main.py"), "print(1)")
	writeFile(t, filepath.Join(dir, "sub", "helper.py"), "x = 1")
	writeFile(t, filepath.Join(dir, "README.md"), "# hi")

	tree, err := Load(dir, Limits{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"sub/helper.py", "README.md", "main.py"}
	if !reflect.DeepEqual(tree.Structure, want) {
		t.Errorf("expected %v, got %v", want, tree.Structure)
	}
	if tree.Files["sub/helper.py"] != "x = 1" {
		t.Errorf("unexpected content %q", tree.Files["sub/helper.py"])
	}
}

func TestLoad_ExcludesGitNodeModulesAndHidden(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main.go"), "package main")
	writeFile(t, filepath.Join(dir, ".git", "HEAD"), "ref")
	writeFile(t, filepath.Join(dir, "node_modules", "pkg", "index.js"), "x")
	writeFile(t, filepath.Join(dir, "vendor", "lib.go"), "x")
	writeFile(t, filepath.Join(dir, ".env"), "SECRET")

	tree, err := Load(dir, Limits{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(tree.Structure, []string{"main.go"}) {
		t.Errorf("expected only main.go, got %v", tree.Structure)
	}
}

func TestLoad_SkipsBinaryAndLargeFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "ok")
	writeFile(t, filepath.Join(dir, "blob.bin"), "ab\x00cd")
	writeFile(t, filepath.Join(dir, "big.txt"), strings.Repeat("x", 100))

	tree, err := Load(dir, Limits{MaxFileBytes: 50})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(tree.Structure, []string{"a.txt"}) {
		t.Errorf("expected only a.txt, got %v", tree.Structure)
	}
}

func TestLoad_MaxDepth(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "b", "c", "deep.txt"), "deep")
	writeFile(t, filepath.Join(dir, "a", "shallow.txt"), "shallow")

	tree, err := Load(dir, Limits{MaxDepth: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(tree.Structure, []string{"a/shallow.txt"}) {
		t.Errorf("expected only a/shallow.txt, got %v", tree.Structure)
	}
}

func TestLoad_TooManyFiles(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeFile(t, filepath.Join(dir, "file"+string(rune('a'+i))+".txt"), "test")
	}
	_, err := Load(dir, Limits{MaxFiles: 3})
	if !errors.Is(err, ErrTooManyFiles) {
		t.Errorf("expected ErrTooManyFiles, got %v", err)
	}
}

func TestLoad_NotDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	writeFile(t, file, "x")
	if _, err := Load(file, Limits{}); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("expected ErrNotDirectory, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		rel     string
		wantErr error
	}{
		{"project", nil},
		{"a/b/../c", nil},
		{"", nil},
		{"../etc", ErrOutsideRoot},
		{"a/../../etc", ErrOutsideRoot},
		{"/etc", ErrOutsideRoot},
	}
	for _, tt := range tests {
		got, err := Resolve(root, tt.rel)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Resolve(%q): expected %v, got %v", tt.rel, tt.wantErr, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Resolve(%q): unexpected error %v", tt.rel, err)
			continue
		}
		if !strings.HasPrefix(got, root) {
			t.Errorf("Resolve(%q) = %q, not under %q", tt.rel, got, root)
		}
	}

	if _, err := Resolve("", "x"); !errors.Is(err, ErrImportDisabled) {
		t.Errorf("expected ErrImportDisabled, got %v", err)
	}
}

func TestIsHidden(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{".git", true},
		{".env", true},
		{"main.go", false},
		{"", false},
	}

	for _, tt := range tests {
		got := isHidden(tt.name)
		if got != tt.want {
			t.Errorf("isHidden(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
