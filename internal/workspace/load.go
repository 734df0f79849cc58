// Package workspace imports a directory from disk into a session and keeps
// the session in step with later changes on disk.
package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrImportDisabled = errors.New("workspace import disabled")
	ErrOutsideRoot    = errors.New("path escapes workspace root")
	ErrNotDirectory   = errors.New("not a directory")
	ErrTooManyFiles   = errors.New("too many files")
)

// excludedDirs are never descended into.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// Limits bound what Load will read.
type Limits struct {
	MaxDepth     int
	MaxFiles     int
	MaxFileBytes int64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxDepth: 8, MaxFiles: 500, MaxFileBytes: 512 << 10}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.MaxDepth <= 0 {
		l.MaxDepth = def.MaxDepth
	}
	if l.MaxFiles <= 0 {
		l.MaxFiles = def.MaxFiles
	}
	if l.MaxFileBytes <= 0 {
		l.MaxFileBytes = def.MaxFileBytes
	}
	return l
}

// Tree is a directory flattened into session form. Paths use forward
// slashes and are relative to the directory.
type Tree struct {
	Name      string
	Files     map[string]string
	Structure []string
}

// Resolve joins rel onto root and rejects results outside root. An empty
// root disables imports.
func Resolve(root, rel string) (string, error) {
	if root == "" {
		return "", ErrImportDisabled
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	full := filepath.Join(absRoot, rel)
	inside, err := filepath.Rel(absRoot, full)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return full, nil
}

// Load reads dir into a Tree. Directories are listed before files at each
// level. Hidden entries, excluded directories, binary files and files over
// the size limit are skipped.
func Load(dir string, limits Limits) (*Tree, error) {
	limits = limits.withDefaults()
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}

	t := &Tree{Name: filepath.Base(dir), Files: make(map[string]string)}
	if err := t.walk(dir, "", 0, limits); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) walk(dir, prefix string, depth int, limits Limits) error {
	if depth >= limits.MaxDepth {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil // Skip unreadable directories.
	}

	var dirs, files []os.DirEntry
	for _, entry := range entries {
		name := entry.Name()
		if excludedDirs[name] || isHidden(name) {
			continue
		}
		switch {
		case entry.IsDir():
			dirs = append(dirs, entry)
		case entry.Type().IsRegular():
			files = append(files, entry)
		}
	}

	for _, d := range dirs {
		if err := t.walk(filepath.Join(dir, d.Name()), path.Join(prefix, d.Name()), depth+1, limits); err != nil {
			return err
		}
	}
	for _, f := range files {
		content, ok := readText(filepath.Join(dir, f.Name()), limits.MaxFileBytes)
		if !ok {
			continue
		}
		if len(t.Structure) >= limits.MaxFiles {
			return fmt.Errorf("%w: more than %d", ErrTooManyFiles, limits.MaxFiles)
		}
		rel := path.Join(prefix, f.Name())
		t.Structure = append(t.Structure, rel)
		t.Files[rel] = content
	}
	return nil
}

// readText returns the file's contents when it is small enough and does not
// look binary.
func readText(name string, limit int64) (string, bool) {
	f, err := os.Open(name)
	if err != nil {
		return "", false
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil || int64(len(data)) > limit {
		return "", false
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return "", false
	}
	return string(data), true
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
