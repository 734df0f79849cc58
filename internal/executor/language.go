package executor

import (
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Language identifies a supported source language.
type Language string

const (
	JavaScript Language = "javascript"
	Python     Language = "python"
	C          Language = "c"
	CPP        Language = "cpp"
	Java       Language = "java"
)

// Toolchain names the binaries used for each language. Empty fields fall
// back to the defaults.
type Toolchain struct {
	Node    string `mapstructure:"node"`
	Python  string `mapstructure:"python"`
	CC      string `mapstructure:"cc"`
	CXX     string `mapstructure:"cxx"`
	Javac   string `mapstructure:"javac"`
	JavaRun string `mapstructure:"java"`
}

// DefaultToolchain returns the binaries looked up on PATH.
func DefaultToolchain() Toolchain {
	return Toolchain{
		Node:    "node",
		Python:  "python3",
		CC:      "gcc",
		CXX:     "g++",
		Javac:   "javac",
		JavaRun: "java",
	}
}

func (tc Toolchain) withDefaults() Toolchain {
	def := DefaultToolchain()
	pick := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}
	return Toolchain{
		Node:    pick(tc.Node, def.Node),
		Python:  pick(tc.Python, def.Python),
		CC:      pick(tc.CC, def.CC),
		CXX:     pick(tc.CXX, def.CXX),
		Javac:   pick(tc.Javac, def.Javac),
		JavaRun: pick(tc.JavaRun, def.JavaRun),
	}
}

// strategy describes how one language is prepared, compiled and run inside
// a sandbox directory. compile is nil for interpreted languages.
type strategy struct {
	extension string
	source    string
	compile   func(tc Toolchain, dir string) []string
	run       func(tc Toolchain, dir string) []string
}

const nativeBinary = "main.out"

var strategies = map[Language]strategy{
	JavaScript: {
		extension: ".js",
		source:    "main.js",
		run: func(tc Toolchain, dir string) []string {
			return []string{tc.Node, filepath.Join(dir, "main.js")}
		},
	},
	Python: {
		extension: ".py",
		source:    "main.py",
		run: func(tc Toolchain, dir string) []string {
			return []string{tc.Python, filepath.Join(dir, "main.py")}
		},
	},
	C: {
		extension: ".c",
		source:    "main.c",
		compile: func(tc Toolchain, dir string) []string {
			return []string{tc.CC, filepath.Join(dir, "main.c"), "-o", filepath.Join(dir, nativeBinary)}
		},
		run: func(_ Toolchain, dir string) []string {
			return []string{filepath.Join(dir, nativeBinary)}
		},
	},
	CPP: {
		extension: ".cpp",
		source:    "main.cpp",
		compile: func(tc Toolchain, dir string) []string {
			return []string{tc.CXX, filepath.Join(dir, "main.cpp"), "-o", filepath.Join(dir, nativeBinary)}
		},
		run: func(_ Toolchain, dir string) []string {
			return []string{filepath.Join(dir, nativeBinary)}
		},
	},
	// The class must be public class Main.
	Java: {
		extension: ".java",
		source:    "Main.java",
		compile: func(tc Toolchain, _ string) []string {
			return []string{tc.Javac, "Main.java"}
		},
		run: func(tc Toolchain, dir string) []string {
			return []string{tc.JavaRun, "-cp", dir, "Main"}
		},
	},
}

var extensions = map[string]Language{
	".js":   JavaScript,
	".mjs":  JavaScript,
	".py":   Python,
	".c":    C,
	".cpp":  CPP,
	".cc":   CPP,
	".cxx":  CPP,
	".java": Java,
}

// DetectLanguage maps a filename to a language by its extension.
func DetectLanguage(filename string) (Language, bool) {
	lang, ok := extensions[strings.ToLower(path.Ext(filename))]
	return lang, ok
}

// Supported reports whether lang has a strategy.
func Supported(lang Language) bool {
	_, ok := strategies[lang]
	return ok
}

// LanguageInfo describes a supported language for clients.
type LanguageInfo struct {
	ID        Language `json:"id"`
	Extension string   `json:"extension"`
	Compiled  bool     `json:"compiled"`
}

// Languages lists the supported languages sorted by id.
func Languages() []LanguageInfo {
	out := make([]LanguageInfo, 0, len(strategies))
	for id, s := range strategies {
		out = append(out, LanguageInfo{ID: id, Extension: s.extension, Compiled: s.compile != nil})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
