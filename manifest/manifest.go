// Package manifest handles loom.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a loom.toml project configuration.
type Manifest struct {
	Project Project       `toml:"project"`
	Source  Source        `toml:"source"`
	Output  Output        `toml:"output"`
	Persist PersistConfig `toml:"persist"`
	Store   StoreConfig   `toml:"store"`

	// Dir is the directory containing the loom.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Source configures source file locations.
type Source struct {
	Entry string   `toml:"entry"`
	Dirs  []string `toml:"dirs"`
}

// Output configures bytecode output.
type Output struct {
	Bytecode         string `toml:"bytecode"`
	IncludeDebugInfo bool   `toml:"include-debug-info"`
}

// PersistConfig configures snapshot encoding. Debug info rides the
// stream unless strip-debug-info is set, so an absent key keeps it.
type PersistConfig struct {
	MaxComplexity  int  `toml:"max-complexity"`
	GeneratePath   bool `toml:"generate-path"`
	StripDebugInfo bool `toml:"strip-debug-info"`
}

// StoreConfig configures the snapshot database.
type StoreConfig struct {
	Path string `toml:"path"`
}

// Load parses a loom.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "loom.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if len(m.Source.Dirs) == 0 {
		m.Source.Dirs = []string{"src"}
	}
	if m.Output.Bytecode == "" {
		m.Output.Bytecode = "out"
	}
	if m.Persist.MaxComplexity == 0 {
		m.Persist.MaxComplexity = 10000
	}
	if m.Store.Path == "" {
		m.Store.Path = filepath.Join(".loom", "snapshots.db")
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a loom.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "loom.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// EntryPath returns the absolute path of the entry script.
func (m *Manifest) EntryPath() string {
	return filepath.Join(m.Dir, m.Source.Entry)
}

// SourceDirPaths returns absolute paths for the configured source directories.
func (m *Manifest) SourceDirPaths() []string {
	var paths []string
	for _, d := range m.Source.Dirs {
		paths = append(paths, filepath.Join(m.Dir, d))
	}
	return paths
}

// BytecodePath returns the absolute path of the bytecode output directory.
func (m *Manifest) BytecodePath() string {
	return filepath.Join(m.Dir, m.Output.Bytecode)
}

// StorePath returns the absolute path of the snapshot database.
func (m *Manifest) StorePath() string {
	return filepath.Join(m.Dir, m.Store.Path)
}
