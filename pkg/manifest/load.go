package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the manifest file name inside a trik directory.
const FileName = "manifest.json"

// ErrManifestNotFound is returned when a directory holds no recognisable trik.
var ErrManifestNotFound = errors.New("manifest.json not found")

// Parse validates and decodes a raw manifest document. Structural failures
// short-circuit; agent-data findings are collected into one error.
func Parse(data []byte) (*Manifest, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if issues := ValidateDocument(doc); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if issues := m.SecurityIssues(); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return &m, nil
}

// Load reads and parses the manifest in dir.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", dir, ErrManifestNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Location describes where a trik's manifest lives inside a repository.
type Location struct {
	// ManifestPath is the full path to manifest.json.
	ManifestPath string
	// Dir is the directory containing the manifest; skill modules resolve
	// relative to it.
	Dir string
	// Packaged is true when the manifest sits inside a package subdirectory
	// rather than at the repository root.
	Packaged bool
}

// buildFiles mark a repository root as a packaged layout whose manifest lives
// one level down.
var buildFiles = []string{"pyproject.toml", "setup.py", "package.json", "go.mod"}

// Locate finds the manifest inside a trik repository. A root manifest.json
// wins; otherwise, when a build-system file is present, non-hidden
// subdirectories are searched one level deep.
func Locate(root string) (*Location, error) {
	rootManifest := filepath.Join(root, FileName)
	if fileExists(rootManifest) {
		return &Location{ManifestPath: rootManifest, Dir: root}, nil
	}

	packaged := false
	for _, name := range buildFiles {
		if fileExists(filepath.Join(root, name)) {
			packaged = true
			break
		}
	}
	if !packaged {
		return nil, fmt.Errorf("%s: %w", root, ErrManifestNotFound)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		sub := filepath.Join(root, name, FileName)
		if fileExists(sub) {
			return &Location{
				ManifestPath: sub,
				Dir:          filepath.Join(root, name),
				Packaged:     true,
			}, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", root, ErrManifestNotFound)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
