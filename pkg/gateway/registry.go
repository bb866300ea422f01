package gateway

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/titanous/json5"

	"github.com/trikhub/trikhub/pkg/manifest"
)

// registryFile is the part of a .trikhub/config.json the gateway reads:
// the list of installed triks. Host-level keys in the same file belong to
// internal/config and are ignored here.
type registryFile struct {
	Triks []string `json:"triks"`
}

// LoadTriksFromConfig bulk-loads the triks named in a registry config
// file. Each entry is either a directory path (absolute, or relative to
// the config file's directory) or an installed package name resolved
// under <configDir>/triks/<name>. Per-trik failures are collected keyed
// by the entry that failed.
func (g *Gateway) LoadTriksFromConfig(configPath string) ([]string, map[string]error, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read registry config: %w", err)
	}
	var reg registryFile
	if err := json5.Unmarshal(data, &reg); err != nil {
		return nil, nil, fmt.Errorf("parse registry config %s: %w", configPath, err)
	}

	baseDir := filepath.Dir(configPath)
	var loaded []string
	failures := make(map[string]error)

	for _, name := range reg.Triks {
		dir, err := resolveTrikDir(baseDir, name)
		if err != nil {
			failures[name] = err
			continue
		}
		m, err := g.LoadTrik(dir)
		if err != nil {
			failures[name] = err
			continue
		}
		loaded = append(loaded, m.ID)
	}
	sort.Strings(loaded)
	return loaded, failures, nil
}

// resolveTrikDir maps one registry entry to a directory: a path that
// exists wins; otherwise the entry is treated as an installed package
// name under baseDir/triks.
func resolveTrikDir(baseDir, name string) (string, error) {
	candidates := []string{name}
	if !filepath.IsAbs(name) {
		candidates = append(candidates, filepath.Join(baseDir, name))
	}
	for _, c := range candidates {
		if dirExists(c) {
			return c, nil
		}
	}
	installed := filepath.Join(baseDir, "triks", filepath.FromSlash(name))
	if dirExists(installed) {
		return installed, nil
	}
	return "", fmt.Errorf("trik %q not found (no directory and not installed under %s)",
		name, filepath.Join(baseDir, "triks"))
}

// trikCandidates lists the directories under dir that may hold triks.
// "@scope" directories are namespace folders holding one more level.
func trikCandidates(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if !strings.HasPrefix(entry.Name(), "@") {
			out = append(out, path)
			continue
		}
		scoped, err := os.ReadDir(path)
		if err != nil {
			continue
		}
		for _, sub := range scoped {
			if sub.IsDir() && !strings.HasPrefix(sub.Name(), ".") {
				out = append(out, filepath.Join(path, sub.Name()))
			}
		}
	}
	sort.Strings(out)
	return out
}

// isNotATrik distinguishes "this directory is not a trik" from a trik
// that failed to load.
func isNotATrik(err error) bool {
	return errors.Is(err, manifest.ErrManifestNotFound)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
