package quarantine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Category is a named group of glob patterns in signatures.yml.
type Category struct {
	Description string   `yaml:"description"`
	Globs       []string `yaml:"globs"`
}

// Signatures is the content of signatures.yml.
type Signatures struct {
	Categories map[string]Category `yaml:"categories"`
}

// Exclusions is the content of exclusions.yml.
type Exclusions struct {
	Paths []string `yaml:"paths"`
}

// LoadSignatures reads a signatures file. A missing file has no categories.
func LoadSignatures(path string) (*Signatures, error) {
	sigs := &Signatures{}
	if err := loadYAML(path, sigs); err != nil {
		return nil, err
	}
	return sigs, nil
}

// LoadExclusions reads an exclusions file. A missing file excludes nothing.
func LoadExclusions(path string) (*Exclusions, error) {
	ex := &Exclusions{}
	if err := loadYAML(path, ex); err != nil {
		return nil, err
	}
	return ex, nil
}

func loadYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

var percentVar = regexp.MustCompile(`%([A-Za-z_][A-Za-z0-9_()]*)%`)

// expandEnv expands $VAR, ${VAR} and %VAR% references. Unset or empty
// references are left as written so they match nothing rather than
// collapsing to the filesystem root.
func expandEnv(pattern string) string {
	pattern = percentVar.ReplaceAllStringFunc(pattern, func(m string) string {
		if v := os.Getenv(m[1 : len(m)-1]); v != "" {
			return v
		}
		return m
	})
	return os.Expand(pattern, func(name string) string {
		if v := os.Getenv(name); v != "" {
			return v
		}
		return "$" + name
	})
}

// Excluded reports whether path matches any exclusion pattern, tested
// against the full path and against the base name.
func (e *Exclusions) Excluded(path string) bool {
	slashed := filepath.ToSlash(path)
	base := filepath.Base(path)
	for _, raw := range e.Paths {
		pattern := filepath.ToSlash(expandEnv(raw))
		if ok, _ := doublestar.Match(pattern, slashed); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// Enumerate expands the globs of the named categories and returns every
// regular, non-excluded file, each once. Unknown categories are skipped.
func (s *Signatures) Enumerate(categories []string, ex *Exclusions) []Target {
	if ex == nil {
		ex = &Exclusions{}
	}
	seen := make(map[string]bool)
	var targets []Target
	for _, name := range categories {
		cat, ok := s.Categories[strings.TrimSpace(name)]
		if !ok {
			continue
		}
		for _, raw := range cat.Globs {
			matches, err := doublestar.FilepathGlob(expandEnv(raw), doublestar.WithFilesOnly())
			if err != nil {
				continue
			}
			for _, path := range matches {
				if seen[path] || ex.Excluded(path) {
					continue
				}
				info, err := os.Lstat(path)
				if err != nil || !info.Mode().IsRegular() {
					continue
				}
				seen[path] = true
				targets = append(targets, Target{Path: path, Size: info.Size()})
			}
		}
	}
	return targets
}

// EnumerateTargets loads the signature and exclusion files and enumerates
// the files of the given categories.
func EnumerateTargets(signaturesPath, exclusionsPath string, categories []string) ([]Target, error) {
	sigs, err := LoadSignatures(signaturesPath)
	if err != nil {
		return nil, err
	}
	ex, err := LoadExclusions(exclusionsPath)
	if err != nil {
		return nil, err
	}
	return sigs.Enumerate(categories, ex), nil
}

// WritePreview records the targets a cleanup would quarantine in a
// preview_<stamp>.json report.
func (m *Manager) WritePreview(targets []Target) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if targets == nil {
		targets = []Target{}
	}
	if err := os.MkdirAll(m.cfg.ReportsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create reports directory: %w", err)
	}
	return m.createReport("preview", targets)
}
