package quarantine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// StampLayout names run directories and reports. Stamps sort in time order.
const StampLayout = "20060102-150405.000"

// maxStampAttempts bounds the search for a free stamp.
const maxStampAttempts = 1000

func (m *Manager) reportPath(kind, stamp string) string {
	return filepath.Join(m.cfg.ReportsDir, kind+"_"+stamp+".json")
}

// reserveRun picks the stamp of a new run. For a real run the run directory
// is created; a stamp already taken by a directory or a cleanup report is
// bumped by one millisecond.
func (m *Manager) reserveRun(dryRun bool) (string, error) {
	t := m.cfg.Now()
	for i := 0; i < maxStampAttempts; i++ {
		stamp := t.Format(StampLayout)
		t = t.Add(time.Millisecond)

		if exists(m.reportPath("cleanup", stamp)) {
			continue
		}
		dir := filepath.Join(m.cfg.Root, stamp)
		if dryRun {
			if exists(dir) {
				continue
			}
			return stamp, nil
		}
		err := os.Mkdir(dir, 0o700)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create run directory: %w", err)
		}
		return stamp, nil
	}
	return "", errors.New("no free run name")
}

// createReport writes v to a new <kind>_<stamp>.json report.
func (m *Manager) createReport(kind string, v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	t := m.cfg.Now()
	for i := 0; i < maxStampAttempts; i++ {
		path := m.reportPath(kind, t.Format(StampLayout))
		t = t.Add(time.Millisecond)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", err
		}
		return path, f.Close()
	}
	return "", fmt.Errorf("no free %s report name", kind)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// writeJSONAtomic replaces path with v through a temporary file, so a
// failed write leaves the previous content intact.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Manifests lists the rollback manifests in the reports directory, oldest
// first.
func (m *Manager) Manifests() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.ReportsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "rollback_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, filepath.Join(m.cfg.ReportsDir, name))
	}
	sort.Strings(out)
	return out, nil
}

// LatestManifest returns the lexicographically last rollback manifest, or
// ErrNoManifest.
func (m *Manager) LatestManifest() (string, error) {
	manifests, err := m.Manifests()
	if err != nil {
		return "", err
	}
	if len(manifests) == 0 {
		return "", ErrNoManifest
	}
	return manifests[len(manifests)-1], nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
