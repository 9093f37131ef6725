package quarantine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// RunInfo describes a quarantine run directory.
type RunInfo struct {
	Name    string
	Path    string
	Created time.Time
}

// PurgeOptions selects the runs Purge removes. With nothing set the latest
// run is selected.
type PurgeOptions struct {
	Run       string
	All       bool
	OlderThan time.Duration
	DryRun    bool
}

// PurgeResult is the outcome for one run directory.
type PurgeResult struct {
	Run   string `json:"run"`
	Path  string `json:"path"`
	Files int    `json:"files"`
	Bytes int64  `json:"bytes"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// PurgeRun summarizes one Purge call.
type PurgeRun struct {
	DryRun     bool
	Purged     int
	Failed     int
	Files      int
	Bytes      int64
	Results    []PurgeResult
	ReportPath string
}

// Runs lists the run directories under the quarantine root, oldest first.
func (m *Manager) Runs() ([]RunInfo, error) {
	entries, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var runs []RunInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ri := RunInfo{Name: e.Name(), Path: filepath.Join(m.cfg.Root, e.Name())}
		if t, err := time.ParseInLocation(StampLayout, e.Name(), time.Local); err == nil {
			ri.Created = t
		} else if info, err := e.Info(); err == nil {
			ri.Created = info.ModTime()
		}
		runs = append(runs, ri)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Name < runs[j].Name })
	return runs, nil
}

// Purge permanently deletes quarantine runs. Quarantined files cannot be
// restored afterwards. A purge report is written unless no run matched.
func (m *Manager) Purge(opts PurgeOptions) (*PurgeRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runs, err := m.Runs()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	pr := &PurgeRun{DryRun: opts.DryRun}
	var selected []RunInfo
	switch {
	case opts.Run != "":
		selected = []RunInfo{{Name: opts.Run, Path: filepath.Join(m.cfg.Root, filepath.Base(opts.Run))}}
	case opts.All:
		selected = runs
	case opts.OlderThan > 0:
		cutoff := m.cfg.Now().Add(-opts.OlderThan)
		for _, r := range runs {
			if r.Created.Before(cutoff) {
				selected = append(selected, r)
			}
		}
	case len(runs) > 0:
		selected = runs[len(runs)-1:]
	}
	if len(selected) == 0 {
		m.log.Info("No quarantine runs to purge")
		return pr, nil
	}

	for _, r := range selected {
		res := PurgeResult{Run: r.Name, Path: r.Path}
		files, size, err := dirUsage(r.Path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			res.Error = ReasonRunNotFound
		case err != nil:
			res.Error = err.Error()
		default:
			res.Files, res.Bytes = files, size
			if !opts.DryRun {
				if err := os.RemoveAll(r.Path); err != nil {
					res.Error = err.Error()
					break
				}
			}
			res.OK = true
		}

		if res.OK {
			pr.Purged++
			pr.Files += res.Files
			pr.Bytes += res.Bytes
			filesTotal.WithLabelValues(actionLabel("purge", opts.DryRun), "ok").Add(float64(res.Files))
		} else {
			pr.Failed++
			m.log.WithFields(logrus.Fields{
				"run":    r.Name,
				"reason": res.Error,
			}).Warn("Failed to purge run")
		}
		pr.Results = append(pr.Results, res)
	}

	if err := os.MkdirAll(m.cfg.ReportsDir, 0o755); err != nil {
		return pr, fmt.Errorf("failed to create reports directory: %w", err)
	}
	path, err := m.createReport("purge", pr.Results)
	if err != nil {
		return pr, fmt.Errorf("failed to write purge report: %w", err)
	}
	pr.ReportPath = path

	m.log.WithFields(logrus.Fields{
		"purged":  pr.Purged,
		"failed":  pr.Failed,
		"files":   pr.Files,
		"bytes":   pr.Bytes,
		"dry_run": opts.DryRun,
		"report":  path,
	}).Info("Purge complete")
	return pr, nil
}

func dirUsage(dir string) (int, int64, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return 0, 0, err
	}
	if !info.IsDir() {
		return 0, 0, fmt.Errorf("%s is not a directory", dir)
	}
	var files int
	var size int64
	err = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			files++
			size += fi.Size()
		}
		return nil
	})
	return files, size, err
}
