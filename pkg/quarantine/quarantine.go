// Package quarantine moves files into timestamped containment directories
// and restores them from the rollback manifest each run leaves behind.
//
// Every invocation writes a JSON report under the reports directory listing
// each processed item with a success flag. A single item failing never fails
// the batch.
package quarantine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// ConflictSuffix is appended to a file found occupying a path that is being
// restored.
const ConflictSuffix = ".hostwatch-conflict"

// Failure reasons recorded in results.
const (
	ReasonNotAFile     = "not a file"
	ReasonNotFound     = "quarantined file not found"
	ReasonNoQuarantine = "no quarantine path"
	ReasonRunNotFound  = "run not found"
	ReasonNoManifest   = "rollback manifest not written"
	ReasonConflict     = "could not move conflicting file aside"
)

const maxConflictNames = 100

// ErrNoManifest is returned by Rollback when no manifest path was given and
// the reports directory holds none.
var ErrNoManifest = errors.New("no rollback manifest found")

// Config holds configuration for the quarantine manager
type Config struct {
	// Root holds one directory per quarantine run.
	Root string
	// ReportsDir receives run reports and rollback manifests.
	ReportsDir string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Target is a file selected for quarantine.
type Target struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Result is the outcome for one item of a quarantine or restore run.
type Result struct {
	Src   string `json:"src"`
	Dst   string `json:"dst"`
	Size  int64  `json:"size"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ManifestEntry maps a quarantined file back to its original location.
type ManifestEntry struct {
	Src  string `json:"src"`
	Dst  string `json:"dst"`
	Size int64  `json:"size"`
}

// Run summarizes one Quarantine call.
type Run struct {
	ID           string
	Stamp        string
	Dir          string
	DryRun       bool
	Moved        int
	Failed       int
	Results      []Result
	ReportPath   string
	ManifestPath string
}

// RestoreRun summarizes one Rollback call.
type RestoreRun struct {
	Manifest   string
	DryRun     bool
	Restored   int
	Failed     int
	Results    []Result
	ReportPath string
}

// Manager performs quarantine operations under one root. Operations on the
// same Manager are serialized.
type Manager struct {
	cfg Config
	log *logrus.Logger
	mu  sync.Mutex
}

// New creates a Manager.
func New(cfg Config, log *logrus.Logger) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{cfg: cfg, log: log}
}

// Root returns the quarantine root directory.
func (m *Manager) Root() string { return m.cfg.Root }

// ReportsDir returns the reports directory.
func (m *Manager) ReportsDir() string { return m.cfg.ReportsDir }

// Quarantine moves each target into a new run directory. With dryRun set
// nothing is moved, but the report lists the same destinations a real run
// would use. An empty target list does nothing and writes no report.
func (m *Manager) Quarantine(targets []Target, dryRun bool) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run := &Run{ID: uuid.NewString(), DryRun: dryRun}
	if len(targets) == 0 {
		m.log.Info("Nothing to quarantine")
		return run, nil
	}

	if err := os.MkdirAll(m.cfg.ReportsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create reports directory: %w", err)
	}
	if !dryRun {
		if err := os.MkdirAll(m.cfg.Root, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create quarantine root: %w", err)
		}
	}
	stamp, err := m.reserveRun(dryRun)
	if err != nil {
		return nil, err
	}
	run.Stamp = stamp
	run.Dir = filepath.Join(m.cfg.Root, stamp)

	// The manifest is rewritten after every move, so each file sitting in
	// the run directory is listed in a manifest on disk.
	manifestPath := m.reportPath("rollback", stamp)
	var (
		manifest    []ManifestEntry
		manifestErr error
	)
	for i, t := range targets {
		res := Result{Src: t.Path, Size: t.Size}
		dst := filepath.Join(run.Dir, fmt.Sprintf("%04d_%s", i+1, filepath.Base(t.Path)))

		info, err := os.Lstat(t.Path)
		switch {
		case err != nil || !info.Mode().IsRegular():
			res.Error = ReasonNotAFile
		case dryRun:
			res.Dst, res.Size = dst, info.Size()
			res.OK = true
		case manifestErr != nil:
			res.Error = ReasonNoManifest
		default:
			res.Dst, res.Size = dst, info.Size()
			clearReadOnly(t.Path, info)
			if err := moveFile(t.Path, res.Dst); err != nil {
				res.Error = err.Error()
				break
			}
			entry := ManifestEntry{Src: res.Src, Dst: res.Dst, Size: res.Size}
			if err := writeJSONAtomic(manifestPath, append(manifest[:len(manifest):len(manifest)], entry)); err != nil {
				manifestErr = fmt.Errorf("failed to write rollback manifest: %w", err)
				res.Error = ReasonNoManifest
				if uerr := moveFile(res.Dst, t.Path); uerr != nil {
					m.log.WithError(uerr).WithFields(logrus.Fields{
						"path":        t.Path,
						"quarantined": res.Dst,
					}).Error("Failed to undo move after manifest write failure")
					res.Error = fmt.Sprintf("%s; left at %s", ReasonNoManifest, res.Dst)
				}
				break
			}
			manifest = append(manifest, entry)
			res.OK = true
		}

		if res.OK {
			run.Moved++
		} else {
			run.Failed++
			m.log.WithFields(logrus.Fields{
				"path":   t.Path,
				"reason": res.Error,
			}).Warn("Failed to quarantine file")
		}
		filesTotal.WithLabelValues(actionLabel("quarantine", dryRun), resultLabel(res.OK)).Inc()
		run.Results = append(run.Results, res)
	}
	if len(manifest) > 0 {
		run.ManifestPath = manifestPath
	}

	errs := []error{manifestErr}
	run.ReportPath = m.reportPath("cleanup", stamp)
	if err := writeJSON(run.ReportPath, run.Results); err != nil {
		run.ReportPath = ""
		errs = append(errs, fmt.Errorf("failed to write cleanup report: %w", err))
	}
	if err := utilerrors.NewAggregate(errs); err != nil {
		return run, err
	}

	m.log.WithFields(logrus.Fields{
		"run":      run.ID,
		"dir":      run.Dir,
		"moved":    run.Moved,
		"failed":   run.Failed,
		"dry_run":  dryRun,
		"report":   run.ReportPath,
		"manifest": run.ManifestPath,
	}).Info("Quarantine run complete")
	return run, nil
}

// Rollback restores the files listed in a manifest. An empty manifestPath
// selects the latest manifest in the reports directory. The manifest is
// never modified, so rolling back twice reports the second attempt's
// entries as not found.
func (m *Manager) Rollback(manifestPath string, dryRun bool) (*RestoreRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if manifestPath == "" {
		latest, err := m.LatestManifest()
		if err != nil {
			return nil, err
		}
		manifestPath = latest
	}

	entries, err := readManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	rr := &RestoreRun{Manifest: manifestPath, DryRun: dryRun}
	for _, e := range entries {
		res := Result{Src: e.Src, Dst: e.Dst, Size: e.Size}
		switch {
		case e.Dst == "":
			res.Error = ReasonNoQuarantine
		case dryRun:
			res.OK = true
		default:
			if err := restoreFile(e); err != nil {
				res.Error = err.Error()
			} else {
				res.OK = true
			}
		}

		if res.OK {
			rr.Restored++
		} else {
			rr.Failed++
			m.log.WithFields(logrus.Fields{
				"path":   e.Src,
				"reason": res.Error,
			}).Warn("Failed to restore file")
		}
		filesTotal.WithLabelValues(actionLabel("restore", dryRun), resultLabel(res.OK)).Inc()
		rr.Results = append(rr.Results, res)
	}
	if rr.Results == nil {
		rr.Results = []Result{}
	}

	if err := os.MkdirAll(m.cfg.ReportsDir, 0o755); err != nil {
		return rr, fmt.Errorf("failed to create reports directory: %w", err)
	}
	path, err := m.createReport("restore", rr.Results)
	if err != nil {
		return rr, fmt.Errorf("failed to write restore report: %w", err)
	}
	rr.ReportPath = path

	m.log.WithFields(logrus.Fields{
		"manifest": manifestPath,
		"restored": rr.Restored,
		"failed":   rr.Failed,
		"dry_run":  dryRun,
		"report":   path,
	}).Info("Rollback complete")
	return rr, nil
}

func restoreFile(e ManifestEntry) error {
	if _, err := os.Lstat(e.Dst); err != nil {
		return errors.New(ReasonNotFound)
	}
	if _, err := os.Lstat(e.Src); err == nil {
		if err := moveAside(e.Src); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(e.Src), 0o755); err != nil {
		return err
	}
	return moveFile(e.Dst, e.Src)
}

// moveAside renames path to the first free conflict name: path plus
// ConflictSuffix, then with .1, .2 and so on appended. Earlier conflict
// files are never replaced.
func moveAside(path string) error {
	for i := 0; i < maxConflictNames; i++ {
		aside := path + ConflictSuffix
		if i > 0 {
			aside = fmt.Sprintf("%s.%d", aside, i)
		}
		if exists(aside) {
			continue
		}
		if err := os.Rename(path, aside); err != nil {
			return fmt.Errorf("%s: %w", ReasonConflict, err)
		}
		return nil
	}
	return errors.New(ReasonConflict)
}

func readManifest(path string) ([]ManifestEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := validateManifest(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return entries, nil
}

func actionLabel(action string, dryRun bool) string {
	if dryRun {
		return action + "_dry_run"
	}
	return action
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
