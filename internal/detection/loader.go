package detection

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

var rulesLoaded = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "hostwatch_rules_loaded",
		Help: "Number of detection rules in the active ruleset",
	},
)

func init() {
	prometheus.MustRegister(rulesLoaded)
}

// ParseError records a rule file that was skipped.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("rule file %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// LoadResult is the outcome of loading a rule source: the rules that parsed
// and one diagnostic per file that did not.
type LoadResult struct {
	Rules  []*Rule
	Errors []*ParseError
}

// Err aggregates the diagnostics, or returns nil when every file loaded.
func (r LoadResult) Err() error {
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	return utilerrors.NewAggregate(errs)
}

// Load reads one rule file, or every .yml/.yaml file directly inside a
// directory in file name order. Files that cannot be read or parsed are
// skipped and reported in the result; they never block the others.
func Load(source string) LoadResult {
	var res LoadResult
	info, err := os.Stat(source)
	if err != nil {
		res.Errors = append(res.Errors, &ParseError{Path: source, Err: err})
		return res
	}

	var files []string
	if info.IsDir() {
		files, err = ruleFiles(source)
		if err != nil {
			res.Errors = append(res.Errors, &ParseError{Path: source, Err: err})
			return res
		}
	} else {
		files = []string{source}
	}

	for _, f := range files {
		rule, err := loadFile(f)
		if err != nil {
			res.Errors = append(res.Errors, &ParseError{Path: f, Err: err})
			continue
		}
		res.Rules = append(res.Rules, rule)
	}
	return res
}

func ruleFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isRuleFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yml" || ext == ".yaml"
}

var errNotMapping = errors.New("document root is not a mapping")

func loadFile(path string) (*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	rule := &Rule{}
	// An empty file is a rule without detection: loaded, never matches.
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind != yaml.MappingNode {
			return nil, errNotMapping
		}
		if err := root.Decode(rule); err != nil {
			return nil, err
		}
	}
	rule.Path = path
	return rule, nil
}
