// Package detection provides the detection rules engine: loading rule files
// and evaluating event batches against them.
package detection

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/invisible-tech/hostwatch/internal/types"
)

// ValueSet is the list of candidate values of one clause. In rule files it
// may be written as a YAML list or as a single scalar.
type ValueSet []string

// UnmarshalYAML accepts a scalar or a sequence of scalars. Non-string
// scalars keep their textual form, so `Id: 4625` compares as "4625".
func (v *ValueSet) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*v = nil
			return nil
		}
		*v = ValueSet{node.Value}
		return nil
	case yaml.SequenceNode:
		out := make(ValueSet, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: clause values must be scalars", item.Line)
			}
			out = append(out, item.Value)
		}
		*v = out
		return nil
	default:
		return fmt.Errorf("line %d: clause must be a scalar or a list", node.Line)
	}
}

// Detection is the predicate block of a rule. Every clause of both kinds
// must hold for an event to match.
type Detection struct {
	Contains map[string]ValueSet `yaml:"contains"`
	Equals   map[string]ValueSet `yaml:"equals"`
}

// Empty reports whether the block has no clause at all.
func (d Detection) Empty() bool {
	return len(d.Contains) == 0 && len(d.Equals) == 0
}

// Rule defines a detection rule loaded from a rule file.
type Rule struct {
	Title       string    `yaml:"title"`
	ID          string    `yaml:"id"`
	Description string    `yaml:"description"`
	Level       string    `yaml:"level"`
	Detection   Detection `yaml:"detection"`

	// Path is the file the rule was loaded from.
	Path string `yaml:"-"`
}

// Name is the identifier reported in match results: the title, else the
// id, else the rule file name.
func (r *Rule) Name() string {
	switch {
	case r.Title != "":
		return r.Title
	case r.ID != "":
		return r.ID
	case r.Path != "":
		return filepath.Base(r.Path)
	default:
		return "rule.yml"
	}
}

// Match reports whether ev satisfies every clause of the rule. A rule with
// no clause never matches.
func (r *Rule) Match(ev *types.EventRecord) bool {
	if r.Detection.Empty() {
		return false
	}
	for field, values := range r.Detection.Contains {
		fv := strings.ToLower(ev.Field(field))
		ok := false
		for _, v := range values {
			if strings.Contains(fv, strings.ToLower(v)) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for field, values := range r.Detection.Equals {
		fv := ev.Field(field)
		ok := false
		for _, v := range values {
			if v == fv {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Evaluate runs every rule over the whole batch and reports the rules that
// matched at least once, in rule order, with the first matching event.
func Evaluate(events []types.EventRecord, rules []*Rule) []types.MatchResult {
	var results []types.MatchResult
	for _, rule := range rules {
		count := 0
		var sample types.EventRecord
		for i := range events {
			if !rule.Match(&events[i]) {
				continue
			}
			if count == 0 {
				sample = events[i]
			}
			count++
		}
		if count > 0 {
			results = append(results, types.MatchResult{
				Rule:   rule.Name(),
				Count:  count,
				Sample: sample,
			})
		}
	}
	return results
}

// Engine evaluates events against the active ruleset. The ruleset can be
// swapped while the engine is in use.
type Engine struct {
	mu     sync.RWMutex
	source string
	rules  []*Rule
}

// NewEngine creates an engine over rules loaded from source.
func NewEngine(source string, rules []*Rule) *Engine {
	e := &Engine{source: source}
	e.Replace(rules)
	return e
}

// Evaluate runs all rules against the batch.
func (e *Engine) Evaluate(events []types.EventRecord) []types.MatchResult {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()
	return Evaluate(events, rules)
}

// Rules returns the loaded rules (read-only).
func (e *Engine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules
}

// Source returns the rule file or directory the engine was built from.
func (e *Engine) Source() string {
	return e.source
}

// Replace swaps the active ruleset.
func (e *Engine) Replace(rules []*Rule) {
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	rulesLoaded.Set(float64(len(rules)))
}
