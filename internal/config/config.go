// Package config provides shared configuration loading from environment,
// the optional agent.yml file, and defaults for all hostwatch components.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
// A bare number is read as seconds.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(GetEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvBool returns the boolean for key, or defaultValue if unset/invalid.
func GetEnvBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(GetEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return b
}

// SplitList splits a comma separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// AgentConfig holds configuration for the agent (used by cmd/agent and
// cmd/hostwatch).
type AgentConfig struct {
	RulesPath       string
	Interval        time.Duration
	Sources         []string
	MaxEvents       int
	StateDir        string
	StatusAddr      string
	ShutdownTimeout time.Duration
	WatchRules      bool
	RulesDebounce   time.Duration
	SignaturesPath  string
	ExclusionsPath  string
}

// AuditLogPath is the agent's audit log.
func (c AgentConfig) AuditLogPath() string {
	return filepath.Join(c.StateDir, "agent", "agent.log")
}

// FilePath is the default location of agent.yml.
func (c AgentConfig) FilePath() string {
	return filepath.Join(c.StateDir, "agent", "agent.yml")
}

// ReportsDir receives quarantine reports and rollback manifests.
func (c AgentConfig) ReportsDir() string {
	return filepath.Join(c.StateDir, "reports")
}

// QuarantineDir holds quarantine run directories.
func (c AgentConfig) QuarantineDir() string {
	return filepath.Join(c.StateDir, "quarantine")
}

// EventsDir holds channel exports read by the file event source.
func (c AgentConfig) EventsDir() string {
	return filepath.Join(c.StateDir, "events")
}

// DefaultStateDir is %ProgramData%\HostWatch on Windows and
// /var/lib/hostwatch elsewhere.
func DefaultStateDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(GetEnv("ProgramData", `C:\ProgramData`), "HostWatch")
	}
	return "/var/lib/hostwatch"
}

// executable is swapped in tests.
var executable = os.Executable

// bundledPath resolves a path shipped alongside the binary. A service does
// not start in the install directory, so rel is looked up next to the
// executable first; when nothing is there rel is kept relative to the
// working directory.
func bundledPath(rel string) string {
	exe, err := executable()
	if err != nil {
		return rel
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	p := filepath.Join(filepath.Dir(exe), rel)
	if _, err := os.Stat(p); err != nil {
		return rel
	}
	return p
}

func baseAgentConfig() AgentConfig {
	return AgentConfig{
		RulesPath:       bundledPath("rules"),
		Interval:        2 * time.Second,
		Sources:         []string{"security", "powershell"},
		MaxEvents:       200,
		StateDir:        DefaultStateDir(),
		StatusAddr:      ":9470",
		ShutdownTimeout: 30 * time.Second,
		WatchRules:      true,
		RulesDebounce:   500 * time.Millisecond,
		SignaturesPath:  bundledPath(filepath.Join("data", "signatures.yml")),
		ExclusionsPath:  bundledPath(filepath.Join("data", "exclusions.yml")),
	}
}

// DefaultAgentConfig returns agent config from environment with defaults.
func DefaultAgentConfig() AgentConfig {
	cfg := baseAgentConfig()
	cfg.StateDir = GetEnv("HOSTWATCH_STATE_DIR", cfg.StateDir)
	applyEnv(&cfg)
	return cfg
}

// LoadAgentConfig builds the agent config from defaults, then the agent.yml
// at path (the state directory's agent.yml when path is empty), then the
// environment. A missing file is not an error. When the file cannot be
// parsed the returned config still carries defaults and environment values.
func LoadAgentConfig(path string) (AgentConfig, error) {
	cfg := baseAgentConfig()
	cfg.StateDir = GetEnv("HOSTWATCH_STATE_DIR", cfg.StateDir)
	if path == "" {
		path = GetEnv("HOSTWATCH_CONFIG", cfg.FilePath())
	}

	fileErr := applyFile(&cfg, path)
	applyEnv(&cfg)
	return cfg, fileErr
}

func applyEnv(cfg *AgentConfig) {
	cfg.RulesPath = GetEnv("HOSTWATCH_RULES", cfg.RulesPath)
	cfg.Interval = GetEnvDuration("HOSTWATCH_INTERVAL", cfg.Interval)
	if v := GetEnv("HOSTWATCH_SOURCES", ""); v != "" {
		cfg.Sources = SplitList(v)
	}
	cfg.MaxEvents = GetEnvInt("HOSTWATCH_MAX_EVENTS", cfg.MaxEvents)
	cfg.StatusAddr = GetEnv("HOSTWATCH_STATUS_ADDR", cfg.StatusAddr)
	if v, ok := os.LookupEnv("HOSTWATCH_STATUS_ADDR"); ok && strings.TrimSpace(v) == "" {
		cfg.StatusAddr = ""
	}
	cfg.ShutdownTimeout = GetEnvDuration("HOSTWATCH_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.WatchRules = GetEnvBool("HOSTWATCH_WATCH_RULES", cfg.WatchRules)
	cfg.SignaturesPath = GetEnv("HOSTWATCH_SIGNATURES", cfg.SignaturesPath)
	cfg.ExclusionsPath = GetEnv("HOSTWATCH_EXCLUSIONS", cfg.ExclusionsPath)
}

// StringList is a YAML list of strings that may also be written as one
// comma separated string.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = SplitList(node.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: expected a list or a string", node.Line)
	}
}

// fileConfig is the agent.yml schema. Unset keys keep their defaults.
type fileConfig struct {
	Rules      string     `yaml:"rules"`
	Interval   *float64   `yaml:"interval"`
	Sources    StringList `yaml:"sources"`
	MaxEvents  int        `yaml:"max_events"`
	StatusAddr *string    `yaml:"status_addr"`
	WatchRules *bool      `yaml:"watch_rules"`
	Signatures string     `yaml:"signatures"`
	Exclusions string     `yaml:"exclusions"`
}

func applyFile(cfg *AgentConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if fc.Rules != "" {
		cfg.RulesPath = fc.Rules
	}
	if fc.Interval != nil && *fc.Interval > 0 {
		cfg.Interval = time.Duration(*fc.Interval * float64(time.Second))
	}
	if len(fc.Sources) > 0 {
		cfg.Sources = fc.Sources
	}
	if fc.MaxEvents > 0 {
		cfg.MaxEvents = fc.MaxEvents
	}
	if fc.StatusAddr != nil {
		cfg.StatusAddr = *fc.StatusAddr
	}
	if fc.WatchRules != nil {
		cfg.WatchRules = *fc.WatchRules
	}
	if fc.Signatures != "" {
		cfg.SignaturesPath = fc.Signatures
	}
	if fc.Exclusions != "" {
		cfg.ExclusionsPath = fc.Exclusions
	}
	return nil
}
