// Package agent runs the detection loop: on every cycle it fetches new
// records from the watched channels, evaluates them against the active
// ruleset, and appends the matches to the audit log.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/invisible-tech/hostwatch/internal/delta"
	"github.com/invisible-tech/hostwatch/internal/detection"
	"github.com/invisible-tech/hostwatch/internal/types"
	"github.com/invisible-tech/hostwatch/pkg/auditlog"
	"github.com/invisible-tech/hostwatch/pkg/eventsource"
)

const (
	DefaultInterval  = 2 * time.Second
	MinInterval      = 200 * time.Millisecond
	DefaultMaxEvents = 200
)

// ErrNotIdle is returned by Run on an agent that has already been started
// or stopped.
var ErrNotIdle = errors.New("agent is not idle")

// Recorder receives the match results of every cycle that produced any.
type Recorder interface {
	Record(results []types.MatchResult)
}

// Config holds configuration for the agent
type Config struct {
	RulesPath string
	Interval  time.Duration
	Sources   []string
	MaxEvents int

	Engine   *detection.Engine
	Source   eventsource.Source
	Audit    *auditlog.Writer
	Recorder Recorder
}

// State is the lifecycle state of an agent.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Agent schedules detection cycles. One cycle runs at a time.
type Agent struct {
	cfg Config
	log *logrus.Logger

	sources  sets.Set[string]
	channels []string // watched channels the source can serve, sorted
	marks    *delta.ChannelState

	state  atomic.Int32
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an agent. Channel names the source does not serve are logged
// and otherwise ignored.
func New(cfg Config, log *logrus.Logger) (*Agent, error) {
	if cfg.Engine == nil || cfg.Source == nil || cfg.Audit == nil {
		return nil, errors.New("agent requires an engine, an event source and an audit log")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.RulesPath == "" {
		cfg.RulesPath = cfg.Engine.Source()
	}

	sources := eventsource.ParseChannels(cfg.Sources...)
	if sources.Len() == 0 {
		sources = sets.New(eventsource.DefaultChannels...)
	}

	a := &Agent{
		cfg:     cfg,
		log:     log,
		sources: sources,
		marks:   delta.NewChannelState(),
		done:    make(chan struct{}),
	}
	for _, ch := range sets.List(sources) {
		if !cfg.Source.Known(ch) {
			log.WithField("channel", ch).Warn("Ignoring unknown event channel")
			continue
		}
		a.channels = append(a.channels, ch)
	}
	return a, nil
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	return State(a.state.Load())
}

// Channels returns the channels polled on every cycle.
func (a *Agent) Channels() []string {
	return append([]string(nil), a.channels...)
}

// Marks returns the current high-water mark of every polled channel.
func (a *Agent) Marks() map[string]uint64 {
	return a.marks.Snapshot()
}

// Interval returns the effective wait between cycles.
func (a *Agent) Interval() time.Duration {
	return a.cfg.Interval
}

// Done is closed once Run has returned.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Banner is the audit line written when the loop starts.
func (a *Agent) Banner() string {
	return fmt.Sprintf("Agent starting (rules=%s, sources=%s, interval=%s)",
		a.cfg.RulesPath, joinSorted(a.sources), formatSeconds(a.cfg.Interval))
}

// Run executes cycles until ctx is cancelled or Stop is called. A cycle in
// progress when the stop arrives runs to completion.
func (a *Agent) Run(ctx context.Context) error {
	if !a.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrNotIdle
	}
	defer close(a.done)

	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	defer cancel()
	if a.State() != StateRunning {
		// Stop raced with startup.
		cancel()
	}

	a.log.WithFields(logrus.Fields{
		"rules":    a.cfg.RulesPath,
		"channels": a.channels,
		"interval": a.cfg.Interval.String(),
	}).Info("Starting agent")
	a.audit(a.Banner())

	wait.UntilWithContext(ctx, func(ctx context.Context) {
		a.cycle(context.WithoutCancel(ctx))
	}, a.cfg.Interval)

	a.state.Store(int32(StateStopping))
	a.audit("Agent stopping")
	a.state.Store(int32(StateStopped))
	a.log.Info("Agent stopped")
	return nil
}

// Stop interrupts the wait between cycles. It does not block.
func (a *Agent) Stop() {
	if a.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
		close(a.done)
		return
	}
	if !a.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return
	}
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Shutdown stops the agent and waits for Run to return or ctx to expire.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.Stop()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		a.log.Warn("Shutdown timeout, agent cycle still in progress")
		return ctx.Err()
	}
}

// RunOnce executes a single cycle. Each channel is fetched and advanced on
// its own: a channel that fails keeps its mark and is retried next cycle,
// while the records of the other channels are still evaluated. Fetch
// failures are returned together, after the matches are written.
func (a *Agent) RunOnce(ctx context.Context) ([]types.MatchResult, error) {
	var (
		batch []types.EventRecord
		errs  []error
	)
	for _, ch := range a.channels {
		events, err := a.cfg.Source.Fetch(ctx, ch, a.cfg.MaxEvents)
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch %s: %w", ch, err))
			continue
		}
		fresh := a.marks.Advance(ch, events)
		batch = append(batch, fresh...)
		eventsProcessed.WithLabelValues(ch).Add(float64(len(fresh)))
		channelMark.WithLabelValues(ch).Set(float64(a.marks.Mark(ch)))
	}
	fetchErr := utilerrors.NewAggregate(errs)
	if len(batch) == 0 {
		return nil, fetchErr
	}

	results := a.cfg.Engine.Evaluate(batch)
	if len(results) == 0 {
		return nil, fetchErr
	}

	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("match: %s count=%d", r.Rule, r.Count))
		ruleMatches.WithLabelValues(r.Rule).Add(float64(r.Count))
		a.log.WithFields(logrus.Fields{
			"rule":      r.Rule,
			"count":     r.Count,
			"record_id": r.Sample.RecordID,
			"channel":   r.Sample.Channel,
		}).Warn("Rule matched")
	}
	if a.cfg.Recorder != nil {
		a.cfg.Recorder.Record(results)
	}
	if err := a.cfg.Audit.Write(lines...); err != nil {
		return results, utilerrors.NewAggregate(append(errs, err))
	}
	return results, fetchErr
}

// cycle runs one RunOnce and turns any failure, panics included, into an
// audit line so the loop keeps going.
func (a *Agent) cycle(ctx context.Context) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		_, err = a.RunOnce(ctx)
	}()

	if err != nil {
		cyclesTotal.WithLabelValues("error").Inc()
		a.log.WithError(err).Error("Agent cycle failed")
		var agg utilerrors.Aggregate
		if errors.As(err, &agg) {
			for _, e := range agg.Errors() {
				a.audit("error: " + e.Error())
			}
			return
		}
		a.audit("error: " + err.Error())
		return
	}
	cyclesTotal.WithLabelValues("ok").Inc()
}

func (a *Agent) audit(line string) {
	if err := a.cfg.Audit.Write(line); err != nil {
		a.log.WithError(err).WithField("line", line).Error("Failed to write audit log")
	}
}

func joinSorted(s sets.Set[string]) string {
	return strings.Join(sets.List(s), ",")
}

// formatSeconds renders d as decimal seconds with at least one fractional
// digit, e.g. 2.0 or 0.5.
func formatSeconds(d time.Duration) string {
	s := strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
