package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/hostwatch/internal/detection"
	"github.com/invisible-tech/hostwatch/internal/types"
	"github.com/invisible-tech/hostwatch/pkg/auditlog"
)

type fakeSource struct {
	mu      sync.Mutex
	events  map[string][]types.EventRecord
	errs    map[string]error
	panics  bool
	fetched []string

	// When gate is set the first Fetch closes entered and blocks on gate.
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: map[string][]types.EventRecord{},
		errs:   map[string]error{},
	}
}

func (f *fakeSource) Known(channel string) bool {
	return channel == "security" || channel == "powershell" || channel == "system"
}

func (f *fakeSource) Fetch(_ context.Context, channel string, maxEvents int) ([]types.EventRecord, error) {
	if f.gate != nil {
		f.once.Do(func() {
			close(f.entered)
			<-f.gate
		})
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, channel)
	if f.panics {
		panic("source exploded")
	}
	if err := f.errs[channel]; err != nil {
		return nil, err
	}
	evs := f.events[channel]
	if len(evs) > maxEvents {
		evs = evs[len(evs)-maxEvents:]
	}
	return evs, nil
}

func (f *fakeSource) set(channel string, evs ...types.EventRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[channel] = evs
}

func (f *fakeSource) fail(channel string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[channel] = err
}

func (f *fakeSource) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	batches [][]types.MatchResult
}

func (r *fakeRecorder) Record(results []types.MatchResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, results)
}

func malwareEngine() *detection.Engine {
	return detection.NewEngine("rules", []*detection.Rule{{
		Title: "A",
		Detection: detection.Detection{
			Contains: map[string]detection.ValueSet{"Message": {"malware"}},
		},
	}})
}

func newTestAgent(t *testing.T, src *fakeSource, mutate func(*Config)) (*Agent, string) {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "agent", "agent.log")
	cfg := Config{
		Interval: MinInterval,
		Sources:  []string{"security", "powershell"},
		Engine:   malwareEngine(),
		Source:   src,
		Audit:    auditlog.New(logPath),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg, logrus.New())
	require.NoError(t, err)
	return a, logPath
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func stripStamp(line string) string {
	if i := strings.Index(line, "] "); i >= 0 {
		return line[i+2:]
	}
	return line
}

func stripAll(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, stripStamp(l))
	}
	return out
}

func containsLine(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}

func TestNew_Defaults(t *testing.T) {
	src := newFakeSource()
	a, _ := newTestAgent(t, src, func(c *Config) {
		c.Interval = 50 * time.Millisecond
		c.Sources = nil
	})
	assert.Equal(t, MinInterval, a.Interval())
	assert.Equal(t, []string{"powershell", "security"}, a.Channels())
	assert.Equal(t, StateIdle, a.State())
	assert.Equal(t, "Agent starting (rules=rules, sources=powershell,security, interval=0.2)", a.Banner())

	neg, _ := newTestAgent(t, src, func(c *Config) { c.Interval = -5 * time.Second })
	assert.Equal(t, MinInterval, neg.Interval(), "negative intervals clamp up to the minimum")
	zero, _ := newTestAgent(t, src, func(c *Config) { c.Interval = 0 })
	assert.Equal(t, DefaultInterval, zero.Interval())

	_, err := New(Config{}, logrus.New())
	assert.Error(t, err)
}

func TestRunOnce_DeltaAndMatches(t *testing.T) {
	src := newFakeSource()
	src.set("security",
		types.EventRecord{RecordID: 1, Message: "clean"},
		types.EventRecord{RecordID: 2, Message: "found malware here"},
	)
	rec := &fakeRecorder{}
	a, logPath := newTestAgent(t, src, func(c *Config) { c.Recorder = rec })

	results, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "A", results[0].Rule)
	assert.Equal(t, 1, results[0].Count)
	assert.Equal(t, uint64(2), results[0].Sample.RecordID)
	assert.Equal(t, map[string]uint64{"security": 2}, a.Marks())

	lines := readLines(t, logPath)
	require.Len(t, lines, 1)
	assert.Equal(t, "match: A count=1", stripStamp(lines[0]))
	assert.Len(t, rec.batches, 1)

	results, err = a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results, "records already seen must not match again")
	assert.Len(t, readLines(t, logPath), 1)

	src.set("security",
		types.EventRecord{RecordID: 2, Message: "found malware here"},
		types.EventRecord{RecordID: 3, Message: "more malware"},
	)
	results, err = a.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(3), results[0].Sample.RecordID)
}

func TestRunOnce_FetchFailureIsolatedPerChannel(t *testing.T) {
	src := newFakeSource()
	src.set("security", types.EventRecord{RecordID: 5, Message: "malware"})
	src.set("powershell", types.EventRecord{RecordID: 9, Message: "malware too"})
	src.fail("powershell", errors.New("log unavailable"))
	a, logPath := newTestAgent(t, src, nil)

	results, err := a.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch powershell: log unavailable")
	require.Len(t, results, 1, "healthy channels are still evaluated")
	assert.Equal(t, uint64(5), results[0].Sample.RecordID)
	assert.Equal(t, map[string]uint64{"security": 5}, a.Marks())
	assert.Equal(t, []string{"match: A count=1"}, stripAll(readLines(t, logPath)))

	src.fail("powershell", nil)
	results, err = a.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1, "the failed channel is read again on retry")
	assert.Equal(t, uint64(9), results[0].Sample.RecordID)
	assert.Equal(t, map[string]uint64{"security": 5, "powershell": 9}, a.Marks())
}

func TestRun_FailingChannelWritesErrorLine(t *testing.T) {
	src := newFakeSource()
	src.set("security", types.EventRecord{RecordID: 1, Message: "malware"})
	src.fail("powershell", errors.New("denied"))
	a, logPath := newTestAgent(t, src, nil)

	go func() { _ = a.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		lines := stripAll(readLines(t, logPath))
		return containsLine(lines, "match: A count=1") && containsLine(lines, "error: fetch powershell: denied")
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
}

func TestRun_StopLetsCycleFinish(t *testing.T) {
	src := newFakeSource()
	src.set("security", types.EventRecord{RecordID: 1, Message: "malware"})
	src.gate = make(chan struct{})
	src.entered = make(chan struct{})
	a, logPath := newTestAgent(t, src, func(c *Config) {
		c.Interval = time.Hour
		c.Sources = []string{"security"}
	})

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(context.Background()) }()

	select {
	case <-src.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not start")
	}
	a.Stop()
	assert.Equal(t, StateStopping, a.State())
	close(src.gate)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run waited for the interval instead of returning after the cycle")
	}
	assert.Equal(t, StateStopped, a.State())

	lines := stripAll(readLines(t, logPath))
	require.Len(t, lines, 3)
	assert.Equal(t, "match: A count=1", lines[1])
	assert.Equal(t, "Agent stopping", lines[2])
}

func TestRunOnce_UnknownChannelNeverFetched(t *testing.T) {
	src := newFakeSource()
	a, _ := newTestAgent(t, src, func(c *Config) {
		c.Sources = []string{"Security", " application "}
	})
	assert.Equal(t, []string{"security"}, a.Channels())
	assert.Contains(t, a.Banner(), "sources=application,security")

	_, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"security"}, src.calls())
}

func TestRun_WritesAuditTrail(t *testing.T) {
	src := newFakeSource()
	src.set("security", types.EventRecord{RecordID: 1, Message: "malware"})
	a, logPath := newTestAgent(t, src, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		for _, l := range readLines(t, logPath) {
			if stripStamp(l) == "match: A count=1" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateRunning, a.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
	require.NoError(t, <-errCh)
	assert.Equal(t, StateStopped, a.State())

	lines := readLines(t, logPath)
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, "Agent starting (rules=rules, sources=powershell,security, interval=0.2)", stripStamp(lines[0]))
	assert.Equal(t, "Agent stopping", stripStamp(lines[len(lines)-1]))
	for _, l := range lines {
		assert.Regexp(t, `^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] `, l)
	}

	assert.ErrorIs(t, a.Run(context.Background()), ErrNotIdle)
}

func TestRun_ErrorsDoNotStopLoop(t *testing.T) {
	src := newFakeSource()
	src.fail("security", errors.New("boom"))
	a, logPath := newTestAgent(t, src, func(c *Config) { c.Sources = []string{"security"} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(src.calls()) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	lines := readLines(t, logPath)
	var errorsSeen int
	for _, l := range lines {
		if stripStamp(l) == "error: fetch security: boom" {
			errorsSeen++
		}
	}
	assert.GreaterOrEqual(t, errorsSeen, 2)
	assert.Equal(t, "Agent stopping", stripStamp(lines[len(lines)-1]))
}

func TestRun_PanicBecomesErrorLine(t *testing.T) {
	src := newFakeSource()
	src.panics = true
	a, logPath := newTestAgent(t, src, nil)

	go func() { _ = a.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		for _, l := range readLines(t, logPath) {
			if strings.HasPrefix(stripStamp(l), "error: panic: source exploded") {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	a.Stop()
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestStop_BeforeRun(t *testing.T) {
	a, logPath := newTestAgent(t, newFakeSource(), nil)
	a.Stop()
	assert.Equal(t, StateStopped, a.State())
	assert.ErrorIs(t, a.Run(context.Background()), ErrNotIdle)
	assert.Empty(t, readLines(t, logPath))
	<-a.Done()
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "2.0", formatSeconds(2*time.Second))
	assert.Equal(t, "0.5", formatSeconds(500*time.Millisecond))
	assert.Equal(t, "1.25", formatSeconds(1250*time.Millisecond))
}
