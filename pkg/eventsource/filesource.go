package eventsource

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostwatch/internal/types"
)

var skippedLines = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hostwatch_eventsource_skipped_lines_total",
		Help: "Event export lines that could not be decoded",
	},
	[]string{"channel"},
)

func init() {
	prometheus.MustRegister(skippedLines)
}

// maxLineSize bounds one exported record.
const maxLineSize = 1 << 20

// FileSource reads channel exports from a directory. Channel c is read from
// <Dir>/<c>.jsonl, one JSON encoded record per line in the Windows event log
// export shape. Records are expected oldest first, as an exporter appends.
type FileSource struct {
	Dir string
	Log *logrus.Logger
}

// NewFileSource creates a FileSource over dir.
func NewFileSource(dir string, log *logrus.Logger) *FileSource {
	return &FileSource{Dir: dir, Log: log}
}

// Known implements Source.
func (s *FileSource) Known(channel string) bool {
	return IsKnownChannel(channel)
}

// Path returns the export file backing channel.
func (s *FileSource) Path(channel string) string {
	return filepath.Join(s.Dir, channel+".jsonl")
}

// Fetch implements Source. It returns the last maxEvents records of the
// export. A missing export is an empty channel.
func (s *FileSource) Fetch(ctx context.Context, channel string, maxEvents int) ([]types.EventRecord, error) {
	if !s.Known(channel) || maxEvents <= 0 {
		return nil, nil
	}

	f, err := os.Open(s.Path(channel))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s export: %w", channel, err)
	}
	defer f.Close()

	// Ring of the newest maxEvents records.
	ring := make([]types.EventRecord, 0, min(maxEvents, 1024))
	next := 0
	skipped := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev types.EventRecord
		if err := json.Unmarshal(line, &ev); err != nil {
			// Raw ConvertTo-Json output: /Date(ms)/ times, Properties[].Value.
			decoded, werr := decodeWinEvents(channel, line)
			if werr != nil || len(decoded) != 1 {
				skipped++
				continue
			}
			ev = decoded[0]
		}
		ev.Channel = channel
		if len(ring) < maxEvents {
			ring = append(ring, ev)
			continue
		}
		ring[next] = ev
		next = (next + 1) % maxEvents
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s export: %w", channel, err)
	}

	if skipped > 0 {
		skippedLines.WithLabelValues(channel).Add(float64(skipped))
		if s.Log != nil {
			s.Log.WithFields(logrus.Fields{
				"channel": channel,
				"skipped": skipped,
			}).Warn("Skipped undecodable event lines")
		}
	}

	out := make([]types.EventRecord, 0, len(ring))
	out = append(out, ring[next:]...)
	out = append(out, ring[:next]...)
	return out, nil
}
