//go:build windows

package eventsource

import (
	"context"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostwatch/internal/types"
)

// WinEventSource reads the Windows event log through PowerShell.
type WinEventSource struct {
	Log *logrus.Logger
}

// Known implements Source.
func (s *WinEventSource) Known(channel string) bool {
	return LogName(channel) != ""
}

// Fetch implements Source. A failing PowerShell invocation or empty output
// yields no records.
func (s *WinEventSource) Fetch(ctx context.Context, channel string, maxEvents int) ([]types.EventRecord, error) {
	logName := LogName(channel)
	if logName == "" || maxEvents <= 0 {
		return nil, nil
	}

	cmd := exec.CommandContext(ctx, "powershell.exe",
		"-NoProfile", "-NonInteractive", "-Command", winEventCommand(logName, maxEvents))
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.Log.WithError(err).WithField("channel", channel).Debug("Get-WinEvent returned no records")
		return nil, nil
	}
	return decodeWinEvents(channel, out)
}

// Default returns the Windows event log source. dir is unused here.
func Default(dir string, log *logrus.Logger) Source {
	return &WinEventSource{Log: log}
}
