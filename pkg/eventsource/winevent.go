package eventsource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/invisible-tech/hostwatch/internal/types"
)

// logNames maps channel names to Windows event log names.
var logNames = map[string]string{
	ChannelSecurity:   "Security",
	ChannelPowerShell: "Microsoft-Windows-PowerShell/Operational",
	ChannelSystem:     "System",
}

// LogName returns the Windows log backing channel, or "" if there is none.
func LogName(channel string) string {
	return logNames[channel]
}

// winEventCommand builds the PowerShell pipeline exporting the newest
// maxEvents records of logName as JSON.
func winEventCommand(logName string, maxEvents int) string {
	return fmt.Sprintf(
		"Get-WinEvent -LogName '%s' -MaxEvents %d -ErrorAction SilentlyContinue | "+
			"Select-Object RecordId,Id,ProviderName,LevelDisplayName,TimeCreated,Message,Properties | "+
			"ConvertTo-Json -Depth 5 -Compress",
		logName, maxEvents)
}

type winProperty struct {
	Value interface{} `json:"Value"`
}

type winEvent struct {
	RecordID         uint64        `json:"RecordId"`
	ID               int           `json:"Id"`
	ProviderName     string        `json:"ProviderName"`
	LevelDisplayName string        `json:"LevelDisplayName"`
	TimeCreated      interface{}   `json:"TimeCreated"`
	Message          string        `json:"Message"`
	Properties       []winProperty `json:"Properties"`
}

var msDate = regexp.MustCompile(`^/Date\((-?\d+)\)/$`)

// parseWinTime reads the timestamp forms ConvertTo-Json emits: the legacy
// "/Date(ms)/" string, an ISO string, or an object carrying a DateTime
// field.
func parseWinTime(v interface{}) time.Time {
	switch t := v.(type) {
	case string:
		if m := msDate.FindStringSubmatch(t); m != nil {
			ms, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				return time.Time{}
			}
			return time.UnixMilli(ms).UTC()
		}
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts
		}
	case map[string]interface{}:
		if inner, ok := t["value"]; ok {
			return parseWinTime(inner)
		}
		if inner, ok := t["DateTime"]; ok {
			return parseWinTime(inner)
		}
	}
	return time.Time{}
}

func propertyString(v interface{}) string {
	switch p := v.(type) {
	case nil:
		return ""
	case string:
		return p
	case float64:
		return strconv.FormatFloat(p, 'f', -1, 64)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Sprint(p)
		}
		return string(b)
	}
}

// decodeWinEvents decodes ConvertTo-Json output, which is a single object
// when the log holds one record and an array otherwise.
func decodeWinEvents(channel string, out []byte) ([]types.EventRecord, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}

	var raw []winEvent
	if out[0] == '{' {
		var one winEvent
		if err := json.Unmarshal(out, &one); err != nil {
			return nil, err
		}
		raw = []winEvent{one}
	} else if err := json.Unmarshal(out, &raw); err != nil {
		return nil, err
	}

	events := make([]types.EventRecord, 0, len(raw))
	for _, w := range raw {
		ev := types.EventRecord{
			RecordID:         w.RecordID,
			ID:               w.ID,
			ProviderName:     w.ProviderName,
			LevelDisplayName: w.LevelDisplayName,
			TimeCreated:      parseWinTime(w.TimeCreated),
			Message:          w.Message,
			Channel:          channel,
		}
		for _, p := range w.Properties {
			ev.Properties = append(ev.Properties, propertyString(p.Value))
		}
		events = append(events, ev)
	}
	return events, nil
}
