// Package types defines the event and match records shared by the event
// sources, the detection engine, the agent and the status API.
package types

import (
	"strconv"
	"strings"
	"time"
)

// EventRecord is one entry read from an event log channel. Field names in
// JSON follow the Windows event log export so exported logs can be replayed.
type EventRecord struct {
	RecordID         uint64    `json:"RecordId"`
	ID               int       `json:"Id"`
	ProviderName     string    `json:"ProviderName"`
	LevelDisplayName string    `json:"LevelDisplayName"`
	TimeCreated      time.Time `json:"TimeCreated"`
	Message          string    `json:"Message"`
	Properties       []string  `json:"Properties,omitempty"`
	Channel          string    `json:"Channel,omitempty"`
}

// Field returns the string form of a named field, or "" for unknown names.
func (e *EventRecord) Field(name string) string {
	switch name {
	case "RecordId":
		return strconv.FormatUint(e.RecordID, 10)
	case "Id":
		return strconv.Itoa(e.ID)
	case "ProviderName":
		return e.ProviderName
	case "LevelDisplayName":
		return e.LevelDisplayName
	case "TimeCreated":
		if e.TimeCreated.IsZero() {
			return ""
		}
		return e.TimeCreated.Format(time.RFC3339)
	case "Message":
		return e.Message
	case "Properties":
		return strings.Join(e.Properties, " ")
	case "Channel":
		return e.Channel
	default:
		return ""
	}
}

// IsZero reports whether the record is the empty record.
func (e *EventRecord) IsZero() bool {
	return e.RecordID == 0 && e.ID == 0 && e.Message == "" && e.ProviderName == "" && len(e.Properties) == 0
}
