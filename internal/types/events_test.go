package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventRecord_Field(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := EventRecord{
		RecordID:         42,
		ID:               4625,
		ProviderName:     "Microsoft-Windows-Security-Auditing",
		LevelDisplayName: "Information",
		TimeCreated:      ts,
		Message:          "An account failed to log on.",
		Properties:       []string{"S-1-0-0", "alice"},
		Channel:          "security",
	}
	tests := []struct {
		field string
		want  string
	}{
		{"RecordId", "42"},
		{"Id", "4625"},
		{"ProviderName", "Microsoft-Windows-Security-Auditing"},
		{"LevelDisplayName", "Information"},
		{"TimeCreated", "2024-03-01T12:00:00Z"},
		{"Message", "An account failed to log on."},
		{"Properties", "S-1-0-0 alice"},
		{"Channel", "security"},
		{"Nope", ""},
		{"message", ""},
	}
	for _, tt := range tests {
		if got := ev.Field(tt.field); got != tt.want {
			t.Errorf("Field(%q) = %q, want %q", tt.field, got, tt.want)
		}
	}
}

func TestEventRecord_Field_ZeroTime(t *testing.T) {
	var ev EventRecord
	if got := ev.Field("TimeCreated"); got != "" {
		t.Errorf("Field(TimeCreated) on zero record = %q, want empty", got)
	}
	if !ev.IsZero() {
		t.Error("zero record should report IsZero")
	}
}

func TestEventRecord_DecodeExportShape(t *testing.T) {
	line := `{"RecordId":7,"Id":4104,"ProviderName":"Microsoft-Windows-PowerShell","LevelDisplayName":"Warning","TimeCreated":"2024-03-01T12:00:00Z","Message":"Creating Scriptblock text","Properties":["1","1","iex (New-Object Net.WebClient)"]}`
	var ev EventRecord
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ev.RecordID != 7 || ev.ID != 4104 {
		t.Errorf("decoded RecordID=%d ID=%d", ev.RecordID, ev.ID)
	}
	if len(ev.Properties) != 3 || ev.Properties[2] != "iex (New-Object Net.WebClient)" {
		t.Errorf("decoded Properties = %v", ev.Properties)
	}
	if ev.IsZero() {
		t.Error("decoded record should not be zero")
	}
}
