package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func testRun(t *testing.T, stdin string, args ...string) (int, string) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	var out bytes.Buffer
	code := run(context.Background(), args, strings.NewReader(stdin), &out, log)
	return code, out.String()
}

func setupState(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOSTWATCH_STATE_DIR", filepath.Join(dir, "state"))
	t.Setenv("HOSTWATCH_CONFIG", filepath.Join(dir, "missing.yml"))
	return dir
}

func TestRun_Usage(t *testing.T) {
	setupState(t)
	if code, out := testRun(t, ""); code != 1 || !strings.Contains(out, "Commands:") {
		t.Errorf("no command: code=%d out=%q", code, out)
	}
	if code, out := testRun(t, "", "bogus"); code != 1 || !strings.Contains(out, "unknown command") {
		t.Errorf("unknown command: code=%d out=%q", code, out)
	}
	if code, _ := testRun(t, "", "quarantine"); code != 1 {
		t.Errorf("quarantine without paths: code=%d", code)
	}
}

func TestRun_QuarantineAndRollback(t *testing.T) {
	dir := setupState(t)
	victim := filepath.Join(dir, "victim.exe")
	if err := os.WriteFile(victim, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, out := testRun(t, "", "quarantine", victim)
	if code != 0 || !strings.Contains(out, "would move 1") {
		t.Fatalf("dry run: code=%d out=%q", code, out)
	}
	if _, err := os.Stat(victim); err != nil {
		t.Fatalf("dry run moved the file: %v", err)
	}

	code, out = testRun(t, "n\n", "quarantine", "-dry-run=false", victim)
	if code != 0 || !strings.Contains(out, "cancelled") {
		t.Fatalf("declined: code=%d out=%q", code, out)
	}
	if _, err := os.Stat(victim); err != nil {
		t.Fatalf("declined prompt moved the file: %v", err)
	}

	code, out = testRun(t, "y\n", "quarantine", "-dry-run=false", victim)
	if code != 0 || !strings.Contains(out, "moved 1, failed 0") {
		t.Fatalf("quarantine: code=%d out=%q", code, out)
	}
	if _, err := os.Stat(victim); !os.IsNotExist(err) {
		t.Fatalf("file still present after quarantine: %v", err)
	}

	code, out = testRun(t, "", "rollback", "-yes")
	if code != 0 || !strings.Contains(out, "restored 1, failed 0") {
		t.Fatalf("rollback: code=%d out=%q", code, out)
	}
	data, err := os.ReadFile(victim)
	if err != nil || string(data) != "payload" {
		t.Errorf("restored file = %q, %v", data, err)
	}
}

func TestRun_RollbackWithoutManifest(t *testing.T) {
	setupState(t)
	code, out := testRun(t, "", "rollback", "-yes")
	if code != 1 || !strings.Contains(out, "no rollback manifest") {
		t.Errorf("code=%d out=%q", code, out)
	}
}

func TestRun_PurgeNothing(t *testing.T) {
	setupState(t)
	code, out := testRun(t, "", "purge", "-yes")
	if code != 0 || !strings.Contains(out, "no runs selected") {
		t.Errorf("code=%d out=%q", code, out)
	}
}

func TestRun_Log(t *testing.T) {
	dir := setupState(t)
	logPath := filepath.Join(dir, "state", "agent", "agent.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(logPath, []byte("one\ntwo\nthree\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	code, out := testRun(t, "", "log", "-n", "2")
	if code != 0 || out != "two\nthree\n" {
		t.Errorf("code=%d out=%q", code, out)
	}
}

func TestRun_Detect(t *testing.T) {
	dir := setupState(t)
	rules := filepath.Join(dir, "rules")
	if err := os.MkdirAll(rules, 0o755); err != nil {
		t.Fatal(err)
	}
	rule := "title: Failed logon\ndetection:\n  equals:\n    Id: \"4625\"\n"
	if err := os.WriteFile(filepath.Join(rules, "failed_logon.yml"), []byte(rule), 0o644); err != nil {
		t.Fatal(err)
	}

	code, out := testRun(t, "", "detect", "-rules", rules, "-sources", "security")
	if code != 0 || !strings.Contains(out, "no matches") {
		t.Errorf("code=%d out=%q", code, out)
	}
}

func TestHumanBytes(t *testing.T) {
	tests := map[int64]string{0: "0 B", 1023: "1023 B", 1024: "1.0 KiB", 1536: "1.5 KiB", 5 << 20: "5.0 MiB"}
	for in, want := range tests {
		if got := humanBytes(in); got != want {
			t.Errorf("humanBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
