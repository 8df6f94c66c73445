package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/mistakeknot/interlock/internal/core"
)

func init() {
	color.NoColor = true
}

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// projectArgs points every command at a fresh project directory.
func projectArgs(t *testing.T) []string {
	t.Helper()
	for _, key := range []string{"INTERLOCK_PROJECT", "INTERLOCK_DB", "INTERLOCK_SOCKET", "INTERLOCK_PID_FILE", "INTERLOCK_KEYS_FILE", "INTERLOCK_REDIS_ADDR", "INTERLOCK_PURGE_SCHEDULE"} {
		t.Setenv(key, "")
	}
	return []string{"--dir", t.TempDir(), "--project", "demo", "--log-level", "error"}
}

func run(t *testing.T, base []string, args ...string) string {
	t.Helper()
	out, err := executeCommand(t, append(args, base...)...)
	if err != nil {
		t.Fatalf("%s: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestVersionFlag(t *testing.T) {
	out, err := executeCommand(t, "--version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "interlock version dev") {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestHelpListsCommands(t *testing.T) {
	out, err := executeCommand(t)
	if err != nil {
		t.Fatalf("help: %v", err)
	}
	for _, name := range []string{"daemon", "reserve", "inbox", "events", "keys"} {
		if !strings.Contains(out, name) {
			t.Fatalf("help missing %q:\n%s", name, out)
		}
	}
}

func TestKeysInitWritesProject(t *testing.T) {
	base := projectArgs(t)
	out := run(t, base, "keys", "init", "--json")

	var res map[string]string
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode: %v (%s)", err, out)
	}
	if res["project"] != "demo" || res["key"] == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	data, err := os.ReadFile(res["keys_file"])
	if err != nil {
		t.Fatalf("read keys file: %v", err)
	}
	if !bytes.Contains(data, []byte("demo")) || !bytes.Contains(data, []byte(res["key"])) {
		t.Fatalf("expected project section to be written:\n%s", data)
	}
}

func TestAgentRoundTrip(t *testing.T) {
	base := projectArgs(t)
	run(t, base, "agent", "register", "AgentA", "--task", "refactor parser")

	out := run(t, base, "agent", "list", "--json")
	var agents []core.Agent
	if err := json.Unmarshal([]byte(out), &agents); err != nil {
		t.Fatalf("decode: %v (%s)", err, out)
	}
	if len(agents) != 1 || agents[0].Name != "AgentA" || agents[0].TaskDescription != "refactor parser" {
		t.Fatalf("unexpected agents %+v", agents)
	}
	if agents[0].ProjectKey != "demo" {
		t.Fatalf("project key %q", agents[0].ProjectKey)
	}
}

func TestReserveConflictAndRelease(t *testing.T) {
	base := projectArgs(t)
	run(t, base, "agent", "register", "AgentA")
	run(t, base, "agent", "register", "AgentB")
	run(t, base, "reserve", "AgentA", "src/**/*.go", "--reason", "refactor")

	if _, err := executeCommand(t, append([]string{"reserve", "AgentB", "src/main.go", "--strict"}, base...)...); err == nil {
		t.Fatalf("expected strict reserve to fail")
	}

	out := run(t, base, "conflicts", "AgentB", "src/main.go", "--json")
	var conflicts []core.Conflict
	if err := json.Unmarshal([]byte(out), &conflicts); err != nil {
		t.Fatalf("decode: %v (%s)", err, out)
	}
	if len(conflicts) != 1 || conflicts[0].Holder != "AgentA" {
		t.Fatalf("unexpected conflicts %+v", conflicts)
	}

	if _, err := executeCommand(t, append([]string{"release", "AgentA"}, base...)...); err == nil {
		t.Fatalf("expected release without selector to fail")
	}
	out = run(t, base, "release", "AgentA", "--all", "--json")
	if !strings.Contains(out, `"released": 1`) {
		t.Fatalf("unexpected release output %q", out)
	}
	out = run(t, base, "conflicts", "AgentB", "src/main.go")
	if !strings.Contains(out, "no conflicts") {
		t.Fatalf("expected no conflicts after release, got %q", out)
	}
}

func TestMessagingCommands(t *testing.T) {
	base := projectArgs(t)
	run(t, base, "agent", "register", "AgentA")
	run(t, base, "agent", "register", "AgentB")
	run(t, base, "send", "AgentA", "AgentB", "schema change", "please review", "--importance", "urgent", "--ack")

	out := run(t, base, "inbox", "AgentB", "--json", "--bodies")
	var inbox []core.InboxEntry
	if err := json.Unmarshal([]byte(out), &inbox); err != nil {
		t.Fatalf("decode: %v (%s)", err, out)
	}
	if len(inbox) != 1 || inbox[0].Body != "please review" || inbox[0].Importance != core.ImportanceUrgent {
		t.Fatalf("unexpected inbox %+v", inbox)
	}

	idArg := strconv.FormatInt(inbox[0].ID, 10)
	out = run(t, base, "read", "AgentB", idArg)
	if !strings.Contains(out, "please review") {
		t.Fatalf("read output %q", out)
	}
	run(t, base, "ack", "AgentB", idArg)

	out = run(t, base, "inbox", "AgentB", "--unread", "--json")
	if strings.TrimSpace(out) != "[]" && strings.TrimSpace(out) != "null" {
		t.Fatalf("expected no unread messages, got %s", out)
	}
	if _, err := executeCommand(t, append([]string{"ack", "AgentA", idArg}, base...)...); err == nil {
		t.Fatalf("expected ack by a non-recipient to fail")
	}
}

func TestEventsAppendListAndReplay(t *testing.T) {
	base := projectArgs(t)
	run(t, base, "events", "append", "agent_registered", `{"name":"AgentC","task_description":"docs"}`)

	if _, err := executeCommand(t, append([]string{"events", "append", "agent_registered", `{"task_description":"x"}`}, base...)...); err == nil {
		t.Fatalf("expected schema violation to be rejected")
	}

	out := run(t, base, "events", "list", "--type", "agent_registered", "--json")
	var events []core.Event
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatalf("decode: %v (%s)", err, out)
	}
	if len(events) != 1 || events[0].Type != core.EventAgentRegistered {
		t.Fatalf("unexpected events %+v", events)
	}

	out = run(t, base, "events", "replay", "--clear")
	if !strings.Contains(out, "replayed 1 event") {
		t.Fatalf("unexpected replay output %q", out)
	}
	out = run(t, base, "agent", "list")
	if !strings.Contains(out, "AgentC") {
		t.Fatalf("agent missing after replay: %q", out)
	}
}

func TestStatsAndLockStatus(t *testing.T) {
	base := projectArgs(t)
	run(t, base, "agent", "register", "AgentA")

	out := run(t, base, "stats", "--json")
	if !strings.Contains(out, `"agents": 1`) {
		t.Fatalf("unexpected stats %q", out)
	}
	out = run(t, base, "lock", "status")
	if !strings.Contains(out, "unlocked") {
		t.Fatalf("unexpected lock status %q", out)
	}
	out = run(t, base, "daemon", "status")
	if !strings.Contains(out, "not running") {
		t.Fatalf("unexpected daemon status %q", out)
	}
}

func TestResetRequiresConfirmation(t *testing.T) {
	base := projectArgs(t)
	run(t, base, "agent", "register", "AgentA")
	if _, err := executeCommand(t, append([]string{"reset"}, base...)...); err == nil {
		t.Fatalf("expected reset without --yes to fail")
	}
	run(t, base, "reset", "--yes")
	out := run(t, base, "agent", "list")
	if !strings.Contains(out, "no agents") {
		t.Fatalf("expected empty store, got %q", out)
	}
	if _, err := os.Stat(filepath.Join(base[1], ".interlock", "interlock.db")); err != nil {
		t.Fatalf("database should survive reset: %v", err)
	}
}
