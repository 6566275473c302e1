package cmd

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Iron-Ham/forge/internal/conflict"
	"github.com/Iron-Ham/forge/internal/session"
	"github.com/Iron-Ham/forge/internal/testutil"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	resetFlags(root)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

// resetFlags restores every flag to its default. Commands are package
// globals, so values would otherwise leak from one execution to the next.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// setupTestEnvironment points config, data, store and drafts at temp dirs and
// returns the drafts root.
func setupTestEnvironment(t *testing.T) string {
	t.Helper()
	draftsDir := t.TempDir()
	testutil.IsolateEnv(t)
	t.Setenv("FORGE_STORE_DIR", t.TempDir())
	t.Setenv("FORGE_STORE_BACKEND", "json")
	t.Setenv("FORGE_DRAFTS_DIR", draftsDir)
	return draftsDir
}

var sessionLine = regexp.MustCompile(`Session: (\S+)`)

// startSession runs `forge run` with no drafts present and returns the new
// session's ID. The session is left running.
func startSession(t *testing.T) string {
	t.Helper()
	out, err := executeCommand(rootCmd, "run", "--timeout", "0")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	m := sessionLine.FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("run output has no session ID:\n%s", out)
	}
	if !strings.Contains(out, "Session left running") {
		t.Errorf("run output should say the session was left running:\n%s", out)
	}
	return m[1]
}

func writeDraft(t *testing.T, root, sessionID string, round int, participant, text string) {
	t.Helper()
	testutil.WriteRound(t, root, sessionID, round, map[string]string{participant: text})
}

func sessionState(t *testing.T, id string) session.Snapshot {
	t.Helper()
	out, err := executeCommand(rootCmd, "status", id, "-o", "json")
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	var snap session.Snapshot
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("status output is not a snapshot: %v\n%s", err, out)
	}
	return snap
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "forge" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "forge")
	}

	expectedCmds := []string{
		"run", "status", "conflicts", "sessions", "config",
		"pause", "resume", "stop", "extend", "rollback", "advance", "rm",
		"intervene", "requests", "request", "dismiss", "escalate", "resolve", "ack",
	}
	cmdMap := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		cmdMap[c.Name()] = true
	}
	for _, expected := range expectedCmds {
		if !cmdMap[expected] {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}
}

func TestRunAndConverge(t *testing.T) {
	draftsDir := setupTestEnvironment(t)
	id := startSession(t)

	text := "The cache should be regional. Writes go through the primary."
	writeDraft(t, draftsDir, id, 1, "alice", text)

	// One participant is not enough for the default of two.
	out, err := executeCommand(rootCmd, "run", "--resume", id)
	if err != nil {
		t.Fatalf("run --resume: %v\n%s", err, out)
	}
	if snap := sessionState(t, id); snap.State != session.StateRunning || snap.CurrentRound != 1 {
		t.Fatalf("after one draft: state %s round %d, want running round 1", snap.State, snap.CurrentRound)
	}

	writeDraft(t, draftsDir, id, 1, "bob", text)
	out, err = executeCommand(rootCmd, "run", "--resume", id)
	if err != nil {
		t.Fatalf("run --resume: %v\n%s", err, out)
	}
	if !strings.Contains(out, "converged") {
		t.Errorf("run output should report the converged round:\n%s", out)
	}

	snap := sessionState(t, id)
	if snap.State != session.StateCompleted {
		t.Fatalf("state = %s, want completed", snap.State)
	}
	if len(snap.Rounds) == 0 || snap.Rounds[0].State != session.RoundConverged {
		t.Errorf("round 1 = %+v, want converged", snap.Rounds)
	}

	if _, err := executeCommand(rootCmd, "run", "--resume", id); err == nil {
		t.Error("resuming a completed session should fail")
	}

	if out, err := executeCommand(rootCmd, "rm", id); err != nil {
		t.Fatalf("rm: %v\n%s", err, out)
	}
	out, err = executeCommand(rootCmd, "sessions", "list", "-o", "json")
	if err != nil {
		t.Fatalf("sessions list: %v\n%s", err, out)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("sessions after rm = %s, want []", out)
	}
}

func TestAdvanceReportsConflicts(t *testing.T) {
	draftsDir := setupTestEnvironment(t)
	id := startSession(t)

	writeDraft(t, draftsDir, id, 1, "alice", "The p99 latency budget is 50ms.")
	writeDraft(t, draftsDir, id, 1, "bob", "The p99 latency budget is 200ms.")
	out, err := executeCommand(rootCmd, "advance", id)
	if err != nil {
		t.Fatalf("advance: %v\n%s", err, out)
	}

	out, err = executeCommand(rootCmd, "conflicts", id, "-o", "json")
	if err != nil {
		t.Fatalf("conflicts: %v\n%s", err, out)
	}
	var cs []conflict.Conflict
	if err := json.Unmarshal([]byte(out), &cs); err != nil {
		t.Fatalf("conflicts output: %v\n%s", err, out)
	}
	if len(cs) != 1 || cs[0].Severity != conflict.SeverityCritical {
		t.Fatalf("conflicts = %+v, want one critical", cs)
	}

	// A critical conflict files a critical request.
	out, err = executeCommand(rootCmd, "requests", id, "-o", "json")
	if err != nil {
		t.Fatalf("requests: %v\n%s", err, out)
	}
	if !strings.Contains(out, `"critical"`) {
		t.Errorf("requests should include a critical request:\n%s", out)
	}

	if out, err := executeCommand(rootCmd, "resolve", id, cs[0].ID, "Use", "100ms"); err != nil {
		t.Fatalf("resolve: %v\n%s", err, out)
	}
	out, err = executeCommand(rootCmd, "conflicts", id, "--unresolved", "-o", "json")
	if err != nil {
		t.Fatalf("conflicts --unresolved: %v\n%s", err, out)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("unresolved conflicts after resolve = %s, want []", out)
	}
}

func TestPauseInterveneResume(t *testing.T) {
	setupTestEnvironment(t)
	id := startSession(t)

	if out, err := executeCommand(rootCmd, "pause", id, "--reason", "lunch"); err != nil {
		t.Fatalf("pause: %v\n%s", err, out)
	}
	out, err := executeCommand(rootCmd, "intervene", id, "--content", "Assume a single region")
	if err != nil {
		t.Fatalf("intervene: %v\n%s", err, out)
	}
	if !strings.Contains(out, "(held)") {
		t.Errorf("input submitted while paused should be held:\n%s", out)
	}

	out, err = executeCommand(rootCmd, "status", id, "-o", "yaml")
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	if !strings.Contains(out, "state: paused") || !strings.Contains(out, "reason: lunch") {
		t.Errorf("yaml status should show the pause:\n%s", out)
	}

	if out, err := executeCommand(rootCmd, "rm", id); err == nil {
		t.Errorf("rm of a paused session should fail:\n%s", out)
	}
	if out, err := executeCommand(rootCmd, "resume", id); err != nil {
		t.Fatalf("resume: %v\n%s", err, out)
	}
	snap := sessionState(t, id)
	if snap.State != session.StateRunning {
		t.Errorf("state after resume = %s, want running", snap.State)
	}
	if n := len(snap.Interventions.Interventions); n != 1 || snap.Interventions.Interventions[0].Status != "active" {
		t.Errorf("interventions after resume = %+v, want one active", snap.Interventions.Interventions)
	}

	if out, err := executeCommand(rootCmd, "stop", id); err != nil {
		t.Fatalf("stop: %v\n%s", err, out)
	}
	if snap := sessionState(t, id); snap.State != session.StateStopped {
		t.Errorf("state after stop = %s, want stopped", snap.State)
	}
}

func TestRequestLifecycle(t *testing.T) {
	setupTestEnvironment(t)
	id := startSession(t)

	out, err := executeCommand(rootCmd, "request", id, "--priority", "low", "--reason", "check scope")
	if err != nil {
		t.Fatalf("request: %v\n%s", err, out)
	}
	m := regexp.MustCompile(`Request (\S+) filed`).FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("request output has no ID:\n%s", out)
	}
	reqID := m[1]

	out, err = executeCommand(rootCmd, "escalate", id, reqID)
	if err != nil {
		t.Fatalf("escalate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "is now medium") {
		t.Errorf("escalate output = %q, want the raised priority", out)
	}

	if out, err := executeCommand(rootCmd, "dismiss", id, reqID); err != nil {
		t.Fatalf("dismiss: %v\n%s", err, out)
	}
	out, err = executeCommand(rootCmd, "requests", id, "-o", "text")
	if err != nil {
		t.Fatalf("requests: %v\n%s", err, out)
	}
	if !strings.Contains(out, "No open requests.") {
		t.Errorf("requests after dismiss:\n%s", out)
	}

	if _, err := executeCommand(rootCmd, "dismiss", id, "no-such-request"); err == nil {
		t.Error("dismissing an unknown request should fail")
	}
}

func TestRunRejectsInvalidOverrides(t *testing.T) {
	setupTestEnvironment(t)
	for _, args := range [][]string{
		{"run", "--max-rounds", "0"},
		{"run", "--threshold", "1.5"},
	} {
		if out, err := executeCommand(rootCmd, args...); err == nil {
			t.Errorf("%v should fail:\n%s", args, out)
		}
	}
	out, err := executeCommand(rootCmd, "sessions", "list", "-o", "json")
	if err != nil {
		t.Fatalf("sessions list: %v\n%s", err, out)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("rejected runs left sessions behind: %s", out)
	}
}

func TestStatusUnknownSession(t *testing.T) {
	setupTestEnvironment(t)
	if _, err := executeCommand(rootCmd, "status", "missing", "-o", "text"); err == nil {
		t.Error("status of an unknown session should fail")
	}
	if _, err := executeCommand(rootCmd, "status", "-o", "xml"); err == nil {
		t.Error("an unknown output format should fail")
	}
	out, err := executeCommand(rootCmd, "status", "-o", "text")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "No sessions found.") {
		t.Errorf("empty status:\n%s", out)
	}
}

func TestConfigCommands(t *testing.T) {
	setupTestEnvironment(t)

	out, err := executeCommand(rootCmd, "config", "init")
	if err != nil {
		t.Fatalf("config init: %v\n%s", err, out)
	}
	if _, err := executeCommand(rootCmd, "config", "init"); err == nil {
		t.Error("second config init should fail")
	}

	out, err = executeCommand(rootCmd, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v\n%s", err, out)
	}

	out, err = executeCommand(rootCmd, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v\n%s", err, out)
	}
	for _, want := range []string{"max_rounds: 5", "similarity: jaccard", "backend: json"} {
		if !strings.Contains(out, want) {
			t.Errorf("config show missing %q:\n%s", want, out)
		}
	}
}

func TestParseConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		want       any
		wantErr    bool
	}{
		{"session.max_rounds", "8", 8, false},
		{"session.max_rounds", "eight", nil, true},
		{"session.convergence_threshold", "0.75", 0.75, false},
		{"drafts.watch", "true", true, false},
		{"drafts.watch", "yes please", nil, true},
		{"store.backend", "sqlite", "sqlite", false},
		{"no.such.key", "1", nil, true},
	}
	for _, tt := range tests {
		got, err := parseConfigValue(tt.key, tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseConfigValue(%q, %q) error = %v, wantErr %v", tt.key, tt.value, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseConfigValue(%q, %q) = %v, want %v", tt.key, tt.value, got, tt.want)
		}
	}
}

func TestWriteStructured(t *testing.T) {
	v := struct {
		ID    string        `json:"id"`
		State session.State `json:"state"`
		Tags  []string      `json:"tags"`
	}{ID: "s1", State: session.StatePaused, Tags: []string{"a", "b"}}

	var buf bytes.Buffer
	if err := writeStructured(&buf, formatYAML, v); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	want := "id: s1\nstate: paused\ntags:\n  - a\n  - b\n"
	if buf.String() != want {
		t.Errorf("yaml =\n%s\nwant\n%s", buf.String(), want)
	}

	buf.Reset()
	if err := writeStructured(&buf, formatJSON, v); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !strings.Contains(buf.String(), `"state": "paused"`) {
		t.Errorf("json = %s", buf.String())
	}

	if err := writeStructured(&buf, "xml", v); err == nil {
		t.Error("unknown format should fail")
	}
}

func TestPrinterPlainOutput(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	if p.styled {
		t.Fatal("a buffer is not a terminal")
	}
	p.session(session.Snapshot{
		ID:           "s1",
		State:        session.StatePaused,
		CurrentRound: 2,
		Config:       session.Config{MaxRounds: 5, ConvergenceThreshold: 0.8},
		Rounds: []session.Round{
			{Number: 1, State: session.RoundCompleted, Score: 0.5},
			{Number: 2, State: session.RoundInProgress},
		},
	})
	out := buf.String()
	if strings.Contains(out, "\x1b[") {
		t.Errorf("plain output contains escape sequences:\n%q", out)
	}
	for _, want := range []string{"Session s1", "[paused]", "2 / 5", "#1", "score 0.50"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "#2") {
		t.Errorf("open round should not be listed:\n%s", out)
	}
	for _, line := range strings.Split(out, "\n") {
		if len([]rune(line)) > defaultWidth {
			t.Errorf("line wider than %d: %q", defaultWidth, line)
		}
	}
}
