package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/botfsm/pkg/fsm"
	"github.com/unijord/botfsm/pkg/rules"
	"github.com/unijord/botfsm/pkg/statestore"
)

func writeCue(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default("/var/lib/bot")

	assert.Equal(t, "/var/lib/bot/fsm_state.json", cfg.StateFile)
	assert.Equal(t, "/var/lib/bot/fsm_requests.json", cfg.QueueFile)
	assert.Equal(t, "/var/lib/bot/fsm_journal.db", cfg.JournalFile)
	assert.Equal(t, "/var/lib/bot/logs/fsm_log.txt", cfg.LogFile)
	assert.Equal(t, "/var/lib/bot/logs/fsm_errors.log", cfg.ErrorLogFile)
	assert.Equal(t, "/var/lib/bot/config/mission.json", cfg.MissionFile)
	assert.Equal(t, 200*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, statestore.SchemaFull, cfg.Schema)
	assert.Equal(t, fsm.StateIdle, cfg.InitialState)
	assert.Equal(t, fsm.DefaultMaxHistory, cfg.MaxHistory)
	assert.Equal(t, fsm.DefaultTable(), cfg.Transitions)
	assert.Equal(t, rules.DefaultRules(), cfg.Rules)
	assert.Empty(t, cfg.MetricsAddr)
	require.NoError(t, cfg.Validate())
}

func TestLoad_NoFiles(t *testing.T) {
	cfg, err := Load("base")
	require.NoError(t, err)
	assert.Equal(t, Default("base"), cfg)
}

func TestLoad_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := writeCue(t, dir, "botfsm.cue", `
poll_interval: "50ms"
schema:        "compact"
initial_state: "IDLE"
max_history:   10
state_file:    "state/current.json"
journal_file:  "/tmp/journal.db"
metrics_addr:  ":9100"
transitions: {
	IDLE: START: "RUNNING"
	RUNNING: STOP: "IDLE"
}
rules: [{
	name:      "AlwaysStart"
	condition: "fsm.state == 'IDLE'"
	action:    "START"
}]
rule_interval: "500ms"
`)

	cfg, err := Load(dir, path)
	require.NoError(t, err)

	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, statestore.SchemaCompact, cfg.Schema)
	assert.Equal(t, 10, cfg.MaxHistory)
	assert.Equal(t, filepath.Join(dir, "state", "current.json"), cfg.StateFile)
	assert.Equal(t, "/tmp/journal.db", cfg.JournalFile)
	assert.Equal(t, filepath.Join(dir, "fsm_requests.json"), cfg.QueueFile)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.Equal(t, fsm.Table{
		"IDLE":    {"START": "RUNNING"},
		"RUNNING": {"STOP": "IDLE"},
	}, cfg.Transitions)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, 999, cfg.Rules[0].Priority)
	assert.Equal(t, 500*time.Millisecond, cfg.RuleInterval)
}

func TestLoad_LaterFileWins(t *testing.T) {
	dir := t.TempDir()
	first := writeCue(t, dir, "a.cue", `poll_interval: "1s"
schema: "compact"`)
	second := writeCue(t, dir, "b.cue", `poll_interval: "2s"`)

	cfg, err := Load(dir, first, second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, statestore.SchemaCompact, cfg.Schema)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown field", body: `colour: "blue"`},
		{name: "bad schema version", body: `schema: "tiny"`},
		{name: "negative history", body: `max_history: -1`},
		{name: "bad duration", body: `poll_interval: "soon"`},
		{name: "zero duration", body: `poll_interval: "0s"`},
		{name: "syntax", body: `poll_interval: `},
		{name: "rule without action", body: `rules: [{name: "x", condition: "true"}]`},
		{name: "unknown rule field", body: `rules: [{name: "x", condition: "true", action: "RESET", prio: 1}]`},
		{name: "initial state outside table", body: `initial_state: "FLYING"`},
		{name: "empty target", body: `transitions: IDLE: GO: ""`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := Load(dir, writeCue(t, dir, "c.cue", tt.body))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(t.TempDir(), "/nonexistent/botfsm.cue")
	require.Error(t, err)
}
