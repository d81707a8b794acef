// Package config loads botfsm settings from CUE files.
//
// Every setting has a default derived from a base directory, so an empty
// configuration runs the system with the standard file layout:
//
//	<base>/fsm_state.json          state document
//	<base>/fsm_requests.json       request queue
//	<base>/fsm_journal.db          transition journal
//	<base>/telemetry.json
//	<base>/sensors.json
//	<base>/config/mission.json
//	<base>/logs/fsm_log.txt
//	<base>/logs/fsm_errors.log
//
// A CUE file may override any subset of them:
//
//	poll_interval: "100ms"
//	schema:        "compact"
//	transitions: IDLE: START: "RUNNING"
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/unijord/botfsm/pkg/fsm"
	"github.com/unijord/botfsm/pkg/rules"
	"github.com/unijord/botfsm/pkg/statestore"
)

// DefaultFile is loaded by the commands when no -config flag is given and
// the file exists.
const DefaultFile = "config/botfsm.cue"

// Config is the resolved configuration. Paths are absolute or relative to
// the working directory.
type Config struct {
	BaseDir string

	StateFile     string
	QueueFile     string
	JournalFile   string
	LogFile       string
	ErrorLogFile  string
	TelemetryFile string
	SensorsFile   string
	MissionFile   string

	PollInterval time.Duration
	Schema       statestore.SchemaVersion
	InitialState string
	// MaxHistory caps the history kept in the state document. 0 keeps all.
	MaxHistory  int
	Transitions fsm.Table

	Rules        []rules.Rule
	RuleInterval time.Duration

	// MetricsAddr is the listen address of the /metrics endpoint. Empty
	// disables it.
	MetricsAddr string
}

// Default returns the configuration for the standard layout under baseDir.
func Default(baseDir string) *Config {
	p := func(elem ...string) string {
		return filepath.Join(append([]string{baseDir}, elem...)...)
	}
	return &Config{
		BaseDir:       baseDir,
		StateFile:     p("fsm_state.json"),
		QueueFile:     p("fsm_requests.json"),
		JournalFile:   p("fsm_journal.db"),
		LogFile:       p("logs", "fsm_log.txt"),
		ErrorLogFile:  p("logs", "fsm_errors.log"),
		TelemetryFile: p("telemetry.json"),
		SensorsFile:   p("sensors.json"),
		MissionFile:   p("config", "mission.json"),
		PollInterval:  200 * time.Millisecond,
		Schema:        statestore.SchemaFull,
		InitialState:  fsm.StateIdle,
		MaxHistory:    fsm.DefaultMaxHistory,
		Transitions:   fsm.DefaultTable(),
		Rules:         rules.DefaultRules(),
		RuleInterval:  rules.DefaultInterval,
	}
}

// Validate reports settings the processes cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.StateFile == "" {
		errs = append(errs, errors.New("state_file is empty"))
	}
	if c.QueueFile == "" {
		errs = append(errs, errors.New("queue_file is empty"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.RuleInterval <= 0 {
		errs = append(errs, fmt.Errorf("rule_interval must be positive, got %s", c.RuleInterval))
	}
	if c.MaxHistory < 0 {
		errs = append(errs, fmt.Errorf("max_history must not be negative, got %d", c.MaxHistory))
	}
	if len(c.Transitions) == 0 {
		errs = append(errs, errors.New("transitions table is empty"))
	} else if !c.Transitions.Has(c.InitialState) {
		errs = append(errs, fmt.Errorf("initial_state %q is not in the transition table", c.InitialState))
	}
	return errors.Join(errs...)
}
