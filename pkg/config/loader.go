package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/unijord/botfsm/pkg/fsm"
	"github.com/unijord/botfsm/pkg/rules"
	"github.com/unijord/botfsm/pkg/statestore"
)

// schema lists the accepted settings. Load closes it, and each rule is
// closed too, so an unknown field at either level is an error.
const schema = `
state_file?:     string
queue_file?:     string
journal_file?:   string
log_file?:       string
error_log_file?: string
telemetry_file?: string
sensors_file?:   string
mission_file?:   string
poll_interval?:  string
schema?:         "full" | "compact"
initial_state?:  string & !=""
max_history?:    int & >=0
transitions?: [string]: [string]: string & !=""
rules?: [...close({
	name:      string & !=""
	condition: string & !=""
	action:    string & !=""
	priority:  *999 | int
})]
rule_interval?: string
metrics_addr?:  string
`

// file mirrors the schema. Nil means "not set".
type file struct {
	StateFile     *string                      `json:"state_file"`
	QueueFile     *string                      `json:"queue_file"`
	JournalFile   *string                      `json:"journal_file"`
	LogFile       *string                      `json:"log_file"`
	ErrorLogFile  *string                      `json:"error_log_file"`
	TelemetryFile *string                      `json:"telemetry_file"`
	SensorsFile   *string                      `json:"sensors_file"`
	MissionFile   *string                      `json:"mission_file"`
	PollInterval  *string                      `json:"poll_interval"`
	Schema        *string                      `json:"schema"`
	InitialState  *string                      `json:"initial_state"`
	MaxHistory    *int                         `json:"max_history"`
	Transitions   map[string]map[string]string `json:"transitions"`
	Rules         []rules.Rule                 `json:"rules"`
	RuleInterval  *string                      `json:"rule_interval"`
	MetricsAddr   *string                      `json:"metrics_addr"`
}

// Load starts from Default(baseDir) and applies files in order; later files
// win. Relative paths inside a file are resolved against baseDir.
func Load(baseDir string, files ...string) (*Config, error) {
	cfg := Default(baseDir)

	ctx := cuecontext.New()
	schemaValue := ctx.CompileString("close({" + schema + "})")
	if err := schemaValue.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	for _, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		value := ctx.CompileBytes(content, cue.Filename(path))
		if err := value.Err(); err != nil {
			return nil, fmt.Errorf("compile config %s: %w", path, err)
		}

		unified := schemaValue.Unify(value)
		if err := unified.Validate(cue.Concrete(true)); err != nil {
			return nil, fmt.Errorf("validate config %s: %w", path, err)
		}

		var f file
		if err := unified.Decode(&f); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		if err := cfg.apply(f); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(f file) error {
	setPath := func(dst *string, src *string) {
		if src == nil {
			return
		}
		if filepath.IsAbs(*src) || *src == "" {
			*dst = *src
			return
		}
		*dst = filepath.Join(c.BaseDir, *src)
	}
	setPath(&c.StateFile, f.StateFile)
	setPath(&c.QueueFile, f.QueueFile)
	setPath(&c.JournalFile, f.JournalFile)
	setPath(&c.LogFile, f.LogFile)
	setPath(&c.ErrorLogFile, f.ErrorLogFile)
	setPath(&c.TelemetryFile, f.TelemetryFile)
	setPath(&c.SensorsFile, f.SensorsFile)
	setPath(&c.MissionFile, f.MissionFile)

	if f.PollInterval != nil {
		d, err := time.ParseDuration(*f.PollInterval)
		if err != nil {
			return fmt.Errorf("poll_interval: %w", err)
		}
		c.PollInterval = d
	}
	if f.RuleInterval != nil {
		d, err := time.ParseDuration(*f.RuleInterval)
		if err != nil {
			return fmt.Errorf("rule_interval: %w", err)
		}
		c.RuleInterval = d
	}
	if f.Schema != nil {
		v, err := statestore.ParseSchemaVersion(*f.Schema)
		if err != nil {
			return err
		}
		c.Schema = v
	}
	if f.InitialState != nil {
		c.InitialState = *f.InitialState
	}
	if f.MaxHistory != nil {
		c.MaxHistory = *f.MaxHistory
	}
	if f.Transitions != nil {
		c.Transitions = fsm.Table(f.Transitions)
	}
	if f.Rules != nil {
		c.Rules = f.Rules
	}
	if f.MetricsAddr != nil {
		c.MetricsAddr = *f.MetricsAddr
	}
	return nil
}
