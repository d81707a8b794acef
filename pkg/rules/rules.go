// Package rules is the rule engine producer. Each cycle it evaluates a
// prioritized rule list against the current telemetry, sensor and FSM
// snapshot and enqueues the action of the first rule that matches.
package rules

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/unijord/botfsm/pkg/expr"
	"github.com/unijord/botfsm/pkg/fsm"
	"github.com/unijord/botfsm/pkg/queue"
)

// Source is the request source the engine enqueues under.
const Source = "rule_engine"

// DefaultInterval is the pause between evaluation cycles.
const DefaultInterval = 2 * time.Second

// Rule maps a condition to the event enqueued when it holds. Lower Priority
// values are evaluated first.
type Rule struct {
	Name      string `json:"name"`
	Condition string `json:"condition"`
	Action    string `json:"action"`
	Priority  int    `json:"priority"`
}

// DefaultRules returns the built-in rule set for the default transition
// table.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:      "RecoverFromError",
			Condition: `fsm.state == "ERROR" && lookup(telemetry, "battery_percent", 0.0) > 10`,
			Action:    "RESET",
			Priority:  0,
		},
		{
			Name:      "HighTemperature",
			Condition: `fsm.state != "ERROR" && sensors.thermal.core_temp.cpu > 80`,
			Action:    "FAULT",
			Priority:  1,
		},
		{
			Name:      "ObstacleDetected",
			Condition: `fsm.state == "MISSION_ACTIVE" && lookup(sensors, "obstacle", false) == true`,
			Action:    "OBSTACLE_DETECTED",
			Priority:  3,
		},
		{
			Name:      "ObstacleCleared",
			Condition: `fsm.state == "AVOIDING" && lookup(sensors, "obstacle", false) == false`,
			Action:    "OBSTACLE_CLEARED",
			Priority:  4,
		},
		{
			Name:      "StuckDetection",
			Condition: `fsm.state == "MISSION_ACTIVE" && telemetry.velocity == 0`,
			Action:    "FAULT",
			Priority:  5,
		},
		{
			Name:      "LowBatteryCharge",
			Condition: `fsm.state == "IDLE" && telemetry.battery_percent < 20`,
			Action:    "CHARGE",
			Priority:  10,
		},
		{
			Name:      "BatteryCharged",
			Condition: `fsm.state == "CHARGING" && telemetry.battery_percent > 95`,
			Action:    "CHARGE_COMPLETE",
			Priority:  20,
		},
	}
}

// Enqueuer appends a request to the gatekeeper's queue. queue.Queue
// satisfies it.
type Enqueuer interface {
	Enqueue(event, source string, metadata map[string]any) (queue.Request, error)
}

// SnapshotSource supplies the values conditions are evaluated against.
type SnapshotSource interface {
	Snapshot() expr.Snapshot
}

type compiledRule struct {
	Rule
	cond *expr.Condition
}

// Config holds Engine dependencies. Rules defaults to DefaultRules.
type Config struct {
	Rules    []Rule
	Source   SnapshotSource
	Queue    Enqueuer
	Interval time.Duration
	Logger   *slog.Logger
}

// Engine evaluates rules and enqueues events.
type Engine struct {
	rules     []compiledRule
	source    SnapshotSource
	queue     Enqueuer
	evaluator *expr.Evaluator
	interval  time.Duration
	logger    *slog.Logger
}

// NewEngine compiles every rule. A rule without a name, condition or action,
// or whose condition does not compile, is a configuration error.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Source == nil {
		return nil, errors.New("rules: snapshot source is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("rules: queue is required")
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	env, err := expr.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("rules: build environment: %w", err)
	}
	compiler := expr.NewCompiler(env)

	compiled := make([]compiledRule, 0, len(cfg.Rules))
	for i, r := range cfg.Rules {
		if r.Name == "" || r.Condition == "" || r.Action == "" {
			return nil, fmt.Errorf("rules: rule %d: name, condition and action are required", i)
		}
		cond, err := compiler.CompileBool(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("rules: rule %q: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{Rule: r, cond: cond})
	}
	slices.SortStableFunc(compiled, func(a, b compiledRule) int {
		return cmp.Compare(a.Priority, b.Priority)
	})

	return &Engine{
		rules:     compiled,
		source:    cfg.Source,
		queue:     cfg.Queue,
		evaluator: expr.NewEvaluator(),
		interval:  cfg.Interval,
		logger:    cfg.Logger.With("component", "rule_engine"),
	}, nil
}

// Rules returns the rules in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Rule
	}
	return out
}

// Evaluate returns the first rule matching snap. A condition that fails to
// evaluate counts as not matched.
func (e *Engine) Evaluate(snap expr.Snapshot) (Rule, bool) {
	vars := snap.Vars()
	for _, r := range e.rules {
		ok, err := e.evaluator.EvalBool(r.cond, vars)
		if err != nil {
			e.logger.Debug("rule not evaluable", "rule", r.Name, "error", err)
			continue
		}
		if ok {
			return r.Rule, true
		}
	}
	return Rule{}, false
}

// RunOnce evaluates the rules once and enqueues the first match. It returns
// the enqueued action, or "" when no rule fired.
func (e *Engine) RunOnce(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	snap := e.source.Snapshot()
	if state, _ := snap.FSM["state"].(string); state == "error" {
		e.logger.Warn("state file unreadable, evaluating against error state")
	}

	rule, ok := e.Evaluate(snap)
	if !ok {
		return "", nil
	}

	req, err := e.queue.Enqueue(rule.Action, Source, map[string]any{"rule": rule.Name})
	if err != nil {
		e.logger.Error("failed to enqueue rule action", "rule", rule.Name, "action", rule.Action, "error", err)
		return "", fmt.Errorf("enqueue %s: %w", rule.Action, err)
	}
	e.logger.Info("rule fired", "rule", rule.Name, "action", rule.Action, "request_id", req.ID)
	return rule.Action, nil
}

// Run calls RunOnce every interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("rule engine running", "rules", len(e.rules), "interval", e.interval)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if _, err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("rule cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			e.logger.Info("rule engine stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// CheckActions reports rules whose action no state in table accepts.
func CheckActions(rules []Rule, table fsm.Table) []Rule {
	accepted := make(map[string]bool)
	for _, events := range table {
		for event := range events {
			accepted[event] = true
		}
	}
	var unknown []Rule
	for _, r := range rules {
		if !accepted[r.Action] {
			unknown = append(unknown, r)
		}
	}
	return unknown
}
