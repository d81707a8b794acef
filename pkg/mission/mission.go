// Package mission runs scripted missions: an ordered list of steps, each
// optionally guarded by a condition, that send trigger events to the
// gatekeeper and pause between them.
package mission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/unijord/botfsm/pkg/expr"
	"github.com/unijord/botfsm/pkg/queue"
)

// Source is the request source the executor enqueues under.
const Source = "mission_executor"

// ErrNoSteps is returned for a mission without steps.
var ErrNoSteps = errors.New("mission has no steps")

// Step is one mission instruction. Every field except StepID is optional.
type Step struct {
	StepID      string  `json:"step_id"`
	Action      string  `json:"action,omitempty"`
	Condition   string  `json:"condition,omitempty"`
	Trigger     string  `json:"trigger,omitempty"`
	WaitSeconds float64 `json:"wait_seconds,omitempty"`
	Break       bool    `json:"break,omitempty"`
}

// Mission is the mission file.
type Mission struct {
	MissionID   string `json:"mission_id"`
	Description string `json:"description"`
	Steps       []Step `json:"steps"`
}

// Load reads and decodes a mission file.
func Load(path string) (*Mission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mission: %w", err)
	}
	var m Mission
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode mission %s: %w", path, err)
	}
	if len(m.Steps) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoSteps)
	}
	return &m, nil
}

// Enqueuer appends a request to the gatekeeper's queue.
type Enqueuer interface {
	Enqueue(event, source string, metadata map[string]any) (queue.Request, error)
}

// SnapshotSource supplies the values step conditions are evaluated against.
type SnapshotSource interface {
	Snapshot() expr.Snapshot
}

// StepResult reports what happened to one step.
type StepResult struct {
	StepID    string
	Skipped   bool
	Triggered string
}

// Config holds Executor dependencies. Queue is required; Source is needed
// once any step has a condition.
type Config struct {
	Source SnapshotSource
	Queue  Enqueuer
	Logger *slog.Logger
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor runs a Mission.
type Executor struct {
	mission    *Mission
	conditions map[int]*expr.Condition
	evaluator  *expr.Evaluator
	source     SnapshotSource
	queue      Enqueuer
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *slog.Logger
}

// NewExecutor compiles every step condition up front so a typo fails the
// mission before its first trigger is sent.
func NewExecutor(m *Mission, cfg Config) (*Executor, error) {
	if m == nil || len(m.Steps) == 0 {
		return nil, ErrNoSteps
	}
	if cfg.Queue == nil {
		return nil, errors.New("mission: queue is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}

	env, err := expr.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("mission: build environment: %w", err)
	}
	compiler := expr.NewCompiler(env)

	conditions := make(map[int]*expr.Condition)
	for i, step := range m.Steps {
		if step.Condition == "" {
			continue
		}
		if cfg.Source == nil {
			return nil, fmt.Errorf("mission: step %s has a condition but no snapshot source", step.StepID)
		}
		cond, err := compiler.CompileBool(step.Condition)
		if err != nil {
			return nil, fmt.Errorf("mission: step %s: %w", step.StepID, err)
		}
		conditions[i] = cond
	}

	return &Executor{
		mission:    m,
		conditions: conditions,
		evaluator:  expr.NewEvaluator(),
		source:     cfg.Source,
		queue:      cfg.Queue,
		sleep:      cfg.Sleep,
		logger: cfg.Logger.With(
			"component", "mission_executor",
			"mission_id", m.MissionID),
	}, nil
}

// Run executes the steps in order. For each step: a false condition skips
// it, a trigger is enqueued, the wait is honored and a break ends the
// mission. Run returns early with ctx.Err() when ctx is cancelled.
func (e *Executor) Run(ctx context.Context) ([]StepResult, error) {
	e.logger.Info("mission starting", "description", e.mission.Description, "steps", len(e.mission.Steps))

	results := make([]StepResult, 0, len(e.mission.Steps))
	for i, step := range e.mission.Steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		log := e.logger.With("step_id", step.StepID)
		log.Info("step", "action", step.Action)
		result := StepResult{StepID: step.StepID}

		if cond, ok := e.conditions[i]; ok {
			matched, err := e.evaluator.EvalBool(cond, e.source.Snapshot().Vars())
			if err != nil {
				log.Debug("condition not evaluable", "condition", step.Condition, "error", err)
			}
			if !matched {
				log.Info("condition false, skipping step", "condition", step.Condition)
				result.Skipped = true
				results = append(results, result)
				continue
			}
		}

		if step.Trigger != "" {
			meta := map[string]any{"mission_id": e.mission.MissionID, "step_id": step.StepID}
			if _, err := e.queue.Enqueue(step.Trigger, Source, meta); err != nil {
				log.Error("failed to enqueue trigger", "trigger", step.Trigger, "error", err)
				return results, fmt.Errorf("step %s: enqueue %s: %w", step.StepID, step.Trigger, err)
			}
			log.Info("trigger sent", "trigger", step.Trigger)
			result.Triggered = step.Trigger
		}

		if step.WaitSeconds > 0 {
			d := time.Duration(step.WaitSeconds * float64(time.Second))
			if err := e.sleep(ctx, d); err != nil {
				results = append(results, result)
				return results, err
			}
		}

		results = append(results, result)

		if step.Break {
			log.Info("break, mission terminated")
			return results, nil
		}
	}

	e.logger.Info("mission complete")
	return results, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
