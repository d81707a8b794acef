// Command ruleengine evaluates the configured rules against telemetry,
// sensors and the FSM state on a fixed interval and enqueues the action of
// the first matching rule.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/unijord/botfsm/pkg/expr"
	"github.com/unijord/botfsm/pkg/process"
	"github.com/unijord/botfsm/pkg/queue"
	"github.com/unijord/botfsm/pkg/rules"
	"github.com/unijord/botfsm/pkg/statestore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ruleengine:", err)
		os.Exit(1)
	}
}

func run() error {
	var flags process.Flags
	flags.Register(flag.CommandLine)
	once := flag.Bool("once", false, "evaluate the rules once and exit")
	flag.Parse()

	cfg, logger, closeLogs, err := flags.Setup("ruleengine", true)
	if err != nil {
		return err
	}
	defer closeLogs()

	for _, r := range rules.CheckActions(cfg.Rules, cfg.Transitions) {
		logger.Warn("rule action is not an event of the transition table", "rule", r.Name, "action", r.Action)
	}

	store, err := statestore.Open(statestore.Config{
		Path:         cfg.StateFile,
		Schema:       cfg.Schema,
		InitialState: cfg.InitialState,
		States:       cfg.Transitions.States(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	q := queue.New(queue.Config{Path: cfg.QueueFile, Logger: logger})
	engine, err := rules.NewEngine(rules.Config{
		Rules: cfg.Rules,
		Source: &expr.FileSnapshotSource{
			TelemetryPath: cfg.TelemetryFile,
			SensorsPath:   cfg.SensorsFile,
			State:         store,
			Logger:        logger,
		},
		Queue:    q,
		Interval: cfg.RuleInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		action, err := engine.RunOnce(ctx)
		if err != nil {
			return err
		}
		if action == "" {
			fmt.Println("no rule fired")
		} else {
			fmt.Println(action)
		}
		return nil
	}

	// the engine is a producer; it cannot see the gatekeeper, only the
	// requests piling up behind it
	monitor := queue.NewStallMonitor(q, queue.StallMonitorConfig{Logger: logger})
	monitor.Start()
	defer monitor.Stop()

	return engine.Run(ctx)
}
