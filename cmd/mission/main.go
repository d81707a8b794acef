// Command mission runs one mission file step by step, sending its triggers
// to the gatekeeper.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/unijord/botfsm/pkg/expr"
	"github.com/unijord/botfsm/pkg/mission"
	"github.com/unijord/botfsm/pkg/process"
	"github.com/unijord/botfsm/pkg/queue"
	"github.com/unijord/botfsm/pkg/statestore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mission:", err)
		os.Exit(1)
	}
}

func run() error {
	var flags process.Flags
	flags.Register(flag.CommandLine)
	missionFile := flag.String("mission", "", "mission file (default from config)")
	flag.Parse()

	cfg, logger, closeLogs, err := flags.Setup("mission", true)
	if err != nil {
		return err
	}
	defer closeLogs()

	path := cfg.MissionFile
	if *missionFile != "" {
		path = *missionFile
	}
	m, err := mission.Load(path)
	if err != nil {
		return err
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

	executor, err := mission.NewExecutor(m, mission.Config{
		Source: &expr.FileSnapshotSource{
			TelemetryPath: cfg.TelemetryFile,
			SensorsPath:   cfg.SensorsFile,
			State:         store,
			Logger:        logger,
		},
		Queue:  queue.New(queue.Config{Path: cfg.QueueFile, Logger: logger}),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	results, err := executor.Run(ctx)
	for _, r := range results {
		switch {
		case r.Skipped:
			fmt.Printf("step %s: skipped\n", r.StepID)
		case r.Triggered != "":
			fmt.Printf("step %s: sent %s\n", r.StepID, r.Triggered)
		default:
			fmt.Printf("step %s: done\n", r.StepID)
		}
	}
	return err
}
