// Command gatekeeper is the single writer of the FSM state file. It drains
// the request queue, applies events to the state machine and persists the
// result until SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/unijord/botfsm/pkg/gatekeeper"
	"github.com/unijord/botfsm/pkg/journal"
	"github.com/unijord/botfsm/pkg/metrics"
	"github.com/unijord/botfsm/pkg/process"
	"github.com/unijord/botfsm/pkg/queue"
	"github.com/unijord/botfsm/pkg/statestore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gatekeeper:", err)
		os.Exit(1)
	}
}

func run() error {
	var flags process.Flags
	flags.Register(flag.CommandLine)
	flag.Parse()

	cfg, logger, closeLogs, err := flags.Setup("gatekeeper", true)
	if err != nil {
		return err
	}
	defer closeLogs()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := process.ServeMetrics(ctx, cfg.MetricsAddr, logger)

	q := queue.New(queue.Config{Path: cfg.QueueFile, Logger: logger})
	if err := q.EnsureFile(); err != nil {
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

	j, err := journal.Open(journal.Config{Path: cfg.JournalFile, Logger: logger})
	if err != nil {
		return err
	}
	defer j.Close()

	machine, source := gatekeeper.Recover(gatekeeper.RecoverConfig{
		Store:      store,
		Journal:    j,
		Table:      cfg.Transitions,
		Initial:    cfg.InitialState,
		MaxHistory: cfg.MaxHistory,
		Logger:     logger,
	})

	gk, err := gatekeeper.New(gatekeeper.Config{
		Queue:        q,
		Store:        store,
		Machine:      machine,
		Journal:      j,
		Metrics:      metrics.New(reg),
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	if err := gk.Resync(source); err != nil {
		logger.Warn("state file resync after recovery failed, retrying on next poll", "error", err)
	}

	return gk.Run(ctx)
}
