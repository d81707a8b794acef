// Command fsmctl inspects the FSM state and sends events to the gatekeeper.
//
//	fsmctl [-dir DIR] [-config FILE] status
//	fsmctl list
//	fsmctl send [-source NAME] [-meta key=value]... EVENT
//	fsmctl history [-n N]
//	fsmctl journal [-n N]
//	fsmctl check
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/unijord/botfsm/pkg/config"
	"github.com/unijord/botfsm/pkg/expr"
	"github.com/unijord/botfsm/pkg/journal"
	"github.com/unijord/botfsm/pkg/process"
	"github.com/unijord/botfsm/pkg/queue"
	"github.com/unijord/botfsm/pkg/rules"
	"github.com/unijord/botfsm/pkg/statestore"
)

var errCheckFailed = errors.New("check failed")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "fsmctl:", err)
		}
		os.Exit(1)
	}
}

type command struct {
	name  string
	usage string
	run   func(env *cliEnv, args []string) error
}

var commands = []command{
	{"status", "print the state document", cmdStatus},
	{"list", "print the events accepted from the current state", cmdList},
	{"send", "enqueue an event for the gatekeeper", cmdSend},
	{"history", "print the newest history records of the state document", cmdHistory},
	{"journal", "print the newest transition journal entries", cmdJournal},
	{"check", "validate the transition table, rules and state document", cmdCheck},
}

type cliEnv struct {
	cfg *config.Config
	out io.Writer
}

func (e *cliEnv) openStore() (*statestore.Store, error) {
	return statestore.Open(statestore.Config{
		Path:         e.cfg.StateFile,
		Schema:       e.cfg.Schema,
		InitialState: e.cfg.InitialState,
		States:       e.cfg.Transitions.States(),
	})
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("fsmctl", flag.ContinueOnError)
	var flags process.Flags
	flags.Register(fs)
	fs.Usage = func() {
		w := fs.Output()
		fmt.Fprintln(w, "usage: fsmctl [flags] <command> [args]")
		fmt.Fprintln(w, "\ncommands:")
		for _, c := range commands {
			fmt.Fprintf(w, "  %-8s %s\n", c.name, c.usage)
		}
		fmt.Fprintln(w, "\nflags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	}

	// fsmctl's own diagnostics go to stderr only
	cfg, _, closeLogs, err := flags.Setup("fsmctl", false)
	if err != nil {
		return err
	}
	defer closeLogs()

	env := &cliEnv{cfg: cfg, out: out}
	name := fs.Arg(0)
	for _, c := range commands {
		if c.name == name {
			return c.run(env, fs.Args()[1:])
		}
	}
	fs.Usage()
	return fmt.Errorf("unknown command %q", name)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdStatus(env *cliEnv, args []string) error {
	store, err := env.openStore()
	if err != nil {
		return err
	}
	return printJSON(env.out, store.Get())
}

func cmdList(env *cliEnv, args []string) error {
	store, err := env.openStore()
	if err != nil {
		return err
	}
	doc := store.Get()
	if doc.IsSentinel() {
		return fmt.Errorf("state file unusable: %s", doc.Reason())
	}
	state := doc.State()
	fmt.Fprintf(env.out, "state: %s\n", state)
	for _, event := range env.cfg.Transitions.Events(state) {
		next, _ := env.cfg.Transitions.Next(state, event)
		fmt.Fprintf(env.out, "  %s -> %s\n", event, next)
	}
	return nil
}

type metaFlag map[string]any

func (m metaFlag) String() string {
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ",")
}

func (m metaFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("metadata must be key=value, got %q", s)
	}
	m[k] = v
	return nil
}

func cmdSend(env *cliEnv, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	source := fs.String("source", "operator_cli", "request source")
	meta := metaFlag{}
	fs.Var(meta, "meta", "metadata key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("send needs exactly one EVENT")
	}
	event := fs.Arg(0)

	q := queue.New(queue.Config{Path: env.cfg.QueueFile})
	var metadata map[string]any
	if len(meta) > 0 {
		metadata = meta
	}
	req, err := q.Enqueue(event, *source, metadata)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.out, "queued %s (%s)\n", req.Event, req.ID)
	return nil
}

func cmdHistory(env *cliEnv, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	n := fs.Int("n", 10, "number of records")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := env.openStore()
	if err != nil {
		return err
	}
	doc, err := store.Read()
	if err != nil {
		return err
	}
	snap, err := doc.Snapshot()
	if err != nil {
		return err
	}
	history := snap.History
	if *n > 0 && len(history) > *n {
		history = history[len(history)-*n:]
	}
	for _, t := range history {
		fmt.Fprintf(env.out, "%s  %-16s --%s--> %s\n",
			t.Timestamp.Format(time.RFC3339), t.FromState, t.Event, t.ToState)
	}
	return nil
}

func cmdJournal(env *cliEnv, args []string) error {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	n := fs.Int("n", 20, "number of entries")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(env.cfg.JournalFile); err != nil {
		return fmt.Errorf("no journal: %w", err)
	}
	j, err := journal.Open(journal.Config{
		Path:     env.cfg.JournalFile,
		ReadOnly: true,
		Timeout:  time.Second,
	})
	if errors.Is(err, journal.ErrBusy) {
		return fmt.Errorf("%w: stop the gatekeeper to read %s", err, env.cfg.JournalFile)
	}
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.Last(*n)
	if err != nil {
		return err
	}
	for _, e := range entries {
		persisted := ""
		if !e.Persisted {
			persisted = "  (state write failed)"
		}
		fmt.Fprintf(env.out, "%6d  %s  %-16s --%s--> %s  source=%s%s\n",
			e.Seq, e.Timestamp.Format(time.RFC3339), e.FromState, e.Event, e.ToState, e.Source, persisted)
	}
	return nil
}

type emptySource struct{}

func (emptySource) Snapshot() expr.Snapshot { return expr.Snapshot{} }

func cmdCheck(env *cliEnv, args []string) error {
	problems := 0
	report := func(format string, a ...any) {
		problems++
		fmt.Fprintf(env.out, "FAIL  "+format+"\n", a...)
	}

	table := env.cfg.Transitions
	for _, issue := range table.Check(env.cfg.InitialState) {
		report("table: %s", issue)
	}
	for _, r := range rules.CheckActions(env.cfg.Rules, table) {
		report("rule %s: action %s is not an event of the table", r.Name, r.Action)
	}
	if _, err := rules.NewEngine(rules.Config{
		Rules:  env.cfg.Rules,
		Source: emptySource{},
		Queue:  queue.New(queue.Config{Path: env.cfg.QueueFile}),
	}); err != nil {
		report("rules: %v", err)
	}

	store, err := env.openStore()
	if err != nil {
		report("state: %v", err)
	} else if doc, err := store.Read(); err != nil {
		report("state: %v", err)
	} else {
		if err := store.Validate(doc); err != nil {
			report("state: %v", err)
		}
		if !table.Has(doc.State()) {
			report("state: mode %q is not in the transition table", doc.State())
		}
	}

	stalled := queue.NewStallMonitor(queue.New(queue.Config{Path: env.cfg.QueueFile}), queue.StallMonitorConfig{
		OnStall: func(oldest queue.Request, waiting int, age time.Duration) {
			report("queue: %d request(s) waiting, oldest %s from %s queued %s ago",
				waiting, oldest.Event, oldest.Source(), age.Round(time.Second))
		},
		Logger: slog.New(slog.DiscardHandler),
	})
	stalled.Check()

	if problems > 0 {
		return fmt.Errorf("%w: %d problem(s)", errCheckFailed, problems)
	}
	fmt.Fprintln(env.out, "OK")
	return nil
}
