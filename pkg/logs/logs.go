// Package logs builds the process logger: a fanout of slog handlers for the
// terminal, the systemd journal, the component log file and the error log.
package logs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

const journalSocket = "/run/systemd/journal/socket"

// Options selects the handlers New installs.
type Options struct {
	// Component is attached to every record.
	Component string
	Level     slog.Leveler
	// LogFile receives every record at Level or above. Empty disables it.
	LogFile string
	// ErrorLogFile receives records at LevelError and above. Empty disables it.
	ErrorLogFile string
	// Stderr is the terminal writer. Nil means os.Stderr. It is skipped when
	// the process runs as a systemd service.
	Stderr io.Writer
	// Journal enables the systemd journal handler when the journal socket
	// exists.
	Journal bool
}

// ParseLevel maps debug, info, warn and error to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// New returns the logger and a function closing the files it opened.
func New(opts Options) (*slog.Logger, func() error, error) {
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	var (
		handlers []slog.Handler
		files    []*os.File
	)
	closeFiles := func() error {
		var errs []error
		for _, f := range files {
			errs = append(errs, f.Close())
		}
		return errors.Join(errs...)
	}

	var terminal slog.Handler
	if !isSystemdService() {
		terminal = slog.NewTextHandler(opts.Stderr, &slog.HandlerOptions{Level: opts.Level})
		handlers = append(handlers, terminal)
	}

	if opts.Journal {
		if _, err := os.Stat(journalSocket); err == nil {
			journal, err := slogjournal.NewHandler(&slogjournal.Options{
				Level: opts.Level,
				ReplaceGroup: func(key string) string {
					return toJournalKey(key)
				},
				ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
					a.Key = toJournalKey(a.Key)
					return a
				},
			})
			if err != nil {
				if terminal != nil {
					record := slog.NewRecord(time.Now(), slog.LevelWarn, "new systemd journal handler", 0)
					record.Add("error", err)
					_ = terminal.Handle(context.Background(), record)
				}
			} else {
				handlers = append(handlers, journal)
			}
		}
	}

	for _, target := range []struct {
		path  string
		level slog.Leveler
	}{
		{opts.LogFile, opts.Level},
		{opts.ErrorLogFile, slog.LevelError},
	} {
		if target.path == "" {
			continue
		}
		f, err := openLogFile(target.path)
		if err != nil {
			_ = closeFiles()
			return nil, nil, err
		}
		files = append(files, f)
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: target.level}))
	}

	logger := slog.New(slogmulti.Fanout(handlers...))
	if opts.Component != "" {
		logger = logger.With("process", opts.Component)
	}
	return logger, closeFiles, nil
}

func openLogFile(p string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func toJournalKey(str string) string {
	str = strings.ToUpper(str)
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' ||
			r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, str)
}

func isSystemdService() bool {
	content, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return false
	}
	parts := strings.Split(strings.TrimSpace(string(content)), ":")
	if len(parts) < 3 {
		return false
	}
	return strings.HasSuffix(path.Dir(parts[2]), ".service")
}
