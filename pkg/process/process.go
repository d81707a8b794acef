// Package process holds the startup sequence shared by the botfsm commands:
// common flags, configuration loading, logger construction and the optional
// metrics endpoint.
package process

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unijord/botfsm/pkg/config"
	"github.com/unijord/botfsm/pkg/logs"
	"github.com/unijord/botfsm/pkg/metrics"
)

// Flags are the flags every command accepts.
type Flags struct {
	ConfigFile string
	BaseDir    string
	LogLevel   string
}

// Register adds -config, -dir and -log-level to fs.
func (f *Flags) Register(fs *flag.FlagSet) {
	fs.StringVar(&f.ConfigFile, "config", "", "CUE config file (default <dir>/"+config.DefaultFile+" if present)")
	fs.StringVar(&f.BaseDir, "dir", ".", "base directory of the shared files")
	fs.StringVar(&f.LogLevel, "log-level", "info", "log level: debug, info, warn or error")
}

// LoadConfig loads the explicit config file, or the default one when it
// exists.
func (f *Flags) LoadConfig() (*config.Config, error) {
	var files []string
	switch {
	case f.ConfigFile != "":
		files = append(files, f.ConfigFile)
	default:
		def := filepath.Join(f.BaseDir, config.DefaultFile)
		if _, err := os.Stat(def); err == nil {
			files = append(files, def)
		}
	}
	return config.Load(f.BaseDir, files...)
}

// Setup loads the configuration and builds the component logger. Long
// running processes pass fileLogs to also write the log files.
func (f *Flags) Setup(component string, fileLogs bool) (*config.Config, *slog.Logger, func() error, error) {
	level, err := logs.ParseLevel(f.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := f.LoadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	opts := logs.Options{
		Component: component,
		Level:     level,
		Journal:   fileLogs,
	}
	if fileLogs {
		opts.LogFile = cfg.LogFile
		opts.ErrorLogFile = cfg.ErrorLogFile
	}
	logger, closeLogs, err := logs.New(opts)
	if err != nil {
		return nil, nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, closeLogs, nil
}

// ServeMetrics serves /metrics on addr until ctx is done. An empty addr
// disables it. It returns the registerer collectors should use.
func ServeMetrics(ctx context.Context, addr string, logger *slog.Logger) prometheus.Registerer {
	reg := prometheus.NewRegistry()
	if addr == "" {
		return reg
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return reg
}
