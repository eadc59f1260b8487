package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/kanoa-mlops/idlewatch/internal/activity"
	"github.com/kanoa-mlops/idlewatch/internal/config"
	"github.com/kanoa-mlops/idlewatch/internal/detector"
	"github.com/kanoa-mlops/idlewatch/internal/docker"
	"github.com/kanoa-mlops/idlewatch/internal/history"
	"github.com/kanoa-mlops/idlewatch/internal/history/factory"
	"github.com/kanoa-mlops/idlewatch/internal/idle"
	"github.com/kanoa-mlops/idlewatch/internal/logger"
	"github.com/kanoa-mlops/idlewatch/internal/power"
)

// loadConfig reads the config for cmd, honoring the persistent --config and --env-file flags.
func loadConfig(cmd *cobra.Command, g *GlobalFlags) (*config.Config, error) {
	return config.Load(config.Options{
		File:    g.ConfigPath,
		EnvFile: g.EnvFile,
		Flags:   cmd.Flags(),
	})
}

// newLogger builds the process logger and installs it as the slog default.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, func(), error) {
	log, closer, err := logger.New(cfg.Logger(), w)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	slog.SetDefault(log)
	return log, func() {
		if closer != nil {
			_ = closer.Close()
		}
	}, nil
}

// deps is everything the monitor needs besides its config. close releases the
// docker client when one was opened.
type deps struct {
	probe      *activity.Probe
	stopper    idle.ServerStopper
	shutdowner idle.Shutdowner
	close      func()
}

func buildDeps(cfg *config.Config, log *slog.Logger) (*deps, error) {
	m, err := activity.NewMatcher(cfg.ActivityPatterns, cfg.ActivityRegex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	var health detector.Detector = detector.HTTPDetector{URL: cfg.HealthEndpointURL, Client: &http.Client{}}
	if cfg.HealthCommand != "" {
		health = detector.CommandDetector{Command: cfg.HealthCommand}
	}

	d := &deps{close: func() {}}
	var logs activity.Source
	switch cfg.Runtime {
	case config.RuntimeDocker:
		rt, err := docker.New(cfg.ContainerName, cfg.ContainerTTY)
		if err != nil {
			return nil, err
		}
		logs = rt
		d.stopper = rt
		d.close = func() { _ = rt.Close() }
	default:
		logs = activity.CommandSource{Command: cfg.LogsCommand}
	}
	// an explicit stop command replaces the container stop
	if cfg.StopCommand != "" {
		d.stopper = power.CommandStopper{Command: cfg.StopCommand}
	}

	if cfg.DryRun {
		d.shutdowner = power.DryRun{Logger: log}
		if d.stopper != nil {
			d.stopper = power.DryRun{Logger: log}
		}
	} else {
		d.shutdowner = power.CommandShutdowner{Command: cfg.ShutdownCommand}
	}
	d.probe = activity.NewProbe(health, logs, m)
	return d, nil
}

// openHistory opens the audit sink when a DSN is configured. A sink that cannot be
// opened is logged and skipped so the VM still shuts down when idle.
func openHistory(cfg *config.Config, log *slog.Logger) history.Sink {
	if cfg.History.DSN == "" {
		return nil
	}
	sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
	if err != nil {
		log.Warn("history sink unavailable, continuing without it", slog.Any("error", err))
		return nil
	}
	return sink
}

// newMonitor builds the monitor for cfg. When idle shutdown is disabled d may be nil.
func newMonitor(cfg *config.Config, d *deps, log *slog.Logger, sink history.Sink) (*idle.Monitor, error) {
	var (
		probe      idle.Probe
		stopper    idle.ServerStopper
		shutdowner idle.Shutdowner
	)
	if d != nil {
		probe, stopper, shutdowner = d.probe, d.stopper, d.shutdowner
	}
	mon, err := idle.New(cfg.Monitor(), probe, stopper, shutdowner)
	if err != nil {
		return nil, err
	}
	mon.SetLogger(log)
	mon.SetTarget(cfg.HostName(), cfg.Target())
	if sink != nil {
		mon.SetRecorder(sink)
	}
	return mon, nil
}
