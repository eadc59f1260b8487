package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kanoa-mlops/idlewatch/internal/config"
	"github.com/kanoa-mlops/idlewatch/internal/exporter"
	"github.com/kanoa-mlops/idlewatch/internal/metrics"
	"github.com/kanoa-mlops/idlewatch/internal/server"
	"github.com/kanoa-mlops/idlewatch/internal/service"
	itls "github.com/kanoa-mlops/idlewatch/internal/tls"
)

func createRunCommand(globalFlags *GlobalFlags, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the inference server and power off the host when idle",
		Long: `Run the idle monitor in the foreground. Settings come from, lowest to highest
precedence: defaults, --config file, --env-file, environment (IDLEWATCH_ prefix
optional) and flags.

The process exits 0 once the host shutdown has been initiated, when idle shutdown
is disabled (--idle-timeout-minutes=0), or on SIGINT/SIGTERM.

Examples:
  idlewatch run
  idlewatch run --config=/etc/idlewatch/idlewatch.toml
  idlewatch run --runtime=command --logs-command="journalctl -u ollama --since=-60s" \
      --stop-command="systemctl stop ollama" --health-endpoint-url=http://localhost:11434/api/version`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, globalFlags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, runFlags, cmd)
		},
	}

	addMonitorFlags(cmd.Flags())
	cmd.Flags().String("listen", "", "status endpoint listen address, e.g. 127.0.0.1:9100 (disabled when empty)")
	cmd.Flags().Bool("tls", false, "serve the status endpoint over HTTPS")
	cmd.Flags().String("tls-cert-file", "", "status endpoint certificate file")
	cmd.Flags().String("tls-key-file", "", "status endpoint private key file")
	cmd.Flags().String("tls-dir", "", "directory holding tls.crt and tls.key")
	cmd.Flags().Bool("tls-auto-generate", false, "write a self-signed pair to --tls-dir when missing")
	cmd.Flags().String("history-dsn", "", "audit history DSN: sqlite://, postgres://, clickhouse:// (disabled when empty)")
	cmd.Flags().Bool("exporter", false, "also run the Ollama Prometheus exporter")
	addExporterFlags(cmd.Flags())
	cmd.Flags().StringVar(&runFlags.PIDFile, "pidfile", "", "write the process id to this file while running")

	return cmd
}

func runDaemon(ctx context.Context, cfg *config.Config, flags *RunFlags, cmd *cobra.Command) error {
	log, closeLog, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()

	if flags.PIDFile != "" {
		if err := writePidFile(flags.PIDFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PIDFile) }()
	}

	sink := openHistory(cfg, log)
	if sink != nil {
		defer func() { _ = sink.Close() }()
	}

	if !cfg.Monitor().Enabled() {
		mon, err := newMonitor(cfg, nil, log, sink)
		if err != nil {
			return err
		}
		return mon.Run(ctx)
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("failed to register metrics", slog.Any("error", err))
	}

	d, err := buildDeps(cfg, log)
	if err != nil {
		return err
	}
	defer d.close()

	mon, err := newMonitor(cfg, d, log, sink)
	if err != nil {
		return err
	}

	log.Info("idlewatch starting",
		slog.String("version", version),
		slog.String("host", cfg.HostName()),
		slog.String("target", cfg.Target()),
		slog.String("probe", d.probe.Describe()),
		slog.Bool("dry_run", cfg.DryRun))

	tree := service.NewTree(log, service.DefaultTreeConfig())
	tree.Add(service.NewMonitorService(mon))
	if cfg.Server.Listen != "" {
		svc, err := statusService(cfg, mon)
		if err != nil {
			return err
		}
		tree.Add(svc)
		log.Info("status endpoint enabled",
			slog.String("listen", cfg.Server.Listen),
			slog.Bool("tls", cfg.Server.TLS.Enabled))
	}
	if cfg.Exporter.Enabled {
		addExporter(tree, cfg, log)
	}

	return tree.Serve(ctx)
}

// statusService builds the status endpoint, over HTTPS when server.tls is enabled.
func statusService(cfg *config.Config, src server.StatusSource) (*service.HTTPService, error) {
	srv := server.NewServer(cfg.Server.Listen, "", src)
	tlsCfg, err := itls.Setup(cfg.Server.TLS)
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return service.NewHTTPService("status-server", srv, 0), nil
	}
	srv.TLSConfig = tlsCfg
	return service.NewHTTPService("status-server", service.TLSServer{Server: srv}, 0), nil
}

// addExporter puts the Ollama exporter and its metrics listener on the tree.
func addExporter(tree *service.Tree, cfg *config.Config, log *slog.Logger) {
	if err := metrics.RegisterOllama(prometheus.DefaultRegisterer); err != nil {
		log.Warn("failed to register exporter metrics", slog.Any("error", err))
	}
	exp := exporter.New(cfg.Exporter.OllamaHost, cfg.ExporterInterval())
	exp.SetLogger(log.With(slog.String("component", "exporter")))
	tree.Add(service.NewExporterService(exp))
	if cfg.Exporter.Listen != "" {
		tree.Add(service.NewHTTPService("exporter-metrics", server.NewMetricsServer(cfg.Exporter.Listen), 0))
		log.Info("exporter metrics enabled", slog.String("listen", cfg.Exporter.Listen))
	}
}
