package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kanoa-mlops/idlewatch/internal/service"
)

func createExporterCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exporter",
		Short: "Run only the Ollama Prometheus exporter",
		Long: `Scrape an Ollama server and expose ollama_up, ollama_info, ollama_models_total
and ollama_running_models on /metrics. OLLAMA_HOST and SCRAPE_INTERVAL are honored.

Examples:
  idlewatch exporter
  idlewatch exporter --ollama-host=http://gpu-vm:11434 --exporter-listen=:9101`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, globalFlags)
			if err != nil {
				return err
			}
			log, closeLog, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tree := service.NewTree(log, service.DefaultTreeConfig())
			addExporter(tree, cfg, log)
			return tree.Serve(ctx)
		},
	}

	addExporterFlags(cmd.Flags())
	addLogFlags(cmd.Flags())
	return cmd
}
