package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	EnvFile    string
}

// buildRoot creates the root command with all subcommands attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	checkFlags := &CheckFlags{}
	statusFlags := &StatusFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags, runFlags),
		createCheckCommand(globalFlags, checkFlags),
		createStatusCommand(statusFlags),
		createExporterCommand(globalFlags),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "idlewatch",
		Short: "Shut down idle GPU inference VMs",
		Long: `idlewatch watches an inference server (vLLM, Ollama) on a GPU VM and powers the
host off once no inference request has been served for the idle timeout.

Examples:
  idlewatch run                                  # watch the vllm-server container
  idlewatch run --idle-timeout-minutes=15 --dry-run
  idlewatch check                                # probe health and activity once
  idlewatch status --url=http://127.0.0.1:9100   # query a running daemon
  idlewatch exporter --ollama-host=http://localhost:11434`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.EnvFile, "env-file", "", "dotenv file loaded before reading the environment (optional)")

	return root
}
