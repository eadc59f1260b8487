package main

import (
	"time"

	"github.com/spf13/pflag"
)

// RunFlags are the run command's own flags. Settings shared with the config file are
// registered by addMonitorFlags and read back through config.Load.
type RunFlags struct {
	PIDFile string
}

type CheckFlags struct {
	JSON bool
}

type StatusFlags struct {
	URL        string
	Timeout    time.Duration
	JSON       bool
	CACert     string
	SkipVerify bool
}

// addMonitorFlags registers flags named after config keys. Zero values are placeholders:
// config.Load only honors flags that were set on the command line.
func addMonitorFlags(fs *pflag.FlagSet) {
	fs.Int("idle-timeout-minutes", 0, "minutes without inference before shutdown; 0 disables (default 30)")
	fs.Int("poll-interval-seconds", 0, "seconds between checks (default 60)")
	fs.String("health-endpoint-url", "", "server health URL (default http://localhost:8000/health)")
	fs.String("container-name", "", "container whose logs are scanned (default vllm-server)")
	fs.Int("activity-window-seconds", 0, "trailing log window scanned each cycle (default 60)")
	fs.Int("check-timeout-seconds", 0, "timeout for the health check and log fetch (default 5)")
	fs.Int("stop-timeout-seconds", 0, "timeout for stopping the server and the shutdown command (default 30)")
	fs.StringSlice("activity-patterns", nil, "log substrings that count as inference activity")
	fs.String("activity-regex", "", "regular expression used instead of activity patterns")
	fs.String("runtime", "", "server runtime: docker or command (default docker)")
	fs.Bool("container-tty", false, "container was started with a TTY")
	fs.String("health-command", "", "command used as health check instead of the URL")
	fs.String("logs-command", "", "command printing recent server logs (runtime=command)")
	fs.String("stop-command", "", "command stopping the server before shutdown")
	fs.String("shutdown-command", "", "command powering off the host (default \"shutdown -h now\")")
	fs.Bool("dry-run", false, "log instead of powering off the host")
	fs.String("host", "", "host label for logs and history (default OS hostname)")
	addLogFlags(fs)
}

func addLogFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "", "log level: debug, info, warn, error (default info)")
	fs.String("log-format", "", "log format: text, color, json (default text)")
	fs.String("log-file", "", "write logs to a rotated file instead of stderr")
}

func addExporterFlags(fs *pflag.FlagSet) {
	fs.String("ollama-host", "", "Ollama base URL (default http://localhost:11434)")
	fs.Int("exporter-interval", 0, "seconds between exporter scrapes (default 15)")
	fs.String("exporter-listen", "", "exporter metrics listen address (default :9101)")
}
