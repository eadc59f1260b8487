package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/kanoa-mlops/idlewatch/internal/activity"
	"github.com/kanoa-mlops/idlewatch/internal/idle"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.IdleTimeoutMinutes != 30 || c.PollIntervalSeconds != 60 {
		t.Fatalf("unexpected timing defaults: %+v", c)
	}
	if c.HealthEndpointURL != "http://localhost:8000/health" || c.ContainerName != "vllm-server" {
		t.Fatalf("unexpected target defaults: %+v", c)
	}
	if c.Runtime != RuntimeDocker || c.ShutdownCommand != "shutdown -h now" || c.DryRun {
		t.Fatalf("unexpected action defaults: %+v", c)
	}
	if len(c.ActivityPatterns) != len(activity.DefaultPatterns) {
		t.Fatalf("patterns = %v", c.ActivityPatterns)
	}
	if c.Exporter.OllamaHost != "http://localhost:11434" || c.Exporter.IntervalSeconds != 15 {
		t.Fatalf("unexpected exporter defaults: %+v", c.Exporter)
	}

	want := idle.Config{
		IdleTimeout:    30 * time.Minute,
		PollInterval:   time.Minute,
		ActivityWindow: time.Minute,
		CheckTimeout:   5 * time.Second,
		StopTimeout:    30 * time.Second,
	}
	if got := c.Monitor(); got != want {
		t.Fatalf("Monitor() = %+v, want %+v", got, want)
	}
}

func TestLoad_File(t *testing.T) {
	file := writeFile(t, "idlewatch.toml", `
idle_timeout_minutes = 10
poll_interval_seconds = 30
container_name = "ollama"
health_endpoint_url = "http://localhost:11434/"
activity_patterns = ["POST /api/chat"]
dry_run = true

[log]
level = "debug"
format = "json"

[server]
listen = "127.0.0.1:9100"

[history]
dsn = "sqlite:///var/lib/idlewatch/history.db"

[exporter]
enabled = true
interval_seconds = 30
`)
	c, err := Load(Options{File: file})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.IdleTimeoutMinutes != 10 || c.PollIntervalSeconds != 30 || c.ContainerName != "ollama" || !c.DryRun {
		t.Fatalf("unexpected top-level fields: %+v", c)
	}
	if len(c.ActivityPatterns) != 1 || c.ActivityPatterns[0] != "POST /api/chat" {
		t.Fatalf("patterns = %v", c.ActivityPatterns)
	}
	if c.Log.Level != "debug" || c.Log.Format != "json" || c.Server.Listen != "127.0.0.1:9100" {
		t.Fatalf("unexpected sections: %+v %+v", c.Log, c.Server)
	}
	if c.History.DSN != "sqlite:///var/lib/idlewatch/history.db" || !c.Exporter.Enabled || c.Exporter.IntervalSeconds != 30 {
		t.Fatalf("unexpected sections: %+v %+v", c.History, c.Exporter)
	}
	if c.Target() != "ollama" {
		t.Fatalf("Target() = %q", c.Target())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(Options{File: filepath.Join(t.TempDir(), "nope.toml")}); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	file := writeFile(t, "c.toml", "idle_timeout_minutes = 10\ncontainer_name = \"from-file\"\n")
	t.Setenv("IDLE_TIMEOUT_MINUTES", "20")
	t.Setenv("CONTAINER_NAME", "plain")
	t.Setenv("IDLEWATCH_CONTAINER_NAME", "prefixed")
	t.Setenv("ACTIVITY_PATTERNS", "POST /v1/completions, GET /v1/models")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("OLLAMA_HOST", "http://gpu-vm:11434")

	c, err := Load(Options{File: file})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.IdleTimeoutMinutes != 20 {
		t.Fatalf("idle timeout = %d, want 20", c.IdleTimeoutMinutes)
	}
	if c.ContainerName != "prefixed" {
		t.Fatalf("container = %q, prefixed variable should win", c.ContainerName)
	}
	if len(c.ActivityPatterns) != 2 || c.ActivityPatterns[1] != "GET /v1/models" {
		t.Fatalf("patterns = %q", c.ActivityPatterns)
	}
	if c.Log.Level != "warn" || c.Exporter.OllamaHost != "http://gpu-vm:11434" {
		t.Fatalf("nested env not applied: %+v %+v", c.Log, c.Exporter)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	const setKey, fileKey = "POLL_INTERVAL_SECONDS", "STOP_TIMEOUT_SECONDS"
	t.Setenv(setKey, "15")
	t.Cleanup(func() { _ = os.Unsetenv(fileKey) })
	envFile := writeFile(t, ".env", "# vm settings\nPOLL_INTERVAL_SECONDS=99\nSTOP_TIMEOUT_SECONDS=45\n")

	c, err := Load(Options{EnvFile: envFile})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.PollIntervalSeconds != 15 {
		t.Fatalf("env file overrode the environment: poll = %d", c.PollIntervalSeconds)
	}
	if c.StopTimeoutSeconds != 45 {
		t.Fatalf("env file value not applied: stop = %d", c.StopTimeoutSeconds)
	}
}

func TestLoad_MissingEnvFile(t *testing.T) {
	if _, err := Load(Options{EnvFile: filepath.Join(t.TempDir(), ".env")}); err == nil {
		t.Fatal("expected error for missing env file")
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("IDLE_TIMEOUT_MINUTES", "20")
	t.Setenv("SERVER_LISTEN", ":1")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("idle-timeout-minutes", 30, "")
	fs.Bool("dry-run", false, "")
	fs.String("listen", "", "")
	fs.String("config", "", "")
	if err := fs.Parse([]string{"--idle-timeout-minutes=0", "--dry-run"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	c, err := Load(Options{Flags: fs})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.IdleTimeoutMinutes != 0 || !c.DryRun {
		t.Fatalf("flags not applied: idle=%d dry=%v", c.IdleTimeoutMinutes, c.DryRun)
	}
	if c.Monitor().Enabled() {
		t.Fatal("idle timeout 0 must disable the monitor")
	}
	// unset flag leaves the environment value
	if c.Server.Listen != ":1" {
		t.Fatalf("listen = %q, want env value", c.Server.Listen)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"malformed timeout", map[string]string{"IDLE_TIMEOUT_MINUTES": "thirty"}},
		{"negative timeout", map[string]string{"IDLE_TIMEOUT_MINUTES": "-5"}},
		{"overflowing timeout", map[string]string{"IDLE_TIMEOUT_MINUTES": "9223372036854775807"}},
		{"timeout over a year", map[string]string{"IDLE_TIMEOUT_MINUTES": "525601"}},
		{"huge poll interval", map[string]string{"POLL_INTERVAL_SECONDS": "9223372036854"}},
		{"zero poll interval", map[string]string{"POLL_INTERVAL_SECONDS": "0"}},
		{"unknown runtime", map[string]string{"RUNTIME": "podman"}},
		{"command runtime without logs", map[string]string{"RUNTIME": "command"}},
		{"docker runtime without container", map[string]string{"CONTAINER_NAME": " "}},
		{"bad health url", map[string]string{"HEALTH_ENDPOINT_URL": "localhost:8000"}},
		{"bad regex", map[string]string{"ACTIVITY_REGEX": "POST (/v1"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}},
		{"bad exporter interval", map[string]string{"SCRAPE_INTERVAL": "0"}},
		{"tls without certificate", map[string]string{"SERVER_TLS_ENABLED": "true"}},
		{"tls cert without key", map[string]string{"SERVER_TLS_ENABLED": "true", "SERVER_TLS_CERT_FILE": "/etc/idlewatch/tls.crt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(Options{})
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoad_CommandRuntime(t *testing.T) {
	t.Setenv("RUNTIME", "Command")
	t.Setenv("LOGS_COMMAND", "journalctl -u ollama --since=-${IDLEWATCH_WINDOW_SECONDS}s")
	t.Setenv("HEALTH_COMMAND", "systemctl is-active --quiet ollama")
	t.Setenv("HEALTH_ENDPOINT_URL", "not a url")

	c, err := Load(Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Runtime != RuntimeCommand {
		t.Fatalf("runtime = %q", c.Runtime)
	}
	if c.Target() != "command:"+c.LogsCommand {
		t.Fatalf("Target() = %q", c.Target())
	}
}

func TestHostName(t *testing.T) {
	c := &Config{Host: "gpu-vm-1"}
	if c.HostName() != "gpu-vm-1" {
		t.Fatalf("HostName() = %q", c.HostName())
	}
	c.Host = ""
	if c.HostName() == "" {
		t.Fatal("expected OS hostname fallback")
	}
}

func TestLoad_ServerTLS(t *testing.T) {
	file := writeFile(t, "idlewatch.toml", `
[server]
listen = "0.0.0.0:9100"

[server.tls]
enabled = true
dir = "/var/lib/idlewatch/tls"
auto_generate = true
`)
	t.Setenv("IDLEWATCH_SERVER_TLS_MIN_VERSION", "1.3")

	c, err := Load(Options{File: file})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tc := c.Server.TLS
	if !tc.Enabled || !tc.AutoGenerate || tc.Dir != "/var/lib/idlewatch/tls" || tc.MinVersion != "1.3" {
		t.Fatalf("unexpected tls config: %+v", tc)
	}
}
