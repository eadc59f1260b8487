package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kanoa-mlops/idlewatch/internal/activity"
	"github.com/kanoa-mlops/idlewatch/internal/idle"
	"github.com/kanoa-mlops/idlewatch/internal/logger"
	"github.com/kanoa-mlops/idlewatch/internal/power"
	"github.com/kanoa-mlops/idlewatch/internal/tls"
)

// EnvPrefix is accepted in front of every environment variable name.
const EnvPrefix = "IDLEWATCH_"

const (
	RuntimeDocker  = "docker"
	RuntimeCommand = "command"
)

// Upper bounds keep the minute and second settings well inside time.Duration.
const (
	MaxIdleTimeoutMinutes = 525600 // one year
	MaxIntervalSeconds    = 86400
)

// ErrInvalidConfig is returned for values that would leave the idle policy undefined.
var ErrInvalidConfig = idle.ErrInvalidConfig

// Config is the full daemon configuration. It is read once at startup.
type Config struct {
	IdleTimeoutMinutes    int      `toml:"idle_timeout_minutes" mapstructure:"idle_timeout_minutes"`
	PollIntervalSeconds   int      `toml:"poll_interval_seconds" mapstructure:"poll_interval_seconds"`
	HealthEndpointURL     string   `toml:"health_endpoint_url" mapstructure:"health_endpoint_url"`
	ContainerName         string   `toml:"container_name" mapstructure:"container_name"`
	ActivityWindowSeconds int      `toml:"activity_window_seconds" mapstructure:"activity_window_seconds"`
	CheckTimeoutSeconds   int      `toml:"check_timeout_seconds" mapstructure:"check_timeout_seconds"`
	StopTimeoutSeconds    int      `toml:"stop_timeout_seconds" mapstructure:"stop_timeout_seconds"`
	ActivityPatterns      []string `toml:"activity_patterns" mapstructure:"activity_patterns"`
	ActivityRegex         string   `toml:"activity_regex" mapstructure:"activity_regex"`
	Runtime               string   `toml:"runtime" mapstructure:"runtime"`
	ContainerTTY          bool     `toml:"container_tty" mapstructure:"container_tty"`
	HealthCommand         string   `toml:"health_command" mapstructure:"health_command"`
	LogsCommand           string   `toml:"logs_command" mapstructure:"logs_command"`
	StopCommand           string   `toml:"stop_command" mapstructure:"stop_command"`
	ShutdownCommand       string   `toml:"shutdown_command" mapstructure:"shutdown_command"`
	DryRun                bool     `toml:"dry_run" mapstructure:"dry_run"`
	Host                  string   `toml:"host" mapstructure:"host"`

	Log      LogConfig      `toml:"log" mapstructure:"log"`
	Server   ServerConfig   `toml:"server" mapstructure:"server"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
	Exporter ExporterConfig `toml:"exporter" mapstructure:"exporter"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// ServerConfig enables the status endpoint when Listen is set, e.g. "127.0.0.1:9100".
type ServerConfig struct {
	Listen string     `toml:"listen" mapstructure:"listen"`
	TLS    tls.Config `toml:"tls" mapstructure:"tls"`
}

// HistoryConfig enables the audit sink when DSN is set. See history/factory for formats.
type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type ExporterConfig struct {
	Enabled         bool   `toml:"enabled" mapstructure:"enabled"`
	OllamaHost      string `toml:"ollama_host" mapstructure:"ollama_host"`
	IntervalSeconds int    `toml:"interval_seconds" mapstructure:"interval_seconds"`
	Listen          string `toml:"listen" mapstructure:"listen"`
}

// key describes one setting: its viper key, default and environment names.
type key struct {
	name string
	def  any
	env  []string
}

var keys = []key{
	{"idle_timeout_minutes", 30, []string{"IDLE_TIMEOUT_MINUTES"}},
	{"poll_interval_seconds", 60, []string{"POLL_INTERVAL_SECONDS"}},
	{"health_endpoint_url", "http://localhost:8000/health", []string{"HEALTH_ENDPOINT_URL"}},
	{"container_name", "vllm-server", []string{"CONTAINER_NAME"}},
	{"activity_window_seconds", 60, []string{"ACTIVITY_WINDOW_SECONDS"}},
	{"check_timeout_seconds", 5, []string{"CHECK_TIMEOUT_SECONDS"}},
	{"stop_timeout_seconds", 30, []string{"STOP_TIMEOUT_SECONDS"}},
	{"activity_patterns", activity.DefaultPatterns, []string{"ACTIVITY_PATTERNS"}},
	{"activity_regex", "", []string{"ACTIVITY_REGEX"}},
	{"runtime", RuntimeDocker, []string{"RUNTIME"}},
	{"container_tty", false, []string{"CONTAINER_TTY"}},
	{"health_command", "", []string{"HEALTH_COMMAND"}},
	{"logs_command", "", []string{"LOGS_COMMAND"}},
	{"stop_command", "", []string{"STOP_COMMAND"}},
	{"shutdown_command", power.DefaultShutdownCommand, []string{"SHUTDOWN_COMMAND"}},
	{"dry_run", false, []string{"DRY_RUN"}},
	{"host", "", []string{"HOST_NAME"}},

	{"log.level", "info", []string{"LOG_LEVEL"}},
	{"log.format", logger.FormatText, []string{"LOG_FORMAT"}},
	{"log.file", "", []string{"LOG_FILE"}},
	{"log.max_size_mb", logger.DefaultMaxSizeMB, []string{"LOG_MAX_SIZE_MB"}},
	{"log.max_backups", logger.DefaultMaxBackups, []string{"LOG_MAX_BACKUPS"}},
	{"log.max_age_days", logger.DefaultMaxAgeDays, []string{"LOG_MAX_AGE_DAYS"}},
	{"log.compress", false, []string{"LOG_COMPRESS"}},

	{"server.listen", "", []string{"SERVER_LISTEN"}},
	{"server.tls.enabled", false, []string{"SERVER_TLS_ENABLED"}},
	{"server.tls.cert_file", "", []string{"SERVER_TLS_CERT_FILE"}},
	{"server.tls.key_file", "", []string{"SERVER_TLS_KEY_FILE"}},
	{"server.tls.dir", "", []string{"SERVER_TLS_DIR"}},
	{"server.tls.auto_generate", false, []string{"SERVER_TLS_AUTO_GENERATE"}},
	{"server.tls.min_version", "", []string{"SERVER_TLS_MIN_VERSION"}},
	{"history.dsn", "", []string{"HISTORY_DSN"}},

	{"exporter.enabled", false, []string{"EXPORTER_ENABLED"}},
	// OLLAMA_HOST and SCRAPE_INTERVAL are the names the standalone exporter image used
	{"exporter.ollama_host", "http://localhost:11434", []string{"EXPORTER_OLLAMA_HOST", "OLLAMA_HOST"}},
	{"exporter.interval_seconds", 15, []string{"EXPORTER_INTERVAL_SECONDS", "SCRAPE_INTERVAL"}},
	{"exporter.listen", ":9101", []string{"EXPORTER_LISTEN"}},
}

// flagKeys maps command-line flag names onto nested keys. Other flags map by
// replacing dashes with underscores.
var flagKeys = map[string]string{
	"log-level":         "log.level",
	"log-format":        "log.format",
	"log-file":          "log.file",
	"listen":            "server.listen",
	"tls":               "server.tls.enabled",
	"tls-auto-generate": "server.tls.auto_generate",
	"tls-cert-file":     "server.tls.cert_file",
	"tls-key-file":      "server.tls.key_file",
	"tls-dir":           "server.tls.dir",
	"history-dsn":       "history.dsn",
	"exporter":          "exporter.enabled",
	"ollama-host":       "exporter.ollama_host",
	"exporter-interval": "exporter.interval_seconds",
	"exporter-listen":   "exporter.listen",
}

// Options selects the sources Load reads besides the process environment.
type Options struct {
	File    string         // optional TOML file
	EnvFile string         // optional dotenv file; never overrides variables already set
	Flags   *pflag.FlagSet // optional; only flags that were set take effect
}

// Load merges, lowest to highest precedence: defaults, config file, env file,
// environment, flags. The result is validated.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(filepath.Clean(opts.EnvFile)); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	for _, k := range keys {
		v.SetDefault(k.name, k.def)
		args := []string{k.name}
		for _, e := range k.env {
			args = append(args, EnvPrefix+e, e)
		}
		if err := v.BindEnv(args...); err != nil {
			return nil, err
		}
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.File, err)
		}
	}

	if opts.Flags != nil {
		var bindErr error
		opts.Flags.VisitAll(func(f *pflag.Flag) {
			k, ok := flagKeys[f.Name]
			if !ok {
				k = strings.ReplaceAll(f.Name, "-", "_")
			}
			if !known(k) || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(k, f)
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func known(name string) bool {
	for _, k := range keys {
		if k.name == name {
			return true
		}
	}
	return false
}

func (c *Config) normalize() {
	c.Runtime = strings.ToLower(strings.TrimSpace(c.Runtime))
	patterns := make([]string, 0, len(c.ActivityPatterns))
	for _, p := range c.ActivityPatterns {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	c.ActivityPatterns = patterns
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.IdleTimeoutMinutes < 0 || c.IdleTimeoutMinutes > MaxIdleTimeoutMinutes {
		return invalid("idle_timeout_minutes must be between 0 and %d, got %d", MaxIdleTimeoutMinutes, c.IdleTimeoutMinutes)
	}
	positive := []struct {
		name string
		v    int
	}{
		{"poll_interval_seconds", c.PollIntervalSeconds},
		{"activity_window_seconds", c.ActivityWindowSeconds},
		{"check_timeout_seconds", c.CheckTimeoutSeconds},
		{"stop_timeout_seconds", c.StopTimeoutSeconds},
	}
	for _, p := range positive {
		if p.v <= 0 || p.v > MaxIntervalSeconds {
			return invalid("%s must be between 1 and %d, got %d", p.name, MaxIntervalSeconds, p.v)
		}
	}

	switch c.Runtime {
	case RuntimeDocker:
		if strings.TrimSpace(c.ContainerName) == "" {
			return invalid("container_name is required for runtime %q", RuntimeDocker)
		}
	case RuntimeCommand:
		if strings.TrimSpace(c.LogsCommand) == "" {
			return invalid("logs_command is required for runtime %q", RuntimeCommand)
		}
	default:
		return invalid("runtime must be %q or %q, got %q", RuntimeDocker, RuntimeCommand, c.Runtime)
	}

	if c.HealthCommand == "" {
		u, err := url.Parse(c.HealthEndpointURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("health_endpoint_url must be an http(s) URL, got %q", c.HealthEndpointURL)
		}
	}
	if c.ActivityRegex != "" {
		if _, err := regexp.Compile(c.ActivityRegex); err != nil {
			return invalid("activity_regex: %v", err)
		}
	} else if len(c.ActivityPatterns) == 0 {
		return invalid("activity_patterns or activity_regex is required")
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level: %v", err)
	}
	if !logger.ValidFormat(c.Log.Format) {
		return invalid("log.format must be text, color or json, got %q", c.Log.Format)
	}

	if err := c.Server.TLS.Validate(); err != nil {
		return invalid("server.%v", err)
	}

	if c.Exporter.IntervalSeconds <= 0 || c.Exporter.IntervalSeconds > MaxIntervalSeconds {
		return invalid("exporter.interval_seconds must be between 1 and %d, got %d", MaxIntervalSeconds, c.Exporter.IntervalSeconds)
	}
	if c.Exporter.Enabled {
		if _, err := url.Parse(c.Exporter.OllamaHost); err != nil || c.Exporter.OllamaHost == "" {
			return invalid("exporter.ollama_host must be a URL, got %q", c.Exporter.OllamaHost)
		}
	}
	return nil
}

// Monitor converts the settings into the idle monitor's configuration.
func (c *Config) Monitor() idle.Config {
	return idle.Config{
		IdleTimeout:    time.Duration(c.IdleTimeoutMinutes) * time.Minute,
		PollInterval:   time.Duration(c.PollIntervalSeconds) * time.Second,
		ActivityWindow: time.Duration(c.ActivityWindowSeconds) * time.Second,
		CheckTimeout:   time.Duration(c.CheckTimeoutSeconds) * time.Second,
		StopTimeout:    time.Duration(c.StopTimeoutSeconds) * time.Second,
	}
}

// Logger converts the log section for logger.New.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// HostName returns the configured host label, falling back to the OS hostname.
func (c *Config) HostName() string {
	if c.Host != "" {
		return c.Host
	}
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// Target names the watched server in logs and events.
func (c *Config) Target() string {
	if c.Runtime == RuntimeDocker {
		return c.ContainerName
	}
	return "command:" + c.LogsCommand
}

func (c *Config) ExporterInterval() time.Duration {
	return time.Duration(c.Exporter.IntervalSeconds) * time.Second
}
