package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Defaults mirror the legacy server's behaviour. Every field can be
// overridden by a VERIFY_-prefixed environment variable; cmd/verifyd binds
// the common ones to CLI flags on top.
const (
	DefaultPort        = 6080
	DefaultBindIP      = "0.0.0.0"
	DefaultToolkitFile = "toolkit.xml"

	DefaultReportArchiveDir = "./archiveReports"
	DefaultFileArchiveDir   = "./archiveFiles"
	DefaultWorkspaceRoot    = "./workspaces"

	DefaultObserverTick       = time.Second
	DefaultMonitorTimeout     = time.Minute
	DefaultWorkspaceIdle      = 60 * time.Second
	DefaultExpirationInterval = 5 * time.Second

	DefaultMetricsAddr = "127.0.0.1:9127"

	// Strips the compiler preamble some tool wrappers prepend to their error
	// output before the monitoring document is returned to the client.
	DefaultRedactPattern = `(<dcterms:title>\s*Error\s+Output\s*</dcterms:title>\s*<ems:metric rdf:resource="foo"/>\s*<ems:unitOfMeasure rdf:resource="string"/>\s*<ems:numericValue\s+rdf:datatype="characters">)\s*compiling\s+[/\w\.]+\s+a report was written to [\w\.]+\s*`
)

// Config holds the runtime configuration of the verification server.
type Config struct {
	Port        int
	BindIP      string
	Threads     int
	ToolkitFile string

	ReportArchiveDir string
	FileArchiveDir   string
	WorkspaceRoot    string

	ObserverTick       time.Duration
	MonitorTimeout     time.Duration
	WorkspaceIdle      time.Duration
	ExpirationInterval time.Duration

	MetricsAddr   string
	RedactPattern string
	LogLevel      string
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Port:               DefaultPort,
		BindIP:             DefaultBindIP,
		Threads:            0,
		ToolkitFile:        DefaultToolkitFile,
		ReportArchiveDir:   DefaultReportArchiveDir,
		FileArchiveDir:     DefaultFileArchiveDir,
		WorkspaceRoot:      DefaultWorkspaceRoot,
		ObserverTick:       DefaultObserverTick,
		MonitorTimeout:     DefaultMonitorTimeout,
		WorkspaceIdle:      DefaultWorkspaceIdle,
		ExpirationInterval: DefaultExpirationInterval,
		MetricsAddr:        DefaultMetricsAddr,
		RedactPattern:      DefaultRedactPattern,
		LogLevel:           "info",
	}
}

// Load builds the configuration from defaults overlaid with the process
// environment. A .env file in the working directory is honoured when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg := New()
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envInt("VERIFY_PORT", &cfg.Port)
	envString("VERIFY_BIND_IP", &cfg.BindIP)
	envInt("VERIFY_THREADS", &cfg.Threads)
	envString("VERIFY_TOOLKIT_FILE", &cfg.ToolkitFile)
	envString("VERIFY_REPORT_ARCHIVE_DIR", &cfg.ReportArchiveDir)
	envString("VERIFY_FILE_ARCHIVE_DIR", &cfg.FileArchiveDir)
	envString("VERIFY_WORKSPACE_ROOT", &cfg.WorkspaceRoot)
	envDuration("VERIFY_OBSERVER_TICK", &cfg.ObserverTick)
	envDuration("VERIFY_MONITOR_TIMEOUT", &cfg.MonitorTimeout)
	envDuration("VERIFY_WORKSPACE_IDLE", &cfg.WorkspaceIdle)
	envDuration("VERIFY_EXPIRATION_INTERVAL", &cfg.ExpirationInterval)
	envString("VERIFY_METRICS_ADDR", &cfg.MetricsAddr)
	envString("VERIFY_REDACT_PATTERN", &cfg.RedactPattern)
	envString("VERIFY_LOG_LEVEL", &cfg.LogLevel)
}

// Validate normalises derived values and rejects unusable settings.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Threads <= 0 {
		c.Threads = runtime.NumCPU()
	}
	if c.ObserverTick <= 0 {
		return fmt.Errorf("observer tick must be positive, got %v", c.ObserverTick)
	}
	if c.ExpirationInterval <= 0 {
		return fmt.Errorf("expiration interval must be positive, got %v", c.ExpirationInterval)
	}
	if c.MonitorTimeout <= 0 {
		return fmt.Errorf("monitor timeout must be positive, got %v", c.MonitorTimeout)
	}
	if c.WorkspaceIdle <= 0 {
		return fmt.Errorf("workspace idle timeout must be positive, got %v", c.WorkspaceIdle)
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindIP, c.Port)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-numeric environment override")
		return
	}
	*dst = n
}

func envDuration(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring unparsable duration override")
		return
	}
	*dst = d
}
