package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the server's runtime settings: listen addresses, the catalog
// database path, concurrency limits, scan behavior, and log/TLS material.
// Load from environment (Load) and optionally layer CLI flags on top
// (ApplyFlags), matching the CLI surface registered there.
type Config struct {
	// Listen is the wire-protocol listen address (e.g. ":5100").
	Listen string
	// WebListen is the Prometheus/health HTTP listen address (e.g. ":5101").
	WebListen string
	// DatabasePath is the sqlite catalog file.
	DatabasePath string
	// PreregisterTuner is an optional driver path to register at startup.
	PreregisterTuner string
	// MaxConnections bounds concurrent client sessions. 0 = unlimited.
	MaxConnections int
	// Verbose is the -verbose flag. It is parsed and stored; bonproxyd does
	// not change its logging because of it.
	Verbose bool
	// EnableScan turns on the background scan scheduler.
	EnableScan bool
	// ScanOnStart runs one scan pass immediately instead of waiting for the
	// first tick interval.
	ScanOnStart bool
	// LogDir, LogRetentionDays and LogLevel hold the log directory, the
	// retention in days and a level name ("debug", "info", "warn", "error").
	// They are parsed and stored; bonproxyd always logs to stderr and does
	// not filter by level or prune files.
	LogDir           string
	LogRetentionDays int
	LogLevel         string

	// PassiveDuringExclusive, when true, attaches a passive scanner to every
	// newly allocated tuner, whether or not a session holds it exclusively;
	// when false, bonproxyd runs no passive scanning at all.
	PassiveDuringExclusive bool

	// TLS material. It is parsed and stored; the listener does not use it
	// and always accepts plain TCP.
	CACert            string
	ServerCert        string
	ServerKey         string
	RequireClientCert bool

	ScanTickInterval time.Duration

	// ExportSnapshotPath, when set via -export-snapshot, makes bonproxyd write
	// a brotli-compressed catalog snapshot to this path and exit instead of
	// serving. Admin/support tooling only; never read from the environment.
	ExportSnapshotPath string
}

// Load builds a Config from environment variables. Call LoadEnvFile(".env")
// first to have a .env file populate the environment.
func Load() *Config {
	return &Config{
		Listen:                 getEnv("BONPROXY_LISTEN", ":5100"),
		WebListen:              getEnv("BONPROXY_WEB_LISTEN", ":5101"),
		DatabasePath:           getEnv("BONPROXY_DATABASE", "./bonproxy.db"),
		PreregisterTuner:       getEnv("BONPROXY_TUNER", ""),
		MaxConnections:         getEnvInt("BONPROXY_MAX_CONNECTIONS", 0),
		Verbose:                getEnvBool("BONPROXY_VERBOSE", false),
		EnableScan:             getEnvBool("BONPROXY_ENABLE_SCAN", false),
		ScanOnStart:            getEnvBool("BONPROXY_SCAN_ON_START", false),
		LogDir:                 getEnv("BONPROXY_LOG_DIR", ""),
		LogRetentionDays:       getEnvInt("BONPROXY_LOG_RETENTION_DAYS", 0),
		LogLevel:               getEnv("BONPROXY_LOG_LEVEL", "info"),
		PassiveDuringExclusive: getEnvBool("BONPROXY_PASSIVE_DURING_EXCLUSIVE", true),
		CACert:                 getEnv("BONPROXY_CA_CERT", ""),
		ServerCert:             getEnv("BONPROXY_SERVER_CERT", ""),
		ServerKey:              getEnv("BONPROXY_SERVER_KEY", ""),
		RequireClientCert:      getEnvBool("BONPROXY_REQUIRE_CLIENT_CERT", false),
		ScanTickInterval:       getEnvDuration("BONPROXY_SCAN_TICK_INTERVAL", 60*time.Second),
	}
}

// ApplyFlags registers the CLI surface on fs, parses args, and overlays any
// flag the caller explicitly set on top of c. A -config path is loaded as an
// env file and re-applied before flags, so flags always win over both the
// process environment and -config.
func (c *Config) ApplyFlags(fs *flag.FlagSet, args []string) error {
	listen := fs.String("listen", c.Listen, "wire protocol listen address")
	webListen := fs.String("web-listen", c.WebListen, "metrics/health HTTP listen address")
	tuner := fs.String("tuner", c.PreregisterTuner, "driver path to pre-register at startup")
	database := fs.String("database", c.DatabasePath, "catalog database path")
	maxConnections := fs.Int("max-connections", c.MaxConnections, "max concurrent sessions (0 = unlimited)")
	configPath := fs.String("config", "", "path to a .env-style config file, loaded before flags are applied")
	verbose := fs.Bool("verbose", c.Verbose, "enable debug logging")
	enableScan := fs.Bool("enable-scan", c.EnableScan, "enable the background scan scheduler")
	scanOnStart := fs.Bool("scan-on-start", c.ScanOnStart, "run one scan pass immediately on startup")
	logDir := fs.String("log-dir", c.LogDir, "directory to write structured logs to")
	logRetentionDays := fs.Int("log-retention-days", c.LogRetentionDays, "prune log files older than this many days (0 = never)")
	exportSnapshot := fs.String("export-snapshot", "", "write a brotli-compressed catalog snapshot to this path and exit, instead of serving")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *configPath != "" {
		if err := LoadEnvFile(*configPath); err != nil {
			return err
		}
		*c = *Load()
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			c.Listen = *listen
		case "web-listen":
			c.WebListen = *webListen
		case "tuner":
			c.PreregisterTuner = *tuner
		case "database":
			c.DatabasePath = *database
		case "max-connections":
			c.MaxConnections = *maxConnections
		case "verbose":
			c.Verbose = *verbose
		case "enable-scan":
			c.EnableScan = *enableScan
		case "scan-on-start":
			c.ScanOnStart = *scanOnStart
		case "log-dir":
			c.LogDir = *logDir
		case "log-retention-days":
			c.LogRetentionDays = *logRetentionDays
		case "export-snapshot":
			c.ExportSnapshotPath = *exportSnapshot
		}
	})
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
