package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every flag name (upper-cased, dashes replaced by
// underscores) to form its environment variable, e.g. LOCKERD_MAX_WAITERS.
const EnvPrefix = "LOCKERD"

type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxConnections  int
	MaxLocks        int
	MaxWaiters      int
	GCInterval      time.Duration
	GCMaxIdleTime   time.Duration
	Snapshot        string
	MetricsListen   string
	NATSURL         string
	NATSSubject     string
	TLSCert         string
	TLSKey          string
	Debug           bool
	Trace           bool
	ConfigFile      string

	v *viper.Viper
}

// NewFlagSet returns the flag set understood by Load and FromFlags. The cobra
// root command merges it into its own flags.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("host", "127.0.0.1", "Bind address")
	fs.Int("port", 6389, "Bind port")
	fs.Duration("read-timeout", 60*time.Second, "Idle timeout: a connection with no inbound frames for this long is torn down")
	fs.Duration("write-timeout", 5*time.Second, "Response write timeout (0 = none)")
	fs.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown drain timeout (0 = wait forever)")
	fs.Int("max-connections", 0, "Maximum concurrent connections (0 = unlimited)")
	fs.Int("max-locks", 0, "Maximum number of live lock names (0 = unlimited)")
	fs.Int("max-waiters", 0, "Maximum waiters per lock name (0 = unlimited)")
	fs.Duration("gc-interval", 5*time.Second, "Idle queue sweep interval")
	fs.Duration("gc-max-idle", 60*time.Second, "Idle time before an empty queue is pruned")
	fs.String("snapshot", "", "Snapshot store URL (path, file://, redis://, s3://, mem://); empty disables recovery")
	fs.String("metrics-listen", "", "Address for the HTTP management listener (/metrics, /status, /stats)")
	fs.String("nats-url", "", "NATS server URL for publishing lock events")
	fs.String("nats-subject", "lockerd", "Subject prefix for published lock events")
	fs.String("tls-cert", "", "Path to TLS certificate PEM file")
	fs.String("tls-key", "", "Path to TLS private key PEM file")
	fs.Bool("debug", false, "Enable debug logging")
	fs.Bool("trace", false, "Print OpenTelemetry spans for snapshot I/O to stderr")
	fs.String("config", "", "Path to a YAML/JSON/TOML config file")
	return fs
}

// Load parses args with a fresh flag set and resolves the configuration.
func Load(args []string) (*Config, error) {
	fs := NewFlagSet("lockerd")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return FromFlags(fs)
}

// FromFlags resolves the configuration from parsed flags, LOCKERD_* environment
// variables and, when --config is set, a config file. Explicit flags win over
// the environment, which wins over the file, which wins over flag defaults.
func FromFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("config file %q: %w", path, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("config file %q is a directory", path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	cfg := resolve(v)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolve(v *viper.Viper) *Config {
	return &Config{
		Host:            v.GetString("host"),
		Port:            v.GetInt("port"),
		ReadTimeout:     v.GetDuration("read-timeout"),
		WriteTimeout:    v.GetDuration("write-timeout"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
		MaxConnections:  v.GetInt("max-connections"),
		MaxLocks:        v.GetInt("max-locks"),
		MaxWaiters:      v.GetInt("max-waiters"),
		GCInterval:      v.GetDuration("gc-interval"),
		GCMaxIdleTime:   v.GetDuration("gc-max-idle"),
		Snapshot:        strings.TrimSpace(v.GetString("snapshot")),
		MetricsListen:   v.GetString("metrics-listen"),
		NATSURL:         v.GetString("nats-url"),
		NATSSubject:     v.GetString("nats-subject"),
		TLSCert:         v.GetString("tls-cert"),
		TLSKey:          v.GetString("tls-key"),
		Debug:           v.GetBool("debug"),
		Trace:           v.GetBool("trace"),
		ConfigFile:      v.ConfigFileUsed(),
		v:               v,
	}
}

// Watch calls fn with the re-resolved configuration every time the config
// file changes on disk. Invalid reloads are reported through onErr and
// otherwise ignored. It is a no-op when no config file is in use.
func (c *Config) Watch(fn func(*Config), onErr func(error)) {
	if c.v == nil || c.ConfigFile == "" {
		return
	}
	v := c.v
	v.OnConfigChange(func(e fsnotify.Event) {
		next := resolve(v)
		if err := next.validate(); err != nil {
			if onErr != nil {
				onErr(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		fn(next)
	})
	v.WatchConfig()
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("--port must be 0-65535 (got %d)", c.Port)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("--read-timeout must be > 0")
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("--write-timeout must be >= 0 (got %s)", c.WriteTimeout)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("--shutdown-timeout must be >= 0 (got %s)", c.ShutdownTimeout)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("--max-connections must be >= 0 (got %d)", c.MaxConnections)
	}
	if c.MaxLocks < 0 {
		return fmt.Errorf("--max-locks must be >= 0 (got %d)", c.MaxLocks)
	}
	if c.MaxWaiters < 0 {
		return fmt.Errorf("--max-waiters must be >= 0 (got %d)", c.MaxWaiters)
	}
	if c.GCInterval <= 0 {
		return fmt.Errorf("--gc-interval must be > 0")
	}
	if c.GCMaxIdleTime <= 0 {
		return fmt.Errorf("--gc-max-idle must be > 0")
	}
	if (c.TLSCert != "") != (c.TLSKey != "") {
		return fmt.Errorf("both --tls-cert and --tls-key must be provided together")
	}
	if c.NATSURL != "" && strings.TrimSpace(c.NATSSubject) == "" {
		return fmt.Errorf("--nats-subject must not be empty when --nats-url is set")
	}
	return nil
}
