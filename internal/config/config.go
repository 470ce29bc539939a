package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lowaak/smart-trainer/cadence-monitor/internal/ftms"
)

const (
	AppName   = "cadence-monitor"
	EnvPrefix = "CADENCE_MONITOR"

	// DefaultSimAddress is the address the simulated bike answers to
	DefaultSimAddress = "FE:E8:C4:2B:4D:9A"
)

// Config is the resolved configuration. Sources, highest priority first:
// command line flags, CADENCE_MONITOR_* environment variables, the config
// file, built-in defaults.
type Config struct {
	Device     string `mapstructure:"device"`
	ConfigFile string `mapstructure:"config"`

	Simulate  bool          `mapstructure:"simulate"`
	SimPort   int           `mapstructure:"sim-port"`
	SimPeriod time.Duration `mapstructure:"sim-period"`

	Headless bool   `mapstructure:"headless"`
	Decoder  string `mapstructure:"decoder"`

	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`
	RetryDelay       time.Duration `mapstructure:"retry-delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry-max-delay"`
	RetryMaxAttempts int           `mapstructure:"retry-max-attempts"`

	LogFile       string `mapstructure:"log-file"`
	LogMaxSize    int    `mapstructure:"log-max-size"`
	LogMaxBackups int    `mapstructure:"log-max-backups"`
	LogMaxAge     int    `mapstructure:"log-max-age"`

	StateFile string `mapstructure:"state-file"`
}

// DataDir is where the log and state files live by default
func DataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, "."+AppName)
}

// NewFlagSet declares every option with its default
func NewFlagSet() *pflag.FlagSet {
	dataDir := DataDir()
	fs := pflag.NewFlagSet(AppName, pflag.ContinueOnError)

	fs.String("device", "", "address of the FTMS indoor bike, e.g. FE:E8:C4:2B:4D:9A")
	fs.String("config", "", "config file (yaml, toml or json)")

	fs.Bool("simulate", false, "use a simulated bike instead of the Bluetooth adapter")
	fs.Int("sim-port", 0, "port for the simulator control API (0 disables it)")
	fs.Duration("sim-period", time.Second, "interval between simulated frames")

	fs.Bool("headless", false, "log updates instead of showing the dashboard")
	fs.String("decoder", string(ftms.DecoderBasic), "indoor bike data decoder: basic or full")

	fs.Duration("handshake-timeout", 30*time.Second, "limit for each connect, discovery and subscribe step (0 waits forever)")
	fs.Duration("retry-delay", 0, "initial delay between sessions (0 reconnects immediately)")
	fs.Duration("retry-max-delay", 30*time.Second, "upper bound for the reconnect delay")
	fs.Int("retry-max-attempts", 0, "consecutive failed sessions before giving up (0 never gives up)")

	fs.String("log-file", filepath.Join(dataDir, AppName+".log"), "log file")
	fs.Int("log-max-size", 10, "megabytes per log file before rotation")
	fs.Int("log-max-backups", 3, "rotated log files to keep")
	fs.Int("log-max-age", 28, "days to keep rotated log files")

	fs.String("state-file", filepath.Join(dataDir, "state.json"), "file remembering the last streaming device")
	return fs
}

// Load parses args and merges them with the environment and config file
func Load(args []string) (*Config, error) {
	fs := NewFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	cfg.Device = strings.TrimSpace(cfg.Device)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if _, err := ftms.NewDecoder(ftms.DecoderKind(c.Decoder)); err != nil {
		errs = append(errs, err)
	}
	if c.HandshakeTimeout < 0 {
		errs = append(errs, errors.New("handshake-timeout must not be negative"))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, errors.New("retry-delay must not be negative"))
	}
	if c.RetryDelay > 0 && c.RetryMaxDelay < c.RetryDelay {
		errs = append(errs, fmt.Errorf("retry-max-delay %v is below retry-delay %v", c.RetryMaxDelay, c.RetryDelay))
	}
	if c.RetryMaxAttempts < 0 {
		errs = append(errs, errors.New("retry-max-attempts must not be negative"))
	}
	if c.SimPort < 0 || c.SimPort > 65535 {
		errs = append(errs, fmt.Errorf("sim-port %d out of range", c.SimPort))
	}
	if c.Simulate && c.SimPeriod < 0 {
		errs = append(errs, errors.New("sim-period must not be negative"))
	}
	if c.LogFile == "" {
		errs = append(errs, errors.New("log-file must be set"))
	}
	if c.LogMaxSize <= 0 {
		errs = append(errs, errors.New("log-max-size must be positive"))
	}
	return errors.Join(errs...)
}
