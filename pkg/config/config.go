package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/srg/imucap/internal/export"
	"github.com/srg/imucap/internal/protocol"
	"gopkg.in/yaml.v3"
)

const (
	AppName           = "imucap"
	DefaultConfigName = "config"
	// EnvPrefix prefixes every environment override, e.g. IMUCAP_RECORDING_DURATION.
	EnvPrefix = "IMUCAP"
	// ConfigFileEnv names a config file explicitly.
	ConfigFileEnv = "IMUCAP_CONFIG"
)

// SearchPaths lists the directories searched for config.yaml, in order.
func SearchPaths() []string {
	paths := make([]string, 0, 3)
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", AppName))
	}
	return append(paths, filepath.Join("/etc", AppName), ".")
}

// DefaultConfigPath is where `config init` writes when no path is given.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfigName + ".yaml"
	}
	return filepath.Join(home, ".config", AppName, DefaultConfigName+".yaml")
}

// RecordingConfig selects how the node records.
type RecordingConfig struct {
	Mode     string        `yaml:"mode" mapstructure:"mode" default:"burst"`
	Duration time.Duration `yaml:"duration" mapstructure:"duration" default:"60s"`
	Channels string        `yaml:"channels" mapstructure:"channels" default:"ax,ay,az,gx,gy,gz,mx,my,mz"`
	// ReconnectMargin is added to Duration when waiting for the burst disconnect and reconnect.
	ReconnectMargin time.Duration `yaml:"reconnect_margin" mapstructure:"reconnect_margin" default:"1s"`
}

// Config holds application configuration
type Config struct {
	LogLevel        string          `yaml:"log_level" mapstructure:"log_level" default:"info"`
	Transport       string          `yaml:"transport" mapstructure:"transport" default:"go-ble"`
	OutputDir       string          `yaml:"output_dir" mapstructure:"output_dir" default:"."`
	Format          string          `yaml:"format" mapstructure:"format" default:"xlsx"`
	ScanTimeout     time.Duration   `yaml:"scan_timeout" mapstructure:"scan_timeout" default:"10s"`
	ConnectTimeout  time.Duration   `yaml:"connect_timeout" mapstructure:"connect_timeout" default:"15s"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" mapstructure:"read_timeout" default:"5s"`
	TransferTimeout time.Duration   `yaml:"transfer_timeout" mapstructure:"transfer_timeout" default:"5m"`
	Recording       RecordingConfig `yaml:"recording" mapstructure:"recording"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// FlagBindings maps config keys to the CLI flags that override them.
var FlagBindings = map[string]string{
	"log_level":          "log-level",
	"transport":          "transport",
	"output_dir":         "output-dir",
	"format":             "format",
	"scan_timeout":       "timeout",
	"recording.mode":     "mode",
	"recording.duration": "duration",
	"recording.channels": "channels",
}

// Load layers flags over IMUCAP_* environment variables over the config file
// over defaults. An explicit configFile (or IMUCAP_CONFIG) must exist; the
// search paths are optional. It returns the config file used, if any.
func Load(configFile string, flags *pflag.FlagSet) (*Config, string, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if configFile == "" {
		configFile = os.Getenv(ConfigFileEnv)
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		for _, p := range SearchPaths() {
			v.AddConfigPath(p)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range FlagBindings {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, "", fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, "", fmt.Errorf("decode config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}

func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("transport", c.Transport)
	v.SetDefault("output_dir", c.OutputDir)
	v.SetDefault("format", c.Format)
	v.SetDefault("scan_timeout", c.ScanTimeout)
	v.SetDefault("connect_timeout", c.ConnectTimeout)
	v.SetDefault("read_timeout", c.ReadTimeout)
	v.SetDefault("transfer_timeout", c.TransferTimeout)
	v.SetDefault("recording.mode", c.Recording.Mode)
	v.SetDefault("recording.duration", c.Recording.Duration)
	v.SetDefault("recording.channels", c.Recording.Channels)
	v.SetDefault("recording.reconnect_margin", c.Recording.ReconnectMargin)
}

// Validate checks every value that is parsed later and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if strings.TrimSpace(c.Transport) == "" {
		errs = append(errs, errors.New("transport: must not be empty"))
	}
	if _, err := export.ParseFormat(c.Format); err != nil {
		errs = append(errs, fmt.Errorf("format: %w", err))
	}

	mode, err := protocol.ParseMode(c.Recording.Mode)
	if err != nil {
		errs = append(errs, fmt.Errorf("recording.mode: %w", err))
	}
	if _, err := protocol.ParseChannelMask(c.Recording.Channels); err != nil {
		errs = append(errs, fmt.Errorf("recording.channels: %w", err))
	}
	if mode == protocol.RecordDuringSeconds && c.Recording.Duration < time.Second {
		errs = append(errs, fmt.Errorf("recording.duration: burst recordings last at least 1s, got %v", c.Recording.Duration))
	}

	for name, d := range map[string]time.Duration{
		"recording.duration":         c.Recording.Duration,
		"recording.reconnect_margin": c.Recording.ReconnectMargin,
		"scan_timeout":               c.ScanTimeout,
		"connect_timeout":            c.ConnectTimeout,
		"read_timeout":               c.ReadTimeout,
		"transfer_timeout":           c.TransferTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %v", name, d))
		}
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// Render returns the YAML form written by `config init`.
func (c *Config) Render() ([]byte, error) {
	return yaml.Marshal(c)
}

// Save writes the YAML form to path, creating its directory. An existing file
// is only replaced with overwrite.
func (c *Config) Save(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --yes to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	data, err := c.Render()
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
