package config

import (
	"os"
	"strings"

	"codeberg.org/mutker/flippermon/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultInterval       = 2
	DefaultDevicePattern  = "PC Mon"
	DefaultMTU            = 23
	DefaultConnectTimeout = 10
	DefaultStaleAfter     = 30
	DefaultWriteRetries   = 3
	DefaultLogLevel       = "info"
	defaultDBPath         = "/var/lib/flippermon/telemetry.db"
)

type Config struct {
	// Interval between telemetry polls, in seconds.
	Interval int `mapstructure:"interval"`
	// Device is the advertised-name pattern used to recognize the
	// Flipper Zero among BLE advertisements.
	Device string `mapstructure:"device"`
	// Address optionally pins the peripheral to an exact BLE address.
	Address string `mapstructure:"address"`
	// MTU is the negotiated ATT MTU; frames are sized to fit it.
	MTU int `mapstructure:"mtu"`
	// ConnectTimeout bounds the Connecting state, in seconds.
	ConnectTimeout int `mapstructure:"connect_timeout"`
	// StaleAfter is how long a snapshot may be served stale before it
	// is marked degraded, in seconds.
	StaleAfter int `mapstructure:"stale_after"`
	// WriteRetries is the Degraded-state retry budget before the
	// session is torn down to Scanning.
	WriteRetries int `mapstructure:"write_retries"`
	// Monitor resolves and logs telemetry without a BLE session.
	Monitor bool `mapstructure:"monitor"`

	Telemetry   bool   `mapstructure:"telemetry"`
	TelemetryDB string `mapstructure:"database"`

	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`
	Verbose  bool   `mapstructure:"verbose"`
}

func Load() (*Config, error) {
	errFactory := errors.New()

	v := viper.New()
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("device", DefaultDevicePattern)
	v.SetDefault("address", "")
	v.SetDefault("mtu", DefaultMTU)
	v.SetDefault("connect_timeout", DefaultConnectTimeout)
	v.SetDefault("stale_after", DefaultStaleAfter)
	v.SetDefault("write_retries", DefaultWriteRetries)
	v.SetDefault("monitor", false)
	v.SetDefault("telemetry", false)
	v.SetDefault("database", defaultDBPath)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)

	flags := pflag.NewFlagSet("flippermon", pflag.ContinueOnError)
	flags.Int("interval", DefaultInterval, "Seconds between telemetry polls")
	flags.String("device", DefaultDevicePattern, "Advertised name pattern of the target peripheral")
	flags.String("address", "", "Pin the peripheral to an exact BLE address")
	flags.Int("mtu", DefaultMTU, "ATT MTU used to size outgoing frames")
	flags.Int("connect-timeout", DefaultConnectTimeout, "Seconds before a connection attempt returns to scanning")
	flags.Int("stale-after", DefaultStaleAfter, "Seconds before a stale snapshot is marked degraded")
	flags.Int("write-retries", DefaultWriteRetries, "Failed writes tolerated before reconnecting")
	flags.Bool("monitor", false, "Only resolve and log telemetry, without BLE")
	flags.Bool("telemetry", false, "Record snapshots and session events to the local database")
	flags.String("database", defaultDBPath, "Path to the telemetry database")
	flags.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	flags.Bool("debug", false, "Enable debugging mode")
	flags.Bool("verbose", false, "Enable verbose logging")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	// pflag names use dashes, config keys use underscores.
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			v.Set(strings.ReplaceAll(f.Name, "-", "_"), f.Value.String())
		}
	})

	v.SetEnvPrefix("FLIPPERMON")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("FLIPPERMON_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("flippermon")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
		if home, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, errFactory.WithMessage(errors.ErrReadConfig, "Failed to read config file").WithData(err.Error())
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Interval < 1 || c.Interval > 3600 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if c.Device == "" && c.Address == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "either device pattern or address must be set")
	}
	if c.MTU < 23 || c.MTU > 512 {
		return errFactory.WithData(errors.ErrInvalidConfig, c.MTU)
	}
	if c.ConnectTimeout < 1 {
		return errFactory.WithData(errors.ErrInvalidConfig, c.ConnectTimeout)
	}
	if c.StaleAfter < c.Interval {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "stale_after must be at least one interval")
	}
	if c.WriteRetries < 1 {
		return errFactory.WithData(errors.ErrInvalidConfig, c.WriteRetries)
	}
	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	return nil
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

func (l LogLevel) String() string {
	return string(l)
}
