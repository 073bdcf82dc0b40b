package config

import (
	"os"
	"strings"

	"codeberg.org/mutker/vibrationmon/internal/errors"
	"codeberg.org/mutker/vibrationmon/internal/pid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultKeyFile     = ".key"
	DefaultInterval    = 30
	DefaultSendTimeout = 10
	DefaultSensor      = SensorADXL345
	DefaultSPIPort     = "SPI0.0"
	DefaultLogLevel    = string(LogLevelInfo)
	DefaultJournalDB   = "/var/lib/vibrationmon/journal.db"

	defaultEnvPrefix  = "VIBRATIONMON"
	defaultConfigName = "vibrationmon"

	SensorADXL345   = "adxl345"
	SensorSimulated = "simulated"
)

type Config struct {
	KeyFile       string `mapstructure:"key_file"`
	Interval      int    `mapstructure:"interval"`
	SendTimeout   int    `mapstructure:"send_timeout"`
	Sensor        string `mapstructure:"sensor"`
	SPIPort       string `mapstructure:"spi_port"`
	LogLevel      string `mapstructure:"log_level"`
	MetricsListen string `mapstructure:"metrics_listen"`
	Journal       bool   `mapstructure:"journal"`
	JournalDB     string `mapstructure:"journal_db"`
	PIDFile       string `mapstructure:"pid_file"`
}

// flagBinding maps a command line flag to its configuration key
type flagBinding struct {
	flag string
	key  string
}

var bindings = []flagBinding{
	{"key-file", "key_file"},
	{"interval", "interval"},
	{"send-timeout", "send_timeout"},
	{"sensor", "sensor"},
	{"spi-port", "spi_port"},
	{"log-level", "log_level"},
	{"metrics-listen", "metrics_listen"},
	{"journal", "journal"},
	{"journal-db", "journal_db"},
	{"pid-file", "pid_file"},
}

// Load reads configuration from defaults, the config file, the environment
// and the given command line arguments, in increasing order of precedence.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: defaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidArgument, err)
		}
	}

	fs := pflag.NewFlagSet(defaultConfigName, pflag.ContinueOnError)
	configFlag := fs.String("config", "", "Path to the configuration file")
	fs.String("key-file", DefaultKeyFile, "File holding the device connection string")
	fs.Int("interval", DefaultInterval, "Initial sampling interval in seconds")
	fs.Int("send-timeout", DefaultSendTimeout, "Timeout for cloud requests in seconds")
	fs.String("sensor", DefaultSensor, "Sensor driver: adxl345 or simulated")
	fs.String("spi-port", DefaultSPIPort, "SPI port the accelerometer is attached to")
	fs.String("log-level", DefaultLogLevel, "Log level: debug, info, warning, error")
	fs.String("metrics-listen", "", "Address to expose Prometheus metrics on")
	fs.Bool("journal", false, "Record configuration changes in a local database")
	fs.String("journal-db", DefaultJournalDB, "Path to the configuration journal database")
	fs.String("pid-file", pid.DefaultPath(), "Path to the PID file")

	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	for _, b := range bindings {
		if err := v.BindPFlag(b.key, fs.Lookup(b.flag)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Explicit file: flag, then option, then environment
	configPath := *configFlag
	if configPath == "" {
		configPath = o.configPath
	}
	if configPath == "" {
		configPath = os.Getenv(o.envPrefix + "_CONFIG")
	}

	v.SetConfigType("toml")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	} else {
		v.SetConfigName(defaultConfigName)
		v.AddConfigPath("/etc")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errFactory.Wrap(errors.ErrReadConfig, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks every field and returns the first violation found
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.KeyFile == "" {
		return errFactory.Wrap(errors.ErrInvalidConfig, newFieldError("key_file", c.KeyFile, "must not be empty"))
	}

	if c.Interval <= 0 {
		return errFactory.Wrap(errors.ErrInvalidInterval, newFieldError("interval", c.Interval, "must be positive"))
	}

	if c.SendTimeout <= 0 {
		return errFactory.Wrap(errors.ErrInvalidConfig, newFieldError("send_timeout", c.SendTimeout, "must be positive"))
	}

	if c.Sensor != SensorADXL345 && c.Sensor != SensorSimulated {
		return errFactory.Wrap(errors.ErrInvalidConfig, newFieldError("sensor", c.Sensor, "unknown sensor driver"))
	}

	if c.Sensor == SensorADXL345 && c.SPIPort == "" {
		return errFactory.Wrap(errors.ErrInvalidConfig, newFieldError("spi_port", c.SPIPort, "must not be empty"))
	}

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.Wrap(errors.ErrInvalidLogLevel, newFieldError("log_level", c.LogLevel, "unknown log level"))
	}

	if c.Journal && c.JournalDB == "" {
		return errFactory.Wrap(errors.ErrInvalidConfig, newFieldError("journal_db", c.JournalDB, "must not be empty"))
	}

	return nil
}
