package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config wraps a viper instance and provides typed accessors for the
// ambient process settings. Create one via New(); BindFlags registers
// the CLI surface for cmd/tng.
type Config struct {
	v *viper.Viper
}

// New initialises a Config by loading values from environment
// variables, the config file, and compiled defaults (in that priority
// order; CLI flags, bound later via BindFlags, take highest priority).
func New() (*Config, error) {
	v := viper.New()

	for _, o := range Options {
		v.SetDefault(o.Key, o.Default)
	}

	v.SetConfigName("tng")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tng/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables are prefixed with TNG_ and use
	// underscores in place of dots (e.g. TNG_LOG_LEVEL).
	v.SetEnvPrefix("TNG")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

// BindFlags registers CLI flags for Options and binds them to the
// underlying viper keys so that flag values override file and
// environment sources.
func (c *Config) BindFlags(fs *pflag.FlagSet) error {
	for _, o := range Options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

// DocumentPath returns the path to the tunnel configuration document
// (spec.md §6) to load.
func (c *Config) DocumentPath() string {
	return c.v.GetString(keyDocumentPath)
}

// LogLevel returns the configured slog level name.
func (c *Config) LogLevel() string {
	return c.v.GetString(keyLogLevel)
}

// LogFormat returns the configured log format ("text" or "json").
func (c *Config) LogFormat() string {
	return c.v.GetString(keyLogFormat)
}
