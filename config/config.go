package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/MrJones267/aryv-coord/globals"
)

const (
	defaultGracePeriod     = 24 * time.Hour
	defaultLocationRateRPS = 2.0
	defaultLocationBurst   = 10
)

// Config is the global configuration object, filled from the TOML
// configuration file(s), environment (ARYV_ prefix) and command-line flags.
type Config struct {
	Addr              string            `mapstructure:"addr"`
	LogLevel          string            `mapstructure:"log_level"`
	OIDCConfigs       []OIDCConfig      `mapstructure:"oidc"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	AMQPConfig        AMQPConfig        `mapstructure:"amqp"`
	PushConfig        PushConfig        `mapstructure:"push"`
	PaymentsConfig    PaymentsConfig    `mapstructure:"payments"`
	EscrowConfig      EscrowConfig      `mapstructure:"escrow"`
	LimitsConfig      LimitsConfig      `mapstructure:"limits"`
}

// An OIDCConfig block configures an OpenID Connect provider used to verify
// the bearer credential presented on `authenticate`.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"`
}

// PersistenceConfig selects the store backend. Type is "postgres" or
// "buntdb"; for buntdb the DSN is a file path or ":memory:".
type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// AMQPConfig configures the audit event bus. An empty URL disables
// publishing (events are dropped, which only loses the external audit log).
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// PushConfig configures the external push collaborator endpoint.
type PushConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PaymentsConfig configures the external payment processor endpoint used
// to fund escrows.
type PaymentsConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// EscrowConfig carries the auto-release policy. SweepSpec is a cron
// expression; when empty, no background sweep runs and release is always
// driven by an explicit caller.
type EscrowConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
	SweepSpec   string        `mapstructure:"sweep_spec"`
}

// LimitsConfig bounds the inbound location_update rate per connection.
type LimitsConfig struct {
	LocationRPS   float64 `mapstructure:"location_rps"`
	LocationBurst int     `mapstructure:"location_burst"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("addr", "localhost:8000", "listen address (including port)")
	flagSet.String("log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.Replace(name, "-", "_", -1))
}

// ReadConfiguration reads and parses the configuration located at
// configPath, which can either point to a single TOML file or to a
// directory, in which case all *.toml files in this directory are
// concatenated. It returns a Config object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	viper.SetDefault("addr", "localhost:8000")
	viper.SetDefault("log_level", "INFO")
	viper.SetDefault("escrow.grace_period", defaultGracePeriod)
	viper.SetDefault("limits.location_rps", defaultLocationRateRPS)
	viper.SetDefault("limits.location_burst", defaultLocationBurst)
	if err := viper.BindPFlags(flagSet); err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("ARYV")
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		if err := viper.ReadConfig(bytes.NewBuffer(contents)); err != nil {
			globals.AppLogger.Error("could not read config:", "error", err)
		}
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		globals.AppLogger.Error("could not unmarshal config:", "error", err)
	}
	if cfg.EscrowConfig.GracePeriod <= 0 {
		cfg.EscrowConfig.GracePeriod = defaultGracePeriod
	}

	globals.AppLogger.Debug("config", "cfg", cfg)
	return &cfg, nil
}
