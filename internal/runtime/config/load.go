package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. BUSFLOW_PANEL_PORT=9000.
const EnvPrefix = "BUSFLOW"

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. An empty path loads defaults and
// environment only.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("busflow: read config %s: %w", path, err)
		}
	}
	return decode(v)
}

// LoadReader is Load for configuration held in memory. format is a viper
// config type such as "yaml" or "json".
func LoadReader(r io.Reader, format string) (Config, error) {
	v := newViper()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return Config{}, fmt.Errorf("busflow: read config: %w", err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys need a default to be picked up from the environment.
	v.SetDefault("serializer.default", DefaultSerializer)
	v.SetDefault("defaultBus", "")
	v.SetDefault("failureTransport", "")
	v.SetDefault("panel.enabled", false)
	v.SetDefault("panel.port", DefaultPanelPort)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", DefaultMetricsPort)
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("busflow: decode config: %w", err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("busflow: invalid config: %w", err)
	}
	return cfg, nil
}
