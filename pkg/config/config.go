// Package config provides shared configuration functionality using Viper
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type CoordinatorConfig struct {
	Hostname string `mapstructure:"hostname"`
	Port     int    `mapstructure:"port"`
	// one of none, token, jwt
	AuthMode            string        `mapstructure:"auth_mode"`
	AuthToken           string        `mapstructure:"auth_token"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

type WorkerConfig struct {
	CoordinatorURL        string         `mapstructure:"coordinator_url"`
	Id                    string         `mapstructure:"id"`
	Name                  string         `mapstructure:"name"`
	Models                []string       `mapstructure:"models"`
	MaxConcurrentRequests int            `mapstructure:"max_concurrent_requests"`
	ConcurrencyLimits     map[string]int `mapstructure:"concurrency_limits"`
	AuthToken             string         `mapstructure:"auth_token"`
}

// EventsConfig points at the Redis stream lifecycle events go to. An empty
// RedisAddr disables publishing.
type EventsConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Stream        string `mapstructure:"stream"`
}

// Config holds common configuration values shared across all services
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Events      EventsConfig      `mapstructure:"events"`
}

func setCoordinatorDefaults(v *viper.Viper) {
	v.SetDefault("coordinator.hostname", "")
	v.SetDefault("coordinator.port", 8090)
	v.SetDefault("coordinator.auth_mode", "")
	v.SetDefault("coordinator.auth_token", "")
	v.SetDefault("coordinator.heartbeat_timeout", 60*time.Second)
	v.SetDefault("coordinator.heartbeat_interval", 15*time.Second)
	v.SetDefault("coordinator.health_check_interval", 10*time.Second)
}

func setWorkerDefaults(v *viper.Viper) {
	v.SetDefault("worker.coordinator_url", "ws://localhost:8090/")
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.name", "")
	v.SetDefault("worker.models", []string{})
	v.SetDefault("worker.max_concurrent_requests", 1)
	v.SetDefault("worker.auth_token", "")
}

func setEventsDefaults(v *viper.Viper) {
	v.SetDefault("events.redis_addr", "")
	v.SetDefault("events.redis_password", "")
	v.SetDefault("events.redis_db", 0)
	v.SetDefault("events.stream", "fleet:workers")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	setCoordinatorDefaults(v)
	setWorkerDefaults(v)
	setEventsDefaults(v)
}

func ConfigureViper() {
	// Every key can also come from a FLEET_ prefixed env variable, e.g. FLEET_COORDINATOR_PORT
	viper.SetEnvPrefix("FLEET")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
}

func init() {
	ConfigureViper()
}

// Load reads defaults, the optional config file, env variables and bound flags,
// then applies overrideStr ("key:value,key:value") with the highest precedence.
func Load(configPath string, overrideStr string) (*Config, error) {
	setDefaults(viper.GetViper())

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	err := viper.ReadInConfig()
	if err != nil {
		// Ignore file not found errors (config is optional)
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file %s: %w", viper.ConfigFileUsed(), err)
		}
		slog.Info("No config file found, using defaults")
	} else {
		slog.Info("Loaded config file", "path", viper.ConfigFileUsed())
	}

	if overrideStr != "" {
		overrides, err := parseOverrides(overrideStr)
		if err != nil {
			return nil, err
		}
		for key, value := range overrides {
			viper.Set(key, value)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func parseOverrides(overrideStr string) (map[string]string, error) {
	overrides := make(map[string]string)
	for _, pair := range strings.Split(overrideStr, ",") {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid override %q, expected key:value", pair)
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			return nil, fmt.Errorf("invalid override %q, empty key", pair)
		}
		overrides[key] = strings.TrimSpace(parts[1])
	}
	return overrides, nil
}

// BindFlags binds pflags to viper keys. bindFlags is a map of pflag names to viper keys.
func BindFlags(bindFlags map[string]string) error {
	for flagName, viperKey := range bindFlags {
		flag := pflag.Lookup(flagName)
		if flag == nil {
			return fmt.Errorf("unknown flag %q", flagName)
		}
		if err := viper.BindPFlag(viperKey, flag); err != nil {
			return fmt.Errorf("binding flag %s: %w", flagName, err)
		}
	}
	return nil
}
