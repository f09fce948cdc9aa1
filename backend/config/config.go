package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	// Redis is optional; with no addrs the bus and roster are process local.
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	// Kafka is optional; with no brokers op events are not emitted.
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Mode   string `mapstructure:"mode"` // remote | jwt
		Path   string `mapstructure:"path"`
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Collab struct {
		Debounce       time.Duration `mapstructure:"debounce"`
		MaxConnections int           `mapstructure:"maxConnections"`
		PingInterval   time.Duration `mapstructure:"pingInterval"`
		AllowedOrigins []string      `mapstructure:"allowedOrigins"`
		Instance       string        `mapstructure:"instance"`
	} `mapstructure:"collab"`
}

const (
	AuthRemote = "remote"
	AuthJWT    = "jwt"
)

func setDefaults(v *viper.Viper) {
	// every key needs a default for env overrides to reach Unmarshal
	v.SetDefault("running.port", 8082)
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "doc-ops")
	v.SetDefault("auth.mode", AuthRemote)
	v.SetDefault("auth.path", "http://127.0.0.1:8081")
	v.SetDefault("auth.secret", "")
	v.SetDefault("collab.debounce", 2*time.Second)
	v.SetDefault("collab.maxConnections", 100)
	v.SetDefault("collab.pingInterval", 30*time.Second)
	v.SetDefault("collab.allowedOrigins", []string{})
	v.SetDefault("collab.instance", "")
}

// Load reads collabConfig.yaml, or path when given, with COLLAB_* env
// overrides (COLLAB_MYSQL_DSN, COLLAB_COLLAB_DEBOUNCE, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collabConfig")
		v.SetConfigType("yaml")
		// works from the repo root or from backend/
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Auth.Mode {
	case AuthRemote, AuthJWT:
	default:
		return fmt.Errorf("auth.mode %q: want %s or %s", c.Auth.Mode, AuthRemote, AuthJWT)
	}
	if c.Running.Port <= 0 {
		return fmt.Errorf("running.port %d out of range", c.Running.Port)
	}
	if c.Collab.MaxConnections <= 0 {
		return fmt.Errorf("collab.maxConnections must be positive")
	}
	return nil
}
