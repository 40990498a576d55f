package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	History   HistoryConfig   `mapstructure:"history"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TLSCertFile     string        `mapstructure:"tls_cert_file"`
	TLSKeyFile      string        `mapstructure:"tls_key_file"`
}

// TLSEnabled reports whether both halves of the key pair are configured.
func (s *ServerConfig) TLSEnabled() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type ProxyConfig struct {
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	MaxTimeout        time.Duration `mapstructure:"max_timeout"`
	ResolverCacheSize int           `mapstructure:"resolver_cache_size"`
}

// RetentionConfig is either "unlimited" or "fifo_bytes" with a byte bound.
type RetentionConfig struct {
	Mode     string `mapstructure:"mode"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

type HistoryConfig struct {
	EndpointRequest  RetentionConfig `mapstructure:"endpoint_request"`
	EndpointResponse RetentionConfig `mapstructure:"endpoint_response"`
	TopicIn          RetentionConfig `mapstructure:"topic_in"`
	TopicOut         RetentionConfig `mapstructure:"topic_out"`
	Log              RetentionConfig `mapstructure:"log"`
	ArchiveQueueSize int             `mapstructure:"archive_queue_size"`
}

type SimulatorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// SearchPaths are the directories holding ICD descriptors (yaml).
	SearchPaths []string          `mapstructure:"search_paths"`
	Devices     []SimulatedDevice `mapstructure:"devices"`
}

type SimulatedDevice struct {
	Serial string `mapstructure:"serial"`
	// Name overrides the generated short name.
	Name       string `mapstructure:"name"`
	Descriptor string `mapstructure:"descriptor"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

const (
	RetentionUnlimited = "unlimited"
	RetentionFifoBytes = "fifo_bytes"
)

var serialPattern = regexp.MustCompile(`^[0-9A-Fa-f]{16}$`)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "deviceproxy")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("proxy.default_timeout", "5s")
	v.SetDefault("proxy.max_timeout", "60s")
	v.SetDefault("proxy.resolver_cache_size", 1024)

	// Logs and topic-out are the high-volume categories, bound them by default
	for _, cat := range []string{"endpoint_request", "endpoint_response", "topic_in"} {
		v.SetDefault("history."+cat+".mode", RetentionUnlimited)
	}
	v.SetDefault("history.topic_out.mode", RetentionFifoBytes)
	v.SetDefault("history.topic_out.max_bytes", 4<<20)
	v.SetDefault("history.log.mode", RetentionFifoBytes)
	v.SetDefault("history.log.max_bytes", 1<<20)
	v.SetDefault("history.archive_queue_size", 1024)

	v.SetDefault("simulator.enabled", true)
	v.SetDefault("simulator.search_paths", []string{"./configs/icd"})
	v.SetDefault("metrics.enabled", true)
}

// Load reads the yaml file at path. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment Variables mit Prefix ODP_, e.g. ODP_SERVER_HTTP_PORT
	v.SetEnvPrefix("ODP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid server.grpc_port: %d", c.Server.GRPCPort)
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if c.Proxy.DefaultTimeout <= 0 {
		return fmt.Errorf("proxy.default_timeout must be positive")
	}
	if c.Proxy.MaxTimeout < c.Proxy.DefaultTimeout {
		return fmt.Errorf("proxy.max_timeout (%s) below default_timeout (%s)",
			c.Proxy.MaxTimeout, c.Proxy.DefaultTimeout)
	}
	if c.Proxy.ResolverCacheSize <= 0 {
		return fmt.Errorf("proxy.resolver_cache_size must be positive")
	}

	for i, d := range c.Simulator.Devices {
		if !serialPattern.MatchString(d.Serial) {
			return fmt.Errorf("simulator.devices[%d].serial: want 16 hex digits, have %q", i, d.Serial)
		}
	}

	for name, r := range c.History.Categories() {
		switch r.Mode {
		case RetentionUnlimited:
		case RetentionFifoBytes:
			if r.MaxBytes <= 0 {
				return fmt.Errorf("history.%s.max_bytes must be positive for fifo_bytes", name)
			}
		default:
			return fmt.Errorf("history.%s.mode: unknown retention mode %q", name, r.Mode)
		}
	}
	return nil
}

// Categories maps the history category names to their retention settings.
func (h *HistoryConfig) Categories() map[string]RetentionConfig {
	return map[string]RetentionConfig{
		"endpoint_request":  h.EndpointRequest,
		"endpoint_response": h.EndpointResponse,
		"topic_in":          h.TopicIn,
		"topic_out":         h.TopicOut,
		"log":               h.Log,
	}
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}
