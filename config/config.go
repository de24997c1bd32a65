// Package config loads the YAML configuration of the calc demo and builds its logger.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"duplex-rpc/codec"
	"duplex-rpc/loadbalance"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ChannelID  string         `yaml:"channel_id"`
	Transport  string         `yaml:"transport"` // tcp/http/ws
	Address    string         `yaml:"address"`
	Codec      string         `yaml:"codec"`      // binary/json
	Serializer string         `yaml:"serializer"` // auto/json/protobuf
	Client     ClientConfig   `yaml:"client"`
	Server     ServerConfig   `yaml:"server"`
	Registry   RegistryConfig `yaml:"registry"`
	Log        LogConfig      `yaml:"log"`
	Admin      AdminConfig    `yaml:"admin"`
	Metrics    MetricsConfig  `yaml:"metrics"`
}

type ClientConfig struct {
	CallTimeout       Duration `yaml:"call_timeout"` // 0 waits until response or connection loss
	DialTimeout       Duration `yaml:"dial_timeout"`
	PollInterval      Duration `yaml:"poll_interval"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	Discovery         bool     `yaml:"discovery"` // resolve channel_id through the registry instead of address
	LoadBalancer      string   `yaml:"load_balancer"`
}

type ServerConfig struct {
	InactivityTimeout Duration `yaml:"inactivity_timeout"`
	MaxPollBytes      int      `yaml:"max_poll_bytes"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	RateLimit         float64  `yaml:"rate_limit"` // invocations per second, 0 disables
	RateBurst         int      `yaml:"rate_burst"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout"`
}

type RegistryConfig struct {
	Type        string   `yaml:"type"` // ""/memory/etcd
	Endpoints   []string `yaml:"endpoints"`
	DialTimeout Duration `yaml:"dial_timeout"`
	LeaseTTL    int64    `yaml:"lease_ttl"`
	Weight      int      `yaml:"weight"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type AdminConfig struct {
	Address string `yaml:"address"` // empty disables the admin endpoint
}

type MetricsConfig struct {
	Address   string `yaml:"address"` // empty disables /metrics
	Namespace string `yaml:"namespace"`
}

// Duration reads Go duration strings ("30s", "500ms").
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dd
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func Default() *Config {
	return &Config{
		ChannelID:  "Calculator",
		Transport:  "tcp",
		Address:    "127.0.0.1:9000",
		Codec:      "binary",
		Serializer: "auto",
		Client: ClientConfig{
			DialTimeout:  Duration{5 * time.Second},
			PollInterval: Duration{500 * time.Millisecond},
			LoadBalancer: "round_robin",
		},
		Server: ServerConfig{
			InactivityTimeout: Duration{10 * time.Second},
			MaxPollBytes:      1 << 20,
			ShutdownTimeout:   Duration{5 * time.Second},
		},
		Registry: RegistryConfig{
			DialTimeout: Duration{5 * time.Second},
			LeaseTTL:    10,
			Weight:      1,
		},
		Log: LogConfig{Level: "info"},
		Metrics: MetricsConfig{
			Namespace: "duplex_rpc",
		},
	}
}

// Load reads path on top of Default and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.ChannelID == "" {
		errs = append(errs, errors.New("channel_id is required"))
	}
	switch c.Transport {
	case "tcp", "http", "ws":
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Address == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if _, err := codec.GetSerializer(c.Serializer); err != nil {
		errs = append(errs, err)
	}
	if _, err := loadbalance.New(c.Client.LoadBalancer); err != nil {
		errs = append(errs, err)
	}
	switch c.Registry.Type {
	case "", "memory":
	case "etcd":
		if len(c.Registry.Endpoints) == 0 {
			errs = append(errs, errors.New("registry.endpoints is required for etcd"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry type %q", c.Registry.Type))
	}
	if c.Client.Discovery && c.Registry.Type == "" {
		errs = append(errs, errors.New("client.discovery needs a registry"))
	}
	if c.Server.RateLimit < 0 || c.Server.MaxPollBytes < 0 {
		errs = append(errs, errors.New("server limits must not be negative"))
	}

	for name, d := range map[string]Duration{
		"client.call_timeout":       c.Client.CallTimeout,
		"client.dial_timeout":       c.Client.DialTimeout,
		"client.poll_interval":      c.Client.PollInterval,
		"client.heartbeat_interval": c.Client.HeartbeatInterval,
		"server.inactivity_timeout": c.Server.InactivityTimeout,
		"server.request_timeout":    c.Server.RequestTimeout,
		"server.shutdown_timeout":   c.Server.ShutdownTimeout,
		"registry.dial_timeout":     c.Registry.DialTimeout,
	} {
		if d.Duration < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NewLogger builds the zap logger described by c: JSON output in production, console output
// with stack traces on warnings in development.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
