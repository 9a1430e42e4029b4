package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"p2pnode/internal/logger"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "P2PNODE"

type Config struct {
	Node    NodeConfig    `yaml:"node"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logger  LoggerConfig  `yaml:"logger"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// Environment keys are derived from field names, e.g.
// P2PNODE_NODE_LISTEN_ADDRS or P2PNODE_LOGGER_LEVEL. Leaves carry no
// envconfig tag so unprefixed variables such as PATH are never consulted.
type NodeConfig struct {
	ListenAddrs      []string      `yaml:"listen_addrs" split_words:"true"`
	Bootstrap        []string      `yaml:"bootstrap"`
	BootstrapTimeout time.Duration `yaml:"bootstrap_timeout" split_words:"true"`
	IdentityKeyFile  string        `yaml:"identity_key_file" split_words:"true"`
	MDNS             bool          `yaml:"mdns"`
	Rendezvous       string        `yaml:"rendezvous"`
	CommandBuffer    int           `yaml:"command_buffer" split_words:"true"`
	ConnLow          int           `yaml:"conn_low" split_words:"true"`
	ConnHigh         int           `yaml:"conn_high" split_words:"true"`
	ConnGracePeriod  time.Duration `yaml:"conn_grace_period" split_words:"true"`
}

type HTTPConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

type LoggerConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json or console
	OutputPath string `yaml:"output_path" split_words:"true"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when neither file nor environment
// sets a value.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ListenAddrs:      []string{"/ip4/127.0.0.1/tcp/0"},
			BootstrapTimeout: 10 * time.Second,
			Rendezvous:       "p2pnode",
			CommandBuffer:    64,
			ConnLow:          32,
			ConnHigh:         128,
			ConnGracePeriod:  30 * time.Second,
		},
		HTTP: HTTPConfig{
			Enabled:         true,
			Addr:            "127.0.0.1:5001",
			ShutdownTimeout: 5 * time.Second,
		},
		Logger: LoggerConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at
// configPath when given, then environment variables.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	if _, err := c.Node.ListenMultiaddrs(); err != nil {
		return err
	}
	if _, err := c.Node.BootstrapMultiaddrs(); err != nil {
		return err
	}
	if c.Node.CommandBuffer < 0 {
		return fmt.Errorf("command buffer must not be negative: %d", c.Node.CommandBuffer)
	}
	if c.Node.ConnLow < 0 || c.Node.ConnHigh < c.Node.ConnLow {
		return fmt.Errorf("invalid connection watermarks: low %d, high %d", c.Node.ConnLow, c.Node.ConnHigh)
	}
	if c.Node.BootstrapTimeout <= 0 {
		return fmt.Errorf("bootstrap timeout must be positive: %s", c.Node.BootstrapTimeout)
	}
	if c.Node.MDNS && c.Node.Rendezvous == "" {
		return fmt.Errorf("rendezvous is required when mdns is enabled")
	}

	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return fmt.Errorf("http addr is required when http is enabled")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("http shutdown timeout must be positive: %s", c.HTTP.ShutdownTimeout)
	}

	if _, err := zapcore.ParseLevel(c.Logger.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Logger.Level, err)
	}
	if c.Logger.Format != "json" && c.Logger.Format != "console" {
		return fmt.Errorf("invalid log format %q", c.Logger.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /: %q", c.Metrics.Path)
	}
	return nil
}

func (c LoggerConfig) Options() logger.Config {
	return logger.Config{
		Level:      c.Level,
		Format:     c.Format,
		OutputPath: c.OutputPath,
	}
}

func (c NodeConfig) ListenMultiaddrs() ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, 0, len(c.ListenAddrs))
	for _, s := range c.ListenAddrs {
		addr, err := ma.NewMultiaddr(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %w", s, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// BootstrapMultiaddrs parses the bootstrap peers; each must carry /p2p/<id>.
func (c NodeConfig) BootstrapMultiaddrs() ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, 0, len(c.Bootstrap))
	for _, s := range c.Bootstrap {
		addr, err := ma.NewMultiaddr(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap address %q: %w", s, err)
		}
		if _, err := peer.AddrInfoFromP2pAddr(addr); err != nil {
			return nil, fmt.Errorf("bootstrap address %q has no peer id: %w", s, err)
		}
		out = append(out, addr)
	}
	return out, nil
}
