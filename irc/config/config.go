// Package config loads the daemon configuration from YAML, TOML or JSON
// (chosen by file extension), applies environment overrides, and validates
// the result. The core treats it as a read-only collaborator.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v6"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Server struct {
		Name    string `yaml:"name" toml:"name" json:"name" env:"IRCD_SERVER_NAME" validate:"required,hostname"`
		Network string `yaml:"network" toml:"network" json:"network" env:"IRCD_NETWORK"`
		Desc    string `yaml:"desc" toml:"desc" json:"desc" env:"IRCD_SERVER_DESC"`
		Host    string `yaml:"host" toml:"host" json:"host" env:"IRCD_HOST"`
		Port    int    `yaml:"port" toml:"port" json:"port" env:"IRCD_PORT" validate:"gte=0,lte=65535"`
	} `yaml:"server" toml:"server" json:"server"`

	Engine struct {
		// Backend selects the socket engine: "", "epoll", "poll", "kqueue".
		Backend string `yaml:"backend" toml:"backend" json:"backend" env:"IRCD_ENGINE"`
	} `yaml:"engine" toml:"engine" json:"engine"`

	DNS struct {
		Server  string `yaml:"server" toml:"server" json:"server" env:"IRCD_DNS_SERVER" validate:"required,ip"`
		Port    int    `yaml:"port" toml:"port" json:"port" env:"IRCD_DNS_PORT" validate:"gte=0,lte=65535"`
		Timeout int64  `yaml:"timeout" toml:"timeout" json:"timeout" env:"IRCD_DNS_TIMEOUT" validate:"gte=0,lte=300"`
	} `yaml:"dns" toml:"dns" json:"dns"`

	Web struct {
		Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled" env:"IRCD_WEB_ENABLED"`
		Host    string `yaml:"host" toml:"host" json:"host" env:"IRCD_WEB_HOST"`
		Port    int    `yaml:"port" toml:"port" json:"port" env:"IRCD_WEB_PORT" validate:"gte=0,lte=65535"`
	} `yaml:"web" toml:"web" json:"web"`

	// Operators hold bcrypt password hashes, never plain text.
	Operators []Operator `yaml:"operators" toml:"operators" json:"operators" validate:"dive"`

	// OperModes are user modes applied automatically on a successful OPER.
	OperModes string `yaml:"oper_modes" toml:"oper_modes" json:"oper_modes" env:"IRCD_OPER_MODES"`

	// Modules enumerates feature modules and their opaque settings.
	Modules []ModuleBlock `yaml:"modules" toml:"modules" json:"modules"`

	// Source remembers where the configuration came from, for REHASH.
	Source string `yaml:"-" toml:"-" json:"-"`
}

// Operator is one OPER credential block.
type Operator struct {
	Name         string `yaml:"name" toml:"name" json:"name" validate:"required"`
	PasswordHash string `yaml:"password_hash" toml:"password_hash" json:"password_hash" validate:"required"`
}

// ModuleBlock is one module's enable flag plus free-form settings.
type ModuleBlock struct {
	Name    string         `yaml:"name" toml:"name" json:"name" validate:"required"`
	Enabled bool           `yaml:"enabled" toml:"enabled" json:"enabled"`
	Config  map[string]any `yaml:"config" toml:"config" json:"config"`
}

// Defaults returns a runnable configuration for a local server.
func Defaults() *Config {
	cfg := &Config{}
	cfg.Server.Name = "irc.hexwell.local"
	cfg.Server.Network = "HexNet"
	cfg.Server.Desc = "hexwell ircd"
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 6667
	cfg.DNS.Server = "127.0.0.1"
	cfg.DNS.Timeout = 5
	cfg.Web.Host = "127.0.0.1"
	cfg.Web.Port = 8067
	return cfg
}

// Load reads the file at source, layers environment overrides on top, and
// validates. An empty source uses defaults plus environment only.
func Load(source string) (*Config, error) {
	cfg := Defaults()
	cfg.Source = source

	if source != "" {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", source, err)
		}
		if err := unmarshal(source, data, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment overrides: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// Reload re-reads the original source. The old configuration is untouched on
// failure.
func (c *Config) Reload() (*Config, error) {
	return Load(c.Source)
}

func unmarshal(source string, data []byte, cfg *Config) error {
	var err error
	switch {
	case strings.HasSuffix(source, ".toml"):
		err = toml.Unmarshal(data, cfg)
	case strings.HasSuffix(source, ".json"):
		err = json.Unmarshal(data, cfg)
	default:
		// YAML is the default format, matching the sample configs.
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("config: parsing %s: %w", source, err)
	}
	return nil
}

// Module returns the named module block.
func (c *Config) Module(name string) (ModuleBlock, bool) {
	for _, block := range c.Modules {
		if block.Name == name {
			return block, true
		}
	}
	return ModuleBlock{}, false
}

// ListenAddress renders host:port for the client listener.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// WebListenAddress renders host:port for the operator portal.
func (c *Config) WebListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Web.Host, c.Web.Port)
}
