package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cloudwebrtc/go-sip-uag/pkg/utils"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type SIP struct {
	// UUID is the instance id advertised in +sip.instance. Required for
	// the gruu and outbound extensions.
	UUID     string `yaml:"uuid"`
	AutoUUID bool   `yaml:"auto_uuid"`
	// Local restricts transports to one address, "host:port" or ":port".
	Local     string `yaml:"local"`
	Cert      string `yaml:"cert"`
	Key       string `yaml:"key"`
	UserAgent string `yaml:"user_agent"`
	// Dns is an address of the DNS server to use in SRV lookup.
	Dns string `yaml:"dns"`
}

type Transports struct {
	UDP        bool `yaml:"udp"`
	TCP        bool `yaml:"tcp"`
	TLS        bool `yaml:"tls"`
	PreferIPv6 bool `yaml:"prefer_ipv6"`
}

type Call struct {
	// MaxCalls caps the calls of one UA, 0 means unlimited.
	MaxCalls int `yaml:"max_calls"`
}

type Net struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Config is the configuration of the user agent process.
type Config struct {
	SIP         SIP        `yaml:"sip"`
	Transports  Transports `yaml:"transports"`
	Call        Call       `yaml:"call"`
	Net         Net        `yaml:"net"`
	Accounts    []string   `yaml:"accounts"`
	ExtraParams string     `yaml:"extra_params"`
	Contacts    []string   `yaml:"contacts"`
	Log         Log        `yaml:"log"`
	Metrics     Metrics    `yaml:"metrics"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		SIP: SIP{
			UserAgent: "Go SIP UAG/1.0.0",
		},
		Transports: Transports{
			UDP: true,
			TCP: true,
			TLS: false,
		},
		Call: Call{
			MaxCalls: 4,
		},
		Net: Net{
			PollInterval: 60 * time.Second,
		},
		Log: Log{
			Level: "info",
		},
		Metrics: Metrics{
			Listen: ":9090",
		},
	}
}

// Load reads the YAML file on top of the defaults and validates it.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.SIP.UUID == "" && cfg.SIP.AutoUUID {
		cfg.SIP.UUID = uuid.New().String()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration values are valid.
func (c *Config) Validate() error {
	if !c.Transports.UDP && !c.Transports.TCP && !c.Transports.TLS {
		return fmt.Errorf("no SIP transport enabled")
	}
	if c.SIP.UUID != "" {
		if _, err := uuid.Parse(c.SIP.UUID); err != nil {
			return fmt.Errorf("invalid sip.uuid %q: %w", c.SIP.UUID, err)
		}
	}
	if c.SIP.Local != "" {
		if _, _, err := utils.SplitHostPort(c.SIP.Local); err != nil {
			return fmt.Errorf("invalid sip.local %q: %w", c.SIP.Local, err)
		}
	}
	if (c.SIP.Cert == "") != (c.SIP.Key == "") {
		return fmt.Errorf("sip.cert and sip.key must be set together")
	}
	if c.Call.MaxCalls < 0 {
		return fmt.Errorf("invalid call.max_calls: %d", c.Call.MaxCalls)
	}
	if c.Net.PollInterval < 0 {
		return fmt.Errorf("invalid net.poll_interval: %v", c.Net.PollInterval)
	}
	if _, err := utils.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen cannot be empty when metrics are enabled")
	}
	return nil
}
