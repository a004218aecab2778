// Package config handles wifi-exporter configuration loading.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/nugget/wifi-exporter/internal/secret"
)

// Defaults applied by [Load] before the file is decoded.
const (
	DefaultMQTTPort          = 1883
	DefaultExporterAddress   = "127.0.0.1"
	DefaultPollIntervalSec   = 5
	DefaultMaxFailures       = 5
	DefaultSSHUser           = "admin"
	DefaultSSHTimeoutSec     = 10
	DefaultCommandTimeoutSec = 10
	DefaultPublishTimeoutSec = 10
	DefaultMaxConnections    = 16
	DefaultMQTTClientID      = "wifi-exporter"
	DefaultDiscoveryPrefix   = "homeassistant"
	defaultSSHPort           = "22"
	configDirName            = "wifi-exporter"
	maxConfigSize            = 1 << 20
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ./config.toml, ~/.config/wifi-exporter/config.yaml,
// /etc/wifi-exporter/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml", "config.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", configDirName, "config.yaml"))
	}

	paths = append(paths, filepath.Join("/etc", configDirName, "config.yaml"))
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all wifi-exporter configuration.
type Config struct {
	SSH       SSHConfig      `yaml:"ssh" toml:"ssh"`
	MQTT      *MQTTConfig    `yaml:"mqtt" toml:"mqtt"`
	Exporter  ExporterConfig `yaml:"exporter" toml:"exporter"`
	LogLevel  string         `yaml:"log_level" toml:"log_level"`
	LogFormat string         `yaml:"log_format" toml:"log_format"` // text (default) or json
}

// SSHConfig describes how to reach the access point.
type SSHConfig struct {
	// Address is host or host:port; port 22 is assumed when missing.
	Address    string `yaml:"address" toml:"address"`
	User       string `yaml:"user" toml:"user"`
	KeyFile    string `yaml:"key_file" toml:"key_file"`
	PubkeyFile string `yaml:"pubkey_file" toml:"pubkey_file"`
	// KnownHostsFile enables host key verification. Empty accepts any
	// host key.
	KnownHostsFile string `yaml:"known_hosts_file" toml:"known_hosts_file"`
	TimeoutSec     int    `yaml:"timeout_sec" toml:"timeout_sec"`
	// CommandTimeoutSec bounds each assoclist query. A query that runs
	// out of time counts as a failed poll and forces a reconnect.
	CommandTimeoutSec int `yaml:"command_timeout_sec" toml:"command_timeout_sec"`
}

// HostPort returns Address with the default SSH port filled in.
func (c SSHConfig) HostPort() string {
	if _, _, err := net.SplitHostPort(c.Address); err == nil {
		return c.Address
	}
	return net.JoinHostPort(strings.Trim(c.Address, "[]"), defaultSSHPort)
}

// Key loads the private key from KeyFile.
func (c SSHConfig) Key() (string, error) {
	return secret.Load(c.KeyFile)
}

// Pubkey loads the authorized public key from PubkeyFile.
func (c SSHConfig) Pubkey() (string, error) {
	return secret.Load(c.PubkeyFile)
}

// MQTTConfig configures the optional Home Assistant MQTT integration.
// A nil *MQTTConfig means MQTT publishing is disabled.
type MQTTConfig struct {
	Hostname          string `yaml:"hostname" toml:"hostname"`
	Port              int    `yaml:"port" toml:"port"`
	TLS               bool   `yaml:"tls" toml:"tls"`
	Username          string `yaml:"username" toml:"username"`
	PasswordFile      string `yaml:"password_file" toml:"password_file"`
	ClientID          string `yaml:"client_id" toml:"client_id"`
	DiscoveryPrefix   string `yaml:"discovery_prefix" toml:"discovery_prefix"`
	PublishTimeoutSec int    `yaml:"publish_timeout_sec" toml:"publish_timeout_sec"`
}

// Configured reports whether enough MQTT settings are present to connect.
func (c *MQTTConfig) Configured() bool {
	return c != nil && c.Hostname != ""
}

// Password loads the broker password from PasswordFile. An empty
// PasswordFile means anonymous or username-only authentication.
func (c *MQTTConfig) Password() (string, error) {
	if c.PasswordFile == "" {
		return "", nil
	}
	return secret.Load(c.PasswordFile)
}

// BrokerURL returns the broker URL in the form autopaho expects.
func (c *MQTTConfig) BrokerURL() string {
	scheme := "mqtt"
	if c.TLS {
		scheme = "mqtts"
	}
	return scheme + "://" + net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
}

// ExporterConfig configures polling and the metrics listener.
type ExporterConfig struct {
	Address string `yaml:"address" toml:"address"`
	Port    int    `yaml:"port" toml:"port"`
	// Interfaces lists wireless interfaces to query. Empty queries the
	// access point's default interface.
	Interfaces      []string `yaml:"interfaces" toml:"interfaces"`
	PollIntervalSec int      `yaml:"poll_interval_sec" toml:"poll_interval_sec"`
	MaxFailures     int      `yaml:"max_failures" toml:"max_failures"`
	MaxConnections  int      `yaml:"max_connections" toml:"max_connections"`
}

// ListenAddr returns the host:port the metrics server binds to.
func (c ExporterConfig) ListenAddr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// Load reads configuration from a YAML or TOML file. Files ending in
// .toml are decoded as TOML; everything else as YAML. Environment
// variable references (${VAR}) are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) > maxConfigSize {
		return nil, fmt.Errorf("config file too large (%d bytes)", len(data))
	}

	expanded := []byte(os.ExpandEnv(string(data)))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(expanded, cfg)
	} else {
		err = yaml.Unmarshal(expanded, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every optional field at its
// default value.
func Default() *Config {
	return &Config{
		SSH: SSHConfig{
			User:              DefaultSSHUser,
			TimeoutSec:        DefaultSSHTimeoutSec,
			CommandTimeoutSec: DefaultCommandTimeoutSec,
		},
		Exporter: ExporterConfig{
			Address:         DefaultExporterAddress,
			PollIntervalSec: DefaultPollIntervalSec,
			MaxFailures:     DefaultMaxFailures,
			MaxConnections:  DefaultMaxConnections,
		},
	}
}

// applyDefaults fills fields a config file may have zeroed out
// explicitly, and the MQTT section which only exists when present.
func (c *Config) applyDefaults() {
	if c.SSH.User == "" {
		c.SSH.User = DefaultSSHUser
	}
	if c.SSH.TimeoutSec <= 0 {
		c.SSH.TimeoutSec = DefaultSSHTimeoutSec
	}
	if c.SSH.CommandTimeoutSec <= 0 {
		c.SSH.CommandTimeoutSec = DefaultCommandTimeoutSec
	}
	if c.Exporter.Address == "" {
		c.Exporter.Address = DefaultExporterAddress
	}
	if c.Exporter.PollIntervalSec <= 0 {
		c.Exporter.PollIntervalSec = DefaultPollIntervalSec
	}
	if c.Exporter.MaxFailures <= 0 {
		c.Exporter.MaxFailures = DefaultMaxFailures
	}
	if c.Exporter.MaxConnections <= 0 {
		c.Exporter.MaxConnections = DefaultMaxConnections
	}
	if m := c.MQTT; m != nil {
		if m.Port == 0 {
			m.Port = DefaultMQTTPort
		}
		if m.ClientID == "" {
			m.ClientID = DefaultMQTTClientID
		}
		if m.DiscoveryPrefix == "" {
			m.DiscoveryPrefix = DefaultDiscoveryPrefix
		}
		if m.PublishTimeoutSec <= 0 {
			m.PublishTimeoutSec = DefaultPublishTimeoutSec
		}
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.SSH.Address == "" {
		errs = append(errs, errors.New("ssh.address is required"))
	}
	if c.SSH.KeyFile == "" {
		errs = append(errs, errors.New("ssh.key_file is required"))
	}
	if c.SSH.PubkeyFile == "" {
		errs = append(errs, errors.New("ssh.pubkey_file is required"))
	}

	if c.Exporter.Port <= 0 || c.Exporter.Port > 65535 {
		errs = append(errs, fmt.Errorf("exporter.port %d out of range", c.Exporter.Port))
	}
	if net.ParseIP(c.Exporter.Address) == nil {
		errs = append(errs, fmt.Errorf("exporter.address %q is not an IP address", c.Exporter.Address))
	}
	for i, iface := range c.Exporter.Interfaces {
		if strings.TrimSpace(iface) == "" || strings.ContainsAny(iface, " \t;&|`$") {
			errs = append(errs, fmt.Errorf("exporter.interfaces[%d] %q is not a valid interface name", i, iface))
		}
	}

	if c.MQTT != nil {
		if c.MQTT.Hostname == "" {
			errs = append(errs, errors.New("mqtt.hostname is required when mqtt is configured"))
		}
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			errs = append(errs, fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port))
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}
