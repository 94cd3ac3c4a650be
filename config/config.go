package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported device-representation protocols
const (
	ProtocolHomie         = "homie"
	ProtocolHomeAssistant = "homeassistant"
)

type Config struct {
	MQTT     MQTTConfig     `json:"mqtt" yaml:"mqtt"`
	Hub      HubConfig      `json:"hub" yaml:"hub"`
	Source   SourceConfig   `json:"source" yaml:"source"`
	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	Presence PresenceConfig `json:"presence" yaml:"presence"`
	Logging  LogConfig      `json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type TLSConfig struct {
	Enable   bool   `json:"enable" yaml:"enable"`
	CertFile string `json:"certFile" yaml:"certFile"`
	KeyFile  string `json:"keyFile" yaml:"keyFile"`
	CAFile   string `json:"caFile" yaml:"caFile"`
}

type MQTTConfig struct {
	Broker               string        `json:"broker" yaml:"broker"`
	ClientID             string        `json:"clientId" yaml:"clientId"`
	Username             string        `json:"username" yaml:"username"`
	Password             string        `json:"password" yaml:"password"`
	TLS                  TLSConfig     `json:"tls" yaml:"tls"`
	KeepAlive            string        `json:"keepAlive" yaml:"keepAlive"`                       // Duration string
	PublishTimeout       string        `json:"publishTimeout" yaml:"publishTimeout"`             // Duration string
	MaxReconnectInterval string        `json:"maxReconnectInterval" yaml:"maxReconnectInterval"` // Duration string
	Breaker              BreakerConfig `json:"breaker" yaml:"breaker"`
}

// BreakerConfig controls the publish circuit breaker
type BreakerConfig struct {
	FailureThreshold int    `json:"failureThreshold" yaml:"failureThreshold"`
	ResetTimeout     string `json:"resetTimeout" yaml:"resetTimeout"` // Duration string
}

type HubConfig struct {
	ID              string   `json:"id" yaml:"id"`
	Protocol        string   `json:"protocol" yaml:"protocol"` // homie or homeassistant
	DisabledDevices []string `json:"disabledDevices" yaml:"disabledDevices"`
}

type SourceConfig struct {
	URLs          []string  `json:"urls" yaml:"urls"`
	SubjectPrefix string    `json:"subjectPrefix" yaml:"subjectPrefix"`
	CommandPrefix string    `json:"commandPrefix" yaml:"commandPrefix"`
	ClientID      string    `json:"clientId" yaml:"clientId"`
	Username      string    `json:"username" yaml:"username"`
	Password      string    `json:"password" yaml:"password"`
	TLS           TLSConfig `json:"tls" yaml:"tls"`
}

type QueueConfig struct {
	DefaultQoS      int    `json:"defaultQoS" yaml:"defaultQoS"`
	PublishInterval string `json:"publishInterval" yaml:"publishInterval"` // Duration string, empty = no throttle
}

// PresenceConfig describes the birth and last-will messages. Topic may
// reference ${hubId}.
type PresenceConfig struct {
	Topic   string `json:"topic" yaml:"topic"`
	Online  string `json:"online" yaml:"online"`
	Offline string `json:"offline" yaml:"offline"`
}

type LogConfig struct {
	Level      string         `json:"level" yaml:"level"`           // debug, info, warn, error
	OutputPath string         `json:"outputPath" yaml:"outputPath"` // "stdout", "stderr" or a file path
	Encoding   string         `json:"encoding" yaml:"encoding"`     // json or console
	Rotation   RotationConfig `json:"rotation" yaml:"rotation"`
}

// RotationConfig applies when OutputPath is a file
type RotationConfig struct {
	MaxSize    int  `json:"maxSize" yaml:"maxSize"` // megabytes
	MaxAge     int  `json:"maxAge" yaml:"maxAge"`   // days
	MaxBackups int  `json:"maxBackups" yaml:"maxBackups"`
	Compress   bool `json:"compress" yaml:"compress"`
}

type MetricsConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Address        string `json:"address" yaml:"address"`
	Path           string `json:"path" yaml:"path"`
	UpdateInterval string `json:"updateInterval" yaml:"updateInterval"` // Duration string
}

// Load reads and parses the configuration file. Files ending in .yaml or
// .yml are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	// MQTT
	if c.MQTT.KeepAlive == "" {
		c.MQTT.KeepAlive = "60s"
	}
	if c.MQTT.PublishTimeout == "" {
		c.MQTT.PublishTimeout = "5s"
	}
	if c.MQTT.MaxReconnectInterval == "" {
		c.MQTT.MaxReconnectInterval = "1m"
	}
	if c.MQTT.Breaker.FailureThreshold <= 0 {
		c.MQTT.Breaker.FailureThreshold = 5
	}
	if c.MQTT.Breaker.ResetTimeout == "" {
		c.MQTT.Breaker.ResetTimeout = "30s"
	}

	// Hub
	if c.Hub.ID == "" {
		c.Hub.ID = "hub"
	}
	if c.Hub.Protocol == "" {
		c.Hub.Protocol = ProtocolHomie
	}

	// Source
	if c.Source.SubjectPrefix == "" {
		c.Source.SubjectPrefix = "hub.events"
	}
	if c.Source.CommandPrefix == "" {
		c.Source.CommandPrefix = "hub.commands"
	}
	if c.Source.ClientID == "" {
		c.Source.ClientID = "mqtt-hub-bridge"
	}

	// Presence
	if c.Presence.Topic == "" {
		c.Presence.Topic = "hub/${hubId}/status"
	}
	if c.Presence.Online == "" {
		c.Presence.Online = "online"
	}
	if c.Presence.Offline == "" {
		c.Presence.Offline = "offline"
	}

	// Logging
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.OutputPath == "" {
		c.Logging.OutputPath = "stdout"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}

	// Metrics
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":2112"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.UpdateInterval == "" {
		c.Metrics.UpdateInterval = "15s"
	}
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	// Validate MQTT config
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker address is required")
	}
	if cfg.MQTT.TLS.Enable {
		if err := validateTLS(cfg.MQTT.TLS); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	for name, value := range map[string]string{
		"mqtt keepAlive":            cfg.MQTT.KeepAlive,
		"mqtt publishTimeout":       cfg.MQTT.PublishTimeout,
		"mqtt maxReconnectInterval": cfg.MQTT.MaxReconnectInterval,
		"mqtt breaker resetTimeout": cfg.MQTT.Breaker.ResetTimeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	// Validate hub config
	if err := validateProtocol(cfg.Hub.Protocol); err != nil {
		return err
	}

	// Validate source config
	if len(cfg.Source.URLs) == 0 {
		return fmt.Errorf("at least one source url is required")
	}
	if cfg.Source.TLS.Enable {
		if err := validateTLS(cfg.Source.TLS); err != nil {
			return fmt.Errorf("source: %w", err)
		}
	}

	// Validate queue config
	if cfg.Queue.DefaultQoS < 0 || cfg.Queue.DefaultQoS > 2 {
		return fmt.Errorf("invalid default qos: %d", cfg.Queue.DefaultQoS)
	}
	if cfg.Queue.PublishInterval != "" {
		if d, err := time.ParseDuration(cfg.Queue.PublishInterval); err != nil || d < 0 {
			return fmt.Errorf("invalid queue publish interval: %q", cfg.Queue.PublishInterval)
		}
	}

	// Validate presence config
	if cfg.Presence.Online == cfg.Presence.Offline {
		return fmt.Errorf("presence online and offline payloads must differ")
	}

	// Validate logging config
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	switch cfg.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", cfg.Logging.Encoding)
	}

	// Validate metrics config
	if cfg.Metrics.Enabled {
		if _, err := time.ParseDuration(cfg.Metrics.UpdateInterval); err != nil {
			return fmt.Errorf("invalid metrics update interval: %w", err)
		}
	}

	return nil
}

func validateTLS(tls TLSConfig) error {
	if tls.CertFile == "" {
		return fmt.Errorf("tls cert file is required when tls is enabled")
	}
	if tls.KeyFile == "" {
		return fmt.Errorf("tls key file is required when tls is enabled")
	}
	if tls.CAFile == "" {
		return fmt.Errorf("tls ca file is required when tls is enabled")
	}
	return nil
}

func validateProtocol(protocol string) error {
	switch protocol {
	case ProtocolHomie, ProtocolHomeAssistant:
		return nil
	default:
		return fmt.Errorf("invalid hub protocol: %s", protocol)
	}
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(protocol, publishInterval, metricsAddr, metricsPath string, metricsInterval time.Duration) {
	if protocol != "" {
		c.Hub.Protocol = protocol
	}
	if publishInterval != "" {
		c.Queue.PublishInterval = publishInterval
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
	}
	if metricsPath != "" {
		c.Metrics.Path = metricsPath
	}
	if metricsInterval > 0 {
		c.Metrics.UpdateInterval = metricsInterval.String()
	}
}

// Validate re-runs validation, for use after ApplyOverrides
func (c *Config) Validate() error {
	return validateConfig(c)
}

// Duration parses a duration string that has already passed validation.
// An empty or malformed value yields zero.
func Duration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}
