package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig is the engine.yaml file.
type EngineConfig struct {
	Version int `yaml:"version"`
	Service struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"service"`
	Network struct {
		APIPort int `yaml:"api_port"`
	} `yaml:"network"`
	MQTT struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"mqtt"`
	Recovery struct {
		// ShutdownGraceSeconds bounds how long the engine waits for the
		// HTTP server to drain on shutdown.
		ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
	} `yaml:"recovery"`
	Dev bool `yaml:"dev"`
}

// APIPort returns the configured API port, defaulting to 8080.
func (c *EngineConfig) APIPort() int {
	if c.Network.APIPort == 0 {
		return 8080
	}
	return c.Network.APIPort
}

// MQTTURL returns the broker URL, with the MQTT_URL environment variable
// taking precedence over the file.
func (c *EngineConfig) MQTTURL() string {
	if url := os.Getenv("MQTT_URL"); url != "" {
		return url
	}
	if c.MQTT.URL != "" {
		return c.MQTT.URL
	}
	return "tcp://localhost:1883"
}

// ShutdownGrace returns the shutdown drain timeout, defaulting to 10s.
func (c *EngineConfig) ShutdownGrace() time.Duration {
	if c.Recovery.ShutdownGraceSeconds == 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Recovery.ShutdownGraceSeconds) * time.Second
}

// ServiceID returns the service identifier used as the MQTT client id
// and metrics label.
func (c *EngineConfig) ServiceID() string {
	if c.Service.ID == "" {
		return "playmill"
	}
	return c.Service.ID
}

// Load reads and validates engine.yaml.
func Load(path string) (*EngineConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg EngineConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Version != 1 {
		return nil, fmt.Errorf("unsupported engine.yaml version: %d", cfg.Version)
	}

	return &cfg, nil
}
