package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can express it as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the agent's YAML configuration file, normally
// /etc/chap/agent.yaml.
type Config struct {
	ServerURL         string   `yaml:"server_url"`
	Token             string   `yaml:"token"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	ReconnectMin      Duration `yaml:"reconnect_min"`
	ReconnectMax      Duration `yaml:"reconnect_max"`
	DockerBin         string   `yaml:"docker_bin"`
}

// LoadConfig reads and validates the agent configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}
	cfg.applyDefaults()

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("agent config: server_url is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("agent config: token is required")
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = Duration(30 * time.Second)
	}
	if c.ReconnectMin == 0 {
		c.ReconnectMin = Duration(time.Second)
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = Duration(time.Minute)
	}
	if c.DockerBin == "" {
		c.DockerBin = "docker"
	}
}
