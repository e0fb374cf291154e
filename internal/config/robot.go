package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RobotConfig is the on-disk configuration of one robot agent. Zero values
// mean "use the agent default"; command-line flags override file values.
type RobotConfig struct {
	RobotID     int64  `yaml:"robot_id"`
	Name        string `yaml:"name,omitempty"`
	BusURL      string `yaml:"bus_url,omitempty"`
	TopicPrefix string `yaml:"topic_prefix,omitempty"`
	Mode        string `yaml:"mode,omitempty"`

	Hardware struct {
		Addr string `yaml:"addr,omitempty"`
		Baud int    `yaml:"baud,omitempty"`
	} `yaml:"hardware,omitempty"`

	Perception struct {
		Addr    string        `yaml:"addr,omitempty"`
		Timeout time.Duration `yaml:"timeout,omitempty"`
	} `yaml:"perception,omitempty"`

	Tick    time.Duration `yaml:"tick,omitempty"`
	Dwell   time.Duration `yaml:"dwell,omitempty"`
	Backoff time.Duration `yaml:"backoff,omitempty"`

	Position struct {
		X int `yaml:"x"`
		Y int `yaml:"y"`
	} `yaml:"position,omitempty"`
}

// RobotConfigPath is where the config for robotID lives under home.
func RobotConfigPath(home string, robotID int64) string {
	return filepath.Join(home, "robots", strconv.FormatInt(robotID, 10)+".yaml")
}

// LoadRobotConfig reads path. Returns nil config and nil error if the file is missing.
func LoadRobotConfig(path string) (*RobotConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cfg RobotConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveRobotConfig writes cfg to path, creating parent directories.
func SaveRobotConfig(path string, cfg *RobotConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
