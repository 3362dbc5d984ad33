// Package config loads the judge worker's single flat config file and
// applies the product defaults, mirroring the write-defaults-and-exit
// contract the service binaries use when the file is absent.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/FouGuai/fuzoj-judge-worker/pkg/utils/logger"
)

const (
	defaultDockerImage                   = "fuzoj/judge-sandbox:latest"
	defaultLoggingLevel                  = "info"
	defaultPrefetchCount                 = 2
	defaultMaxTasksSametime              = 4
	defaultMaxRemoteTaskSametime         = 2
	defaultLuoguQuotaReportMinIntervalMs = 60_000
)

// Config is the judge worker's top-level configuration, loaded from one
// YAML file in the process's working directory.
type Config struct {
	BrokerURL   string `yaml:"broker_url"`
	DataDir     string `yaml:"data_dir"`
	WebAPIURL   string `yaml:"web_api_url"`
	JudgerUUID  string `yaml:"judger_uuid"`
	DockerImage string `yaml:"docker_image"`

	LoggingLevel string `yaml:"logging_level"`

	PrefetchCount         int `yaml:"prefetch_count"`
	MaxTasksSametime      int `yaml:"max_tasks_sametime"`
	MaxRemoteTaskSametime int `yaml:"max_remote_task_sametime"`

	// LuoguQuotaReportMinIntervalMs throttles remote-judge quota reporting.
	LuoguQuotaReportMinIntervalMs int64 `yaml:"luogu_quota_report_min_interval"`
}

// SetDefaults fills zero-valued fields with the product defaults.
func (c *Config) SetDefaults() {
	if c.DockerImage == "" {
		c.DockerImage = defaultDockerImage
	}
	if c.LoggingLevel == "" {
		c.LoggingLevel = defaultLoggingLevel
	}
	if c.PrefetchCount < 2 {
		c.PrefetchCount = defaultPrefetchCount
	}
	if c.MaxTasksSametime <= 0 {
		c.MaxTasksSametime = defaultMaxTasksSametime
	}
	if c.MaxRemoteTaskSametime <= 0 {
		c.MaxRemoteTaskSametime = defaultMaxRemoteTaskSametime
	}
	if c.LuoguQuotaReportMinIntervalMs <= 0 {
		c.LuoguQuotaReportMinIntervalMs = defaultLuoguQuotaReportMinIntervalMs
	}
}

// LoggerConfig adapts the flat config into the shared logger's Config.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.LoggingLevel,
		Format:     "json",
		OutputPath: "stdout",
		ErrorPath:  "stderr",
		Service:    "judge-worker",
	}
}

// QuotaReportInterval is LuoguQuotaReportMinIntervalMs as a time.Duration.
func (c *Config) QuotaReportInterval() time.Duration {
	return time.Duration(c.LuoguQuotaReportMinIntervalMs) * time.Millisecond
}

// defaultConfig is written out when the config file is missing, so a fresh
// deployment has a starting point to edit rather than a cryptic failure.
func defaultConfig() Config {
	cfg := Config{
		BrokerURL:  "localhost:9092",
		DataDir:    "./data",
		WebAPIURL:  "http://localhost:8080",
		JudgerUUID: "",
	}
	cfg.SetDefaults()
	return cfg
}

// Load reads path and applies defaults. If path does not exist, Load writes
// a default config there and returns an error, per the product's contract
// that a missing config is a fatal, non-retryable startup condition.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if writeErr := writeDefault(path); writeErr != nil {
				return nil, fmt.Errorf("config missing and default write failed: %w", writeErr)
			}
			return nil, fmt.Errorf("config file %s did not exist; wrote defaults, edit and restart", path)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.SetDefaults()

	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("broker_url is required")
	}
	if cfg.WebAPIURL == "" {
		return nil, fmt.Errorf("web_api_url is required")
	}
	if cfg.JudgerUUID == "" {
		return nil, fmt.Errorf("judger_uuid is required")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required")
	}

	return &cfg, nil
}

func writeDefault(path string) error {
	cfg := defaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
