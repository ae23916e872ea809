// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SolverConfig struct {
	CLIPath string        `yaml:"cli_path"` // ASTAP executable
	DataDir string        `yaml:"data_dir"` // star database directory
	Timeout time.Duration `yaml:"timeout"`  // hard wall-clock limit per solve
}

type JobsConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	Retention      time.Duration `yaml:"retention"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	TempDir        string        `yaml:"temp_dir"`
}

type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Redis  RedisConfig  `yaml:"redis"`
	Solver SolverConfig `yaml:"solver"`
	Jobs   JobsConfig   `yaml:"jobs"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the optional YAML file at path, applies environment
// overrides and defaults, and validates the result. The file may be absent;
// the environment alone is enough to run.
func LoadConfig(path string, dev bool) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(&cfg)

	// defaults
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 5000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "localhost:6379"
	}
	if cfg.Solver.CLIPath == "" {
		cfg.Solver.CLIPath = "/opt/astap/astap_cli"
	}
	if cfg.Solver.DataDir == "" {
		cfg.Solver.DataDir = "/opt/astap/data"
	}
	if cfg.Solver.Timeout <= 0 {
		cfg.Solver.Timeout = 5 * time.Minute
	}
	if cfg.Jobs.MaxConcurrent <= 0 {
		cfg.Jobs.MaxConcurrent = 2
	}
	if cfg.Jobs.Retention <= 0 {
		cfg.Jobs.Retention = 24 * time.Hour
	}
	if cfg.Jobs.MaxUploadBytes <= 0 {
		cfg.Jobs.MaxUploadBytes = 100 * 1024 * 1024
	}
	if cfg.Jobs.TempDir == "" {
		cfg.Jobs.TempDir = "/tmp/astap-jobs"
	}

	// Minimal validation
	if cfg.Jobs.MaxConcurrent > 64 {
		return nil, errors.New("jobs.max_concurrent is unreasonably large")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

// applyEnv maps the enumerated environment variables onto the config.
// Environment always wins over the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ASTAP_CLI"); v != "" {
		cfg.Solver.CLIPath = v
	}
	if v := os.Getenv("STAR_DATABASE"); v != "" {
		cfg.Solver.DataDir = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("TEMP_DIR"); v != "" {
		cfg.Jobs.TempDir = v
	}
	if n, ok := envInt("PORT"); ok {
		cfg.Server.Port = int(n)
	}
	if n, ok := envInt("MAX_FILE_SIZE"); ok {
		cfg.Jobs.MaxUploadBytes = n
	}
	if n, ok := envInt("MAX_CONCURRENT_JOBS"); ok {
		cfg.Jobs.MaxConcurrent = int(n)
	}
	if n, ok := envInt("JOB_EXPIRY_SECONDS"); ok {
		cfg.Jobs.Retention = time.Duration(n) * time.Second
	}
}

func envInt(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
