// Package config loads the swarmtest configuration from a YAML file with
// per-key environment variable overrides, replacing the teacher's implicit
// global settings with a single immutable value constructed once at
// startup and threaded through every component.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	yaml "go.yaml.in/yaml/v2"
)

// Config holds every setting recognized by the master, slave, autoscaler
// and client binaries, mirroring the groups named in spec.md §6.
type Config struct {
	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
	} `yaml:"postgres"`

	Isolate struct {
		Home     string `yaml:"home"`
		Server   string `yaml:"server"`
		CacheDir string `yaml:"cache_dir"`
	} `yaml:"isolate"`

	Master struct {
		URL              string            `yaml:"url"`
		ListenAddr       string            `yaml:"listen_addr"`
		Accounts         map[string]string `yaml:"accounts"`
		AllowedIPRanges  []string          `yaml:"allowed_ip_ranges"`
		SubmitRateLimit  int               `yaml:"submit_rate_limit"`
		SubmitRateBurst  int               `yaml:"submit_rate_burst"`
	} `yaml:"master"`

	Blob struct {
		Dir string `yaml:"dir"`
	} `yaml:"blob"`

	JobIDPath string `yaml:"job_id_path"`
}

// envOverrides maps each dotted config key to the environment variable
// that overrides it, following the teacher's per-key override convention
// (spec.md §6).
var envOverrides = map[string]string{
	"redis.addr":          "SWARM_REDIS_ADDR",
	"postgres.host":       "SWARM_PG_HOST",
	"postgres.port":       "SWARM_PG_PORT",
	"postgres.user":       "SWARM_PG_USER",
	"postgres.password":   "SWARM_PG_PASSWORD",
	"postgres.database":   "SWARM_PG_DATABASE",
	"isolate.home":        "SWARM_ISOLATE_HOME",
	"isolate.server":      "SWARM_ISOLATE_SERVER",
	"isolate.cache_dir":   "SWARM_ISOLATE_CACHE_DIR",
	"master.url":          "SWARM_MASTER_URL",
	"master.listen_addr":  "SWARM_MASTER_LISTEN_ADDR",
	"blob.dir":            "SWARM_BLOB_DIR",
	"job_id_path":         "SWARM_JOB_ID_PATH",
}

// Load reads the configuration from path (or $SWARM_CONFIG, or
// ~/.swarmtest.yaml), applying environment overrides afterwards.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SWARM_CONFIG")
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, ".swarmtest.yaml")
		}
	}

	cfg := &Config{}
	cfg.setDefaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if cfg.JobIDPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.JobIDPath = filepath.Join(home, ".swarmtest-last-job")
		}
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	c.Postgres.Port = 5432
	c.Master.ListenAddr = ":8081"
	c.Master.SubmitRateLimit = 10
	c.Master.SubmitRateBurst = 20
	c.Master.AllowedIPRanges = []string{"127.0.0.1/32"}
	c.Blob.Dir = "/tmp/swarmtest-blobs"
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(envOverrides["redis.addr"]); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv(envOverrides["postgres.host"]); v != "" {
		c.Postgres.Host = v
	}
	if v := os.Getenv(envOverrides["postgres.port"]); v != "" {
		fmt.Sscanf(v, "%d", &c.Postgres.Port)
	}
	if v := os.Getenv(envOverrides["postgres.user"]); v != "" {
		c.Postgres.User = v
	}
	if v := os.Getenv(envOverrides["postgres.password"]); v != "" {
		c.Postgres.Password = v
	}
	if v := os.Getenv(envOverrides["postgres.database"]); v != "" {
		c.Postgres.Database = v
	}
	if v := os.Getenv(envOverrides["isolate.home"]); v != "" {
		c.Isolate.Home = v
	}
	if v := os.Getenv(envOverrides["isolate.server"]); v != "" {
		c.Isolate.Server = v
	}
	if v := os.Getenv(envOverrides["isolate.cache_dir"]); v != "" {
		c.Isolate.CacheDir = v
	}
	if v := os.Getenv(envOverrides["master.url"]); v != "" {
		c.Master.URL = v
	}
	if v := os.Getenv(envOverrides["master.listen_addr"]); v != "" {
		c.Master.ListenAddr = v
	}
	if v := os.Getenv(envOverrides["blob.dir"]); v != "" {
		c.Blob.Dir = v
	}
	if v := os.Getenv(envOverrides["job_id_path"]); v != "" {
		c.JobIDPath = v
	}
}

// RequireMaster returns an error naming any missing setting required for
// the master to start, matching spec.md §7's "Config errors" taxonomy
// (fatal at startup with a human-readable message).
func (c *Config) RequireMaster() error {
	var missing []string
	if c.Redis.Addr == "" {
		missing = append(missing, "redis.addr")
	}
	if c.Postgres.Host == "" {
		missing = append(missing, "postgres.host")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required settings: %v", missing)
	}
	return nil
}

// RequireSlave returns an error naming any missing setting required for a
// slave to start.
func (c *Config) RequireSlave() error {
	var missing []string
	if c.Redis.Addr == "" {
		missing = append(missing, "redis.addr")
	}
	if c.Postgres.Host == "" {
		missing = append(missing, "postgres.host")
	}
	if c.Isolate.Home == "" {
		missing = append(missing, "isolate.home")
	}
	if c.Isolate.Server == "" {
		missing = append(missing, "isolate.server")
	}
	if c.Isolate.CacheDir == "" {
		missing = append(missing, "isolate.cache_dir")
	}
	if c.Master.URL == "" {
		missing = append(missing, "master.url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required settings: %v", missing)
	}
	return nil
}

// DSN builds a Postgres connection string from the configured fields.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User, c.Postgres.Password, c.Postgres.Host, c.Postgres.Port, c.Postgres.Database)
}
