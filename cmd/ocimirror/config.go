package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// SyncStep names one source/target pair to mirror, optionally on a cron
// schedule (or a plain interval, turned into an "@every" schedule).
type SyncStep struct {
	Source   string        `yaml:"source"`
	Target   string        `yaml:"target"`
	Schedule string        `yaml:"schedule"`
	Interval time.Duration `yaml:"interval"`
}

// Defaults holds settings shared by every SyncStep. Each field can also
// be set via an OCIMIRROR_* environment variable (e.g. OCIMIRROR_PARALLEL),
// which overrides the file value.
type Defaults struct {
	Parallel       int  `yaml:"parallel"`
	PlainHTTP      bool `yaml:"plainHTTP"`
	SkipDockerConf bool `yaml:"skipDockerConf"`
	HTTP2          bool `yaml:"http2"`
}

// Config is the on-disk sync-list document: a set of defaults plus a
// list of source/target/schedule steps, with no templating or backup
// fields.
type Config struct {
	Defaults Defaults   `yaml:"defaults"`
	Sync     []SyncStep `yaml:"sync"`
}

// envOverrides binds the Defaults fields to OCIMIRROR_* environment
// variables through viper, so a deployment can override parallelism or
// transport choice without editing the sync-list file on disk.
var envOverrides = viper.NewWithOptions(viper.EnvKeyReplacer(strings.NewReplacer("-", "_")))

func init() {
	envOverrides.SetEnvPrefix("ocimirror")
	envOverrides.AutomaticEnv()
	for _, key := range []string{"parallel", "plainhttp", "skipdockerconf", "http2"} {
		_ = envOverrides.BindEnv(key)
	}
}

// loadConfig reads and parses path ("-" for stdin) as YAML, then applies
// any OCIMIRROR_* environment overrides on top of the file's defaults.
func loadConfig(path string) (*Config, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening config %q: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	var cfg Config
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	applyEnvOverrides(&cfg.Defaults)
	if cfg.Defaults.Parallel <= 0 {
		cfg.Defaults.Parallel = 1
	}
	return &cfg, nil
}

func applyEnvOverrides(d *Defaults) {
	if envOverrides.IsSet("parallel") {
		d.Parallel = envOverrides.GetInt("parallel")
	}
	if envOverrides.IsSet("plainhttp") {
		d.PlainHTTP = envOverrides.GetBool("plainhttp")
	}
	if envOverrides.IsSet("skipdockerconf") {
		d.SkipDockerConf = envOverrides.GetBool("skipdockerconf")
	}
	if envOverrides.IsSet("http2") {
		d.HTTP2 = envOverrides.GetBool("http2")
	}
}
