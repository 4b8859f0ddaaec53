package protocol

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/turtacn/Procwarden/pkg/consts"
	"github.com/turtacn/Procwarden/pkg/errors"
)

// Config represents the root of a procwarden job file.
type Config struct {
	Version       string              `yaml:"version"`
	Job           JobConfig           `yaml:"job"`
	Detached      []DetachedConfig    `yaml:"detached"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// JobConfig lists the stages run together as one job.
type JobConfig struct {
	Name        string        `yaml:"name"`
	Timeout     string        `yaml:"timeout"`      // whole job; empty means no limit
	GracePeriod string        `yaml:"grace_period"` // SIGTERM to SIGKILL delay when draining
	Stages      []StageConfig `yaml:"stages"`
}

// StageConfig describes one child process of the job.
type StageConfig struct {
	Name       string         `yaml:"name"`
	Command    []string       `yaml:"command"`
	Env        []string       `yaml:"env"` // NAME=value; replaces the inherited environment
	Dir        string         `yaml:"dir"`
	Channels   string         `yaml:"channels"` // separate, merged or forwarded
	Stdin      string         `yaml:"stdin"`
	Stdout     RedirectConfig `yaml:"stdout"`
	Stderr     RedirectConfig `yaml:"stderr"`
	NewSession bool           `yaml:"new_session"`
	PipeToNext bool           `yaml:"pipe_to_next"` // stdout feeds the next stage's stdin
}

// RedirectConfig sends a stream to a file instead of a pipe.
type RedirectConfig struct {
	File   string `yaml:"file"`
	Append bool   `yaml:"append"`
}

// DetachedConfig is a program launched so that it outlives the job.
type DetachedConfig struct {
	Command []string `yaml:"command"`
	Dir     string   `yaml:"dir"`
	Env     []string `yaml:"env"`
}

// ObservabilityConfig holds the logging and metrics settings.
type ObservabilityConfig struct {
	MetricsPort string `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
}

// Load reads, decodes and validates a job file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "Load", "cannot read config", err)
	}
	return Parse(data)
}

// Parse decodes and validates a job definition.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "Parse", "cannot decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func invalid(format string, args ...interface{}) error {
	return errors.New(errors.ErrCodeConfigInvalid, "Validate", fmt.Sprintf(format, args...), nil)
}

// Validate checks the job for settings that cannot be launched.
func (c *Config) Validate() error {
	if len(c.Job.Stages) == 0 && len(c.Detached) == 0 {
		return invalid("job has no stages and no detached programs")
	}
	if _, err := parseDuration(c.Job.Timeout); err != nil {
		return invalid("bad job timeout %q", c.Job.Timeout)
	}
	if _, err := parseDuration(c.Job.GracePeriod); err != nil {
		return invalid("bad grace period %q", c.Job.GracePeriod)
	}

	for i, s := range c.Job.Stages {
		name := s.DisplayName(i)
		if len(s.Command) == 0 {
			return invalid("stage %s has no command", name)
		}
		switch consts.ChannelMode(s.Channels) {
		case "", consts.ModeSeparate, consts.ModeMerged, consts.ModeForwarded:
		default:
			return invalid("stage %s has unknown channel mode %q", name, s.Channels)
		}
		if s.PipeToNext {
			if i == len(c.Job.Stages)-1 {
				return invalid("stage %s pipes to a stage that does not exist", name)
			}
			if s.Stdout.File != "" || s.ChannelMode() == consts.ModeForwarded {
				return invalid("stage %s cannot both pipe and redirect stdout", name)
			}
			if c.Job.Stages[i+1].Stdin != "" {
				return invalid("stage %s reads stdin from a file and a pipe", c.Job.Stages[i+1].DisplayName(i+1))
			}
		}
	}

	for i, d := range c.Detached {
		if len(d.Command) == 0 {
			return invalid("detached entry %d has no command", i)
		}
	}
	return nil
}

// JobTimeout returns the job deadline, or 0 for none.
func (c *Config) JobTimeout() time.Duration {
	d, _ := parseDuration(c.Job.Timeout)
	return d
}

// GracePeriod returns the configured grace period or the default.
func (c *Config) GracePeriod() time.Duration {
	d, _ := parseDuration(c.Job.GracePeriod)
	if d <= 0 {
		return consts.DefaultGracePeriod
	}
	return d
}

// ChannelMode maps the channels field to a mode; empty means separate.
func (s StageConfig) ChannelMode() consts.ChannelMode {
	if s.Channels == "" {
		return consts.ModeSeparate
	}
	return consts.ChannelMode(s.Channels)
}

// DisplayName is the stage name, or a positional one when unnamed.
func (s StageConfig) DisplayName(index int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("#%d", index)
}

func parseDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	return time.ParseDuration(v)
}

// Personal.AI order the ending
