package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"conduit/core/execution"
)

// Config holds the defaults applied to every invocation started by the CLI.
// Per-call settings override it; nothing here is global state.
type Config struct {
	// Backend names the execution backend ("process" or "fake").
	Backend string `yaml:"backend"`
	// Chroot confines every stage to this root directory.
	Chroot string `yaml:"chroot"`
	// Dir is the working directory of every stage.
	Dir string `yaml:"dir"`
	// Env sets variables for the spawned processes only.
	Env map[string]string `yaml:"env"`
	// Unset removes variables from the spawned processes' environment.
	Unset []string `yaml:"unset"`
	// AllowedExitStatuses lists non-zero statuses accepted as success, each
	// either "N" or an inclusive range "N-M".
	AllowedExitStatuses []string `yaml:"allowed_exit_statuses"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Concurrency limits how many batch jobs run at once.
	Concurrency int `yaml:"concurrency"`

	Trace Trace `yaml:"trace"`
	// ReceiptPath, when set, receives a JSON receipt per invocation.
	ReceiptPath string `yaml:"receipt_path"`
}

// Trace configures eBPF exec tracing.
type Trace struct {
	Enabled      bool   `yaml:"enabled"`
	BPFObjectDir string `yaml:"bpf_object_dir"`
}

// Defaults returns a configuration that runs pipelines unconfined in the
// caller's environment.
func Defaults() Config {
	return Config{
		Backend:     "process",
		LogLevel:    "warning",
		LogFormat:   "text",
		Concurrency: 1,
	}
}

// Load reads a YAML file on top of Defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping fields the document does not set.
// Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate ensures the config is usable.
func (c Config) Validate() error {
	if c.Backend == "" {
		return fmt.Errorf("backend required")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if _, err := ParseExitStatuses(c.AllowedExitStatuses); err != nil {
		return err
	}
	if _, err := execution.MergeEnv(nil, c.Env, c.Unset); err != nil {
		return err
	}
	if c.Trace.Enabled && c.Backend != "process" {
		return fmt.Errorf("exec tracing requires the process backend")
	}
	return nil
}

// Options turns the configuration into per-call defaults for the engine.
func (c Config) Options() (execution.Options, error) {
	allowed, err := ParseExitStatuses(c.AllowedExitStatuses)
	if err != nil {
		return execution.Options{}, err
	}
	env := make(map[string]string, len(c.Env))
	for k, v := range c.Env {
		env[k] = v
	}
	return execution.Options{
		Env:                 env,
		Unset:               append([]string(nil), c.Unset...),
		Chroot:              c.Chroot,
		Dir:                 c.Dir,
		AllowedExitStatuses: allowed,
	}, nil
}

// ParseExitStatuses builds a predicate from "N" and "N-M" entries. An empty
// list yields nil, which accepts nothing beyond status 0.
func ParseExitStatuses(specs []string) (execution.ExitStatusFunc, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	var (
		single []int
		fns    []execution.ExitStatusFunc
	)
	for _, spec := range specs {
		lo, hi, isRange := strings.Cut(strings.TrimSpace(spec), "-")
		from, err := parseStatus(lo)
		if err != nil {
			return nil, errors.Wrapf(err, "allowed exit status %q", spec)
		}
		if !isRange {
			single = append(single, from)
			continue
		}
		to, err := parseStatus(hi)
		if err != nil {
			return nil, errors.Wrapf(err, "allowed exit status %q", spec)
		}
		if to < from {
			return nil, fmt.Errorf("allowed exit status %q: empty range", spec)
		}
		fns = append(fns, execution.AllowRange(from, to))
	}
	if len(single) > 0 {
		fns = append(fns, execution.AllowStatuses(single...))
	}
	return execution.AllowAny(fns...), nil
}

func parseStatus(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.New("not a number")
	}
	if n < 0 || n > 255 {
		return 0, fmt.Errorf("status %d out of range 0-255", n)
	}
	return n, nil
}

// ConfigureLogger applies the level and format to l.
func (c Config) ConfigureLogger(l *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return errors.Wrap(err, "log_level")
	}
	l.SetLevel(level)
	switch c.LogFormat {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	}
	return nil
}
