package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"conduit/config"
	"conduit/core/execution"
	"conduit/recorder/metrics"
	"conduit/registry"
)

// app is the state shared by every subcommand of one invocation.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configPath string
	cfg        config.Config
	flags      globalFlags
	log        *logrus.Logger
	backends   *registry.Registry
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
}

type globalFlags struct {
	backend    string
	logLevel   string
	logFormat  string
	chroot     string
	dir        string
	env        []string
	unset      []string
	allow      []string
	receipt    string
	trace      bool
	bpfDir     string
	metricsOut string
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	a := &app{
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		backends: registry.Default(),
	}
	root := &cobra.Command{
		Use:   "conduit",
		Short: "Run programs and pipelines without a shell",
		Long: `conduit runs external programs, optionally chained into a pipeline,
without passing anything through a shell. Every argument reaches the program
exactly as given.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "YAML configuration file")
	pf.StringVar(&a.flags.backend, "backend", "", "execution backend (process, fake)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "log level (debug, info, warning, error)")
	pf.StringVar(&a.flags.logFormat, "log-format", "", "log format (text, json)")
	pf.StringVar(&a.flags.chroot, "chroot", "", "confine every stage to this root directory")
	pf.StringVar(&a.flags.dir, "dir", "", "working directory of every stage")
	pf.StringArrayVar(&a.flags.env, "env", nil, "set KEY=VALUE in the programs' environment (repeatable)")
	pf.StringArrayVar(&a.flags.unset, "unset", nil, "remove KEY from the programs' environment (repeatable)")
	pf.StringArrayVar(&a.flags.allow, "allow-status", nil, "accept exit status N or range N-M as success (repeatable)")
	pf.StringVar(&a.flags.receipt, "receipt", "", "write a JSON receipt to this path")
	pf.BoolVar(&a.flags.trace, "trace-exec", false, "trace execs of the pipeline with eBPF (Linux, needs CAP_BPF)")
	pf.StringVar(&a.flags.bpfDir, "bpf-dir", "", "directory holding exec.o")
	pf.StringVar(&a.flags.metricsOut, "metrics-out", "", "write Prometheus metrics in text format to this path")

	root.AddCommand(a.runCmd(), a.batchCmd(), a.versionCmd())
	return root
}

// setup resolves the configuration: file first, then flags that were set.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	a.cfg = config.Defaults()
	if a.configPath != "" {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	flags := cmd.Flags()
	if flags.Changed("backend") {
		a.cfg.Backend = a.flags.backend
	}
	if flags.Changed("log-level") {
		a.cfg.LogLevel = a.flags.logLevel
	}
	if flags.Changed("log-format") {
		a.cfg.LogFormat = a.flags.logFormat
	}
	if flags.Changed("chroot") {
		a.cfg.Chroot = a.flags.chroot
	}
	if flags.Changed("dir") {
		a.cfg.Dir = a.flags.dir
	}
	if len(a.flags.env) > 0 {
		if a.cfg.Env == nil {
			a.cfg.Env = map[string]string{}
		}
		for _, kv := range a.flags.env {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return &exitError{code: 2, err: fmt.Errorf("--env %q: want KEY=VALUE", kv)}
			}
			a.cfg.Env[k] = v
		}
	}
	a.cfg.Unset = append(a.cfg.Unset, a.flags.unset...)
	a.cfg.AllowedExitStatuses = append(a.cfg.AllowedExitStatuses, a.flags.allow...)
	if flags.Changed("receipt") {
		a.cfg.ReceiptPath = a.flags.receipt
	}
	if flags.Changed("trace-exec") {
		a.cfg.Trace.Enabled = a.flags.trace
	}
	if flags.Changed("bpf-dir") {
		a.cfg.Trace.BPFObjectDir = a.flags.bpfDir
	}
	if err := a.cfg.Validate(); err != nil {
		return &exitError{code: 2, err: err}
	}

	a.log = logrus.New()
	a.log.SetOutput(a.stderr)
	if err := a.cfg.ConfigureLogger(a.log); err != nil {
		return err
	}
	if a.flags.metricsOut != "" {
		a.registry = prometheus.NewRegistry()
		m, err := metrics.New(a.registry)
		if err != nil {
			return err
		}
		a.metrics = m
	}
	return nil
}

func (a *app) engine() (execution.Engine, error) {
	b, err := a.backends.Get(a.cfg.Backend)
	if err != nil {
		return execution.Engine{}, &exitError{code: 2, err: err}
	}
	return execution.Engine{Backend: b, Logger: a.log}, nil
}

func (a *app) options() (execution.Options, error) {
	opts, err := a.cfg.Options()
	if err != nil {
		return opts, &exitError{code: 2, err: err}
	}
	return opts, nil
}
