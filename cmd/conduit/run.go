package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"conduit/audit"
	"conduit/core/command"
	"conduit/core/stream"
	"conduit/recorder/metrics"
	"conduit/runner"
)

type runFlags struct {
	separator string
	stdinFile string
	stdinData string
	hasData   bool
	stdout    string
	stderr    string
}

func (a *app) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [flags] -- PROGRAM [ARG...] [| PROGRAM [ARG...]]...",
		Short: "Run a program or a pipeline",
		Long: `Run a program, or a pipeline of programs split at every argument equal to
the separator ("|" by default; quote it so your shell passes it through).
Only the last program's exit status decides success.`,
		Example: `  conduit run -- ls -l /etc '|' grep conf '|' wc -l
  conduit run --stdin notes.txt --stdout capture -- sort -u`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.hasData = cmd.Flags().Changed("stdin-data")
			return a.run(cmd.Context(), args, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.separator, "separator", "|", "argument that separates pipeline stages")
	fl.StringVar(&f.stdinFile, "stdin", "", `file to feed to the first stage ("-" for this process's stdin)`)
	fl.StringVar(&f.stdinData, "stdin-data", "", "literal data to feed to the first stage")
	fl.StringVar(&f.stdout, "stdout", "stream", "stdout handling: stream, capture or discard")
	fl.StringVar(&f.stderr, "stderr", "stream", "stderr handling: stream, capture or discard")
	return cmd
}

func (a *app) run(ctx context.Context, args []string, f runFlags) error {
	p, err := command.Split(args, f.separator)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	engine, err := a.engine()
	if err != nil {
		return err
	}
	opts, err := a.options()
	if err != nil {
		return err
	}

	in, closeIn, err := a.input(f)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer closeIn()
	opts.Stdin = in
	if opts.Stdout, err = a.output(f.stdout, true); err != nil {
		return &exitError{code: 2, err: err}
	}
	if opts.Stderr, err = a.output(f.stderr, false); err != nil {
		return &exitError{code: 2, err: err}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer := runner.StartTracer(ctx, a.cfg.Trace, a.log)
	if tracer != nil {
		defer tracer.Close()
	}
	out, runErr := runner.Run(ctx, p, runner.RunOptions{
		Engine:  engine,
		Exec:    opts,
		Log:     a.log.WithField("component", "recorder"),
		Metrics: a.metrics,
		Tracer:  tracer,
	})
	if out.Result != nil {
		// Captured output is printed once the pipeline is done.
		_, _ = a.stdout.Write(out.Result.Stdout)
		_, _ = a.stderr.Write(out.Result.Stderr)
	}
	if a.cfg.ReceiptPath != "" {
		if err := audit.WriteFile(a.cfg.ReceiptPath, out.Receipt); err != nil {
			a.log.WithError(err).Error("write receipt")
		}
	}
	if err := a.writeMetrics(); err != nil {
		a.log.WithError(err).Error("write metrics")
	}
	if runErr != nil {
		return &exitError{code: out.ExitCode, err: runErr}
	}
	return nil
}

func (a *app) input(f runFlags) (stream.Input, func(), error) {
	noop := func() {}
	switch {
	case f.hasData && f.stdinFile != "":
		return stream.None(), noop, errors.New("--stdin and --stdin-data are mutually exclusive")
	case f.hasData:
		return stream.FromString(f.stdinData), noop, nil
	case f.stdinFile == "":
		return stream.None(), noop, nil
	case f.stdinFile == "-":
		return stream.FromReader(a.stdin), noop, nil
	}
	file, err := os.Open(f.stdinFile)
	if err != nil {
		return stream.None(), noop, errors.Wrap(err, "open stdin file")
	}
	return stream.FromReader(file), func() { _ = file.Close() }, nil
}

func (a *app) output(mode string, isStdout bool) (stream.Output, error) {
	w := a.stderr
	if isStdout {
		w = a.stdout
	}
	switch mode {
	case "stream":
		return stream.ToWriter(w), nil
	case "capture":
		return stream.Capture(), nil
	case "discard":
		return stream.Discard(), nil
	}
	return stream.Discard(), errors.Errorf("unknown output mode %q (want stream, capture or discard)", mode)
}

// writeMetrics dumps the metrics of this invocation if --metrics-out is set.
func (a *app) writeMetrics() error {
	if a.registry == nil {
		return nil
	}
	file, err := os.Create(a.flags.metricsOut)
	if err != nil {
		return errors.Wrap(err, "create metrics file")
	}
	if err := metrics.WriteText(file, a.registry); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrap(file.Close(), "close metrics file")
}
