// Package runner wraps the engine with the per-invocation extras the CLI
// offers: log and metrics recorders, receipts and exec tracing.
package runner

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"conduit/audit"
	"conduit/config"
	"conduit/core/command"
	"conduit/core/execution"
	"conduit/core/recorder"
	"conduit/recorder/logrec"
	"conduit/recorder/metrics"
)

type RunResult struct {
	Result  *execution.ExecutionResult
	Receipt audit.Receipt
	// ExitCode is what a CLI should exit with: 0 on success, the terminal
	// status of a failed pipeline, 2 for invalid input and 1 otherwise.
	ExitCode int
}

type RunOptions struct {
	Engine execution.Engine
	Exec   execution.Options

	// Log receives stream lines and lifecycle events; nil disables it.
	Log logrus.FieldLogger
	// Metrics, when set, gets a recorder for this invocation.
	Metrics *metrics.Metrics
	// Tracer, when set, contributes the execs of the pipeline's processes
	// to the receipt.
	Tracer *audit.Tracer
}

// Run executes p and always returns a receipt, even when the pipeline never
// started.
func Run(ctx context.Context, p command.Pipeline, opts RunOptions) (RunResult, error) {
	receipts := audit.NewReceiptRecorder()
	recorders := []recorder.Recorder{receipts, opts.Exec.Recorder}
	if opts.Log != nil {
		recorders = append(recorders, logrec.New(opts.Log))
	}
	if opts.Metrics != nil {
		recorders = append(recorders, opts.Metrics.Recorder())
	}
	exec := opts.Exec
	exec.Recorder = recorder.Multi(recorders...)

	res, err := opts.Engine.Run(ctx, p, exec)

	var processes []audit.ProcessEntry
	if opts.Tracer != nil && res != nil {
		processes = opts.Tracer.Processes(res.PIDs())
	}
	info := execution.BackendInfo{Isolation: "none"}
	if opts.Engine.Backend != nil {
		info = execution.Describe(opts.Engine.Backend, execution.ExecutionSpec{
			Chroot: exec.Chroot,
			Dir:    exec.Dir,
		})
	}
	receipt := receipts.Receipt(res, info, processes)
	if res == nil {
		receipt.Commands = commandsOf(p)
		receipt.Pipeline = p.String()
	}
	return RunResult{Result: res, Receipt: receipt, ExitCode: ExitCode(err)}, err
}

// ExitCode maps an error from Engine.Run to a process exit code.
func ExitCode(err error) int {
	var exitErr *execution.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		if exitErr.ExitStatus > 0 && exitErr.ExitStatus < 256 {
			return exitErr.ExitStatus
		}
		return 1
	case errors.Is(err, execution.ErrInvalidPipeline), errors.Is(err, execution.ErrInvalidOptions):
		return 2
	}
	return 1
}

// StartTracer loads the exec tracer when cfg enables it. Tracing is best
// effort: failures are logged and nil is returned.
func StartTracer(ctx context.Context, cfg config.Trace, log logrus.FieldLogger) *audit.Tracer {
	if !cfg.Enabled {
		return nil
	}
	collector, err := audit.NewCollector(audit.Config{BPFObjectDir: cfg.BPFObjectDir})
	if err != nil {
		log.WithError(err).Warn("exec tracing unavailable")
		return nil
	}
	tracer := audit.NewTracer(collector, log)
	if err := tracer.Start(ctx); err != nil {
		log.WithError(err).Warn("exec tracing unavailable")
		_ = collector.Close()
		return nil
	}
	return tracer
}

func commandsOf(p command.Pipeline) [][]string {
	out := make([][]string, 0, len(p))
	for _, cmd := range p {
		out = append(out, append([]string(nil), cmd...))
	}
	return out
}
