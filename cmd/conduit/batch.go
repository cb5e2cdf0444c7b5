package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"conduit/audit"
	"conduit/batch"
	"conduit/core/execution"
	"conduit/core/recorder"
	"conduit/pool"
)

func (a *app) batchCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "batch JOBFILE",
		Short: "Run the independent pipelines of a YAML job file concurrently",
		Long: `Run every job of a YAML job file. Jobs run concurrently, at most
"concurrency" at a time, and each job's stdout and stderr are captured.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.batch(cmd.Context(), args[0], outDir)
		},
	}
	cmd.Flags().StringVar(&outDir, "output-dir", "", "write <job>.stdout, <job>.stderr and <job>.receipt.json here")
	return cmd
}

func (a *app) batch(ctx context.Context, path, outDir string) error {
	file, err := batch.Load(path)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	engine, err := a.engine()
	if err != nil {
		return err
	}
	base, err := a.options()
	if err != nil {
		return err
	}
	concurrency := a.cfg.Concurrency
	if file.Concurrency > 0 {
		concurrency = file.Concurrency
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	receipts := make(map[string]*audit.ReceiptRecorder, len(file.Jobs))
	for _, job := range file.Jobs {
		receipts[job.Name] = audit.NewReceiptRecorder()
	}
	r := batch.Runner{
		Engine: engine,
		Pool:   pool.New(concurrency),
		Base:   base,
		Recorder: func(job batch.Job) recorder.Recorder {
			var rs []recorder.Recorder
			rs = append(rs, receipts[job.Name])
			if a.metrics != nil {
				rs = append(rs, a.metrics.Recorder())
			}
			return recorder.Multi(rs...)
		},
	}
	outcomes := r.Run(ctx, file.Jobs)

	failed := 0
	for _, o := range outcomes {
		status := "ok"
		if o.Err != nil {
			failed++
			status = o.Err.Error()
		}
		fmt.Fprintf(a.stdout, "%s\t%s\n", o.Job.Name, status)
		if outDir == "" {
			continue
		}
		receipt := receipts[o.Job.Name].Receipt(o.Result, execution.Describe(engine.Backend, execution.ExecutionSpec{Chroot: base.Chroot}), nil)
		if err := writeJobFiles(outDir, o, receipt); err != nil {
			a.log.WithError(err).WithField("job", o.Job.Name).Error("write job output")
			failed++
		}
	}
	if err := a.writeMetrics(); err != nil {
		a.log.WithError(err).Error("write metrics")
	}
	if failed > 0 {
		return &exitError{code: 1, err: errors.Errorf("%d of %d jobs failed", failed, len(outcomes))}
	}
	return nil
}

func writeJobFiles(dir string, o batch.Outcome, receipt audit.Receipt) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create output dir")
	}
	if o.Result != nil {
		if err := os.WriteFile(filepath.Join(dir, o.Job.Name+".stdout"), o.Result.Stdout, 0o644); err != nil {
			return errors.Wrap(err, "write stdout")
		}
		if err := os.WriteFile(filepath.Join(dir, o.Job.Name+".stderr"), o.Result.Stderr, 0o644); err != nil {
			return errors.Wrap(err, "write stderr")
		}
	}
	return audit.WriteFile(filepath.Join(dir, o.Job.Name+".receipt.json"), receipt)
}
