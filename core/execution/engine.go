package execution

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"conduit/core/command"
	"conduit/core/recorder"
	"conduit/core/relay"
)

var (
	// ErrInvalidPipeline wraps every validation failure of the pipeline.
	ErrInvalidPipeline = errors.New("invalid pipeline")
	// ErrInvalidOptions wraps every validation failure of Options.
	ErrInvalidOptions = errors.New("invalid options")
)

// Engine spawns a pipeline through its backend, relays its I/O and turns the
// terminal stage's status into a result. An Engine holds no per-call state and
// may be used from several goroutines as long as calls do not share
// endpoints.
type Engine struct {
	Backend ExecutionBackend
	// Recorder receives lifecycle events when Options.Recorder is nil.
	Recorder recorder.Recorder
	Logger   logrus.FieldLogger
	// Environ supplies the base environment; os.Environ when nil.
	Environ func() []string
}

// Run executes p and blocks until every stage has been reaped. A non-zero
// terminal status that is not allowed yields an *ExitError together with the
// result; an I/O breakdown yields a *relay.Error. Cancelling ctx kills the
// pipeline.
func (e Engine) Run(ctx context.Context, p command.Pipeline, opts Options) (*ExecutionResult, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPipeline, err)
	}
	if e.Backend == nil {
		return nil, errors.New("backend required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env, err := MergeEnv(e.environ(), opts.Env, opts.Unset)
	if err != nil {
		return nil, err
	}

	spec := ExecutionSpec{
		ID:       uuid.NewString(),
		Pipeline: p.Clone(),
		Env:      env,
		Chroot:   opts.Chroot,
		Dir:      opts.Dir,
	}
	log := e.logger().WithFields(logrus.Fields{
		"run":     spec.ID,
		"backend": e.Backend.Name(),
	})
	rec := opts.Recorder
	if rec == nil {
		rec = e.Recorder
	}
	if rec == nil {
		rec = recorder.Nop{}
	}

	if err := e.Backend.Prepare(ctx); err != nil {
		return nil, errors.Wrap(err, "prepare backend")
	}

	res := &ExecutionResult{
		ID:        spec.ID,
		Commands:  spec.Pipeline,
		StartedAt: time.Now(),
	}
	h, err := e.Backend.Start(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "start %s", spec.Pipeline)
	}
	rec.RecordCommands(spec.Pipeline)
	for i, stage := range h.Stages {
		if stage.SpawnErr != nil {
			log.WithError(stage.SpawnErr).WithFields(logrus.Fields{
				"stage":   i,
				"program": stage.Command.Program(),
			}).Warn("could not spawn stage")
		}
	}
	log.WithField("pipeline", spec.Pipeline.String()).Debug("pipeline started")

	stop := context.AfterFunc(ctx, func() {
		if err := e.Backend.Kill(h); err != nil {
			log.WithError(err).Warn("kill pipeline")
		}
	})

	stdout, stderr := opts.Stdout.Open(), opts.Stderr.Open()
	var input *countingReader
	streams := relay.Streams{
		Stdin:      h.Stdin,
		Stdout:     h.Stdout,
		Stderr:     h.Stderr,
		StdoutSink: stdout,
		StderrSink: stderr,
		Recorder:   rec,
	}
	if src := opts.Stdin.Source(); src != nil {
		input = &countingReader{r: src}
		streams.Input = input
	}
	relayErr := relay.Run(ctx, streams)
	h.ReleaseStreams()
	if relayErr != nil {
		log.WithError(relayErr).Warn("relay aborted, killing pipeline")
		if err := e.Backend.Kill(h); err != nil {
			log.WithError(err).Warn("kill pipeline")
		}
	}

	waitErr := e.Backend.Wait(h)
	interrupted := !stop()
	if err := e.Backend.Cleanup(h); err != nil {
		log.WithError(err).Warn("cleanup pipeline")
	}

	res.CompletedAt = time.Now()
	res.Stages = make([]Stage, len(h.Stages))
	for i, s := range h.Stages {
		res.Stages[i] = *s
	}
	if t := h.Terminal(); t != nil {
		res.ExitStatus = t.Status
	}
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	res.StdoutBytes = stdout.Len()
	res.StderrBytes = stderr.Len()
	if input != nil {
		res.StdinBytes = input.n
	}
	rec.RecordStatus(res.ExitStatus)

	log = log.WithFields(logrus.Fields{
		"status":   res.ExitStatus,
		"duration": res.Duration(),
	})
	switch {
	case relayErr != nil:
		return res, relayErr
	case waitErr != nil:
		return res, errors.Wrap(waitErr, "reap pipeline")
	case interrupted && ctx.Err() != nil:
		return res, errors.Wrap(ctx.Err(), "pipeline interrupted")
	}

	if err := classify(res, opts.AllowedExitStatuses, opts.Stderr.Kind()); err != nil {
		log.Debug("pipeline failed")
		return res, err
	}
	log.Debug("pipeline finished")
	return res, nil
}

func (e Engine) logger() logrus.FieldLogger {
	if e.Logger != nil {
		return e.Logger
	}
	return logrus.StandardLogger()
}

func (e Engine) environ() []string {
	if e.Environ != nil {
		return e.Environ()
	}
	return os.Environ()
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
