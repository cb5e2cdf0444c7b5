package process

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"conduit/backend"
	"conduit/core/execution"
)

type Options struct {
	// KeepInheritedFDs skips marking the orchestrator's inherited
	// descriptors close-on-exec before spawning.
	KeepInheritedFDs bool
}

// Backend spawns every stage as an OS process with fork/exec. It keeps no
// per-run state of its own, so one Backend serves concurrent runs.
type Backend struct {
	opts Options
}

func New(opts Options) *Backend {
	return &Backend{opts: opts}
}

func (b *Backend) Name() string { return "process" }

func (b *Backend) Prepare(ctx context.Context) error {
	return ctx.Err()
}

// pipeline guards the stages of one handle so Kill never signals a pid
// that Wait has already released.
type pipeline struct {
	mu sync.Mutex
}

// Start spawns the stages in order. Pipes are created up front; after each
// spawn the parent closes the ends that only that stage needed.
func (b *Backend) Start(spec execution.ExecutionSpec) (*execution.ExecutionHandle, error) {
	if len(spec.Pipeline) == 0 {
		return nil, fmt.Errorf("no command provided")
	}
	if !b.opts.KeepInheritedFDs {
		markInheritedCloseOnExec()
	}

	plumbing, err := backend.NewPlumbing(len(spec.Pipeline))
	if err != nil {
		return nil, err
	}
	stages := make([]*execution.Stage, len(spec.Pipeline))
	for i, cmd := range spec.Pipeline {
		stages[i] = spawn(cmd, plumbing.StageFDs(i), spec)
		plumbing.Spawned(i)
	}
	stdin, stdout, stderr := plumbing.Finish()

	return &execution.ExecutionHandle{
		ID:            spec.ID,
		Stages:        stages,
		Stdin:         stdin,
		Stdout:        stdout,
		Stderr:        stderr,
		BackendHandle: &pipeline{},
	}, nil
}

func (b *Backend) Wait(h *execution.ExecutionHandle) error {
	p, err := pipelineOf(h)
	if err != nil {
		return err
	}
	var errs []string
	for _, stage := range h.Stages {
		if err := p.reap(stage); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (p *pipeline) reap(stage *execution.Stage) error {
	for {
		p.mu.Lock()
		if stage.Reaped || stage.PID <= 0 {
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		if err := waitExited(stage.PID); err != nil {
			return errors.Wrapf(err, "wait pid %d", stage.PID)
		}

		p.mu.Lock()
		var (
			status unix.WaitStatus
			usage  unix.Rusage
		)
		pid, err := unix.Wait4(stage.PID, &status, unix.WNOHANG, &usage)
		switch {
		case err == unix.EINTR || (err == nil && pid == 0):
			p.mu.Unlock()
			continue
		case err != nil:
			stage.Reaped = true
			stage.Status = 1
			p.mu.Unlock()
			return errors.Wrapf(err, "reap pid %d", stage.PID)
		}
		stage.Status, stage.Signaled = exitStatus(status)
		stage.CPUTime = time.Duration(usage.Utime.Nano() + usage.Stime.Nano())
		stage.MaxRSSKB = int64(usage.Maxrss)
		stage.Reaped = true
		p.mu.Unlock()
		return nil
	}
}

// Kill sends SIGKILL to every stage that has not been reaped yet.
func (b *Backend) Kill(h *execution.ExecutionHandle) error {
	p, err := pipelineOf(h)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []string
	for _, stage := range h.Stages {
		if stage.Reaped || stage.PID <= 0 {
			continue
		}
		if err := unix.Kill(stage.PID, unix.SIGKILL); err != nil && err != unix.ESRCH {
			errs = append(errs, fmt.Sprintf("kill pid %d: %v", stage.PID, err))
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (b *Backend) Cleanup(h *execution.ExecutionHandle) error {
	backend.CloseFD(&h.Stdin)
	backend.CloseFD(&h.Stdout)
	backend.CloseFD(&h.Stderr)
	return nil
}

func (b *Backend) Metadata(spec execution.ExecutionSpec) execution.BackendInfo {
	isolation := "none"
	if spec.Chroot != "" {
		isolation = "chroot"
	}
	return execution.BackendInfo{
		Backend:   b.Name(),
		Isolation: isolation,
	}
}

func pipelineOf(h *execution.ExecutionHandle) (*pipeline, error) {
	if h == nil {
		return nil, fmt.Errorf("backend not started")
	}
	p, ok := h.BackendHandle.(*pipeline)
	if !ok {
		return nil, fmt.Errorf("handle %s was not started by the process backend", h.ID)
	}
	return p, nil
}

// exitStatus maps a wait status to an exit code; signalled processes report
// 128+signal like a shell would.
func exitStatus(status unix.WaitStatus) (int, bool) {
	if status.Exited() {
		return status.ExitStatus(), false
	}
	if status.Signaled() {
		return 128 + int(status.Signal()), true
	}
	return 1, false
}

var _ execution.ExecutionBackend = (*Backend)(nil)
var _ execution.MetadataProvider = (*Backend)(nil)
