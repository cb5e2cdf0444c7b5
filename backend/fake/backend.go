package fake

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"conduit/backend"
	"conduit/core/execution"
)

// Script stands in for a program. It runs in its own goroutine on real pipes,
// so the relay and outcome logic see exactly what a process would produce.
// ctx is cancelled when the backend is asked to kill the pipeline.
type Script func(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int

// Backend is a configurable fake backend useful for contract tests. Programs
// without a script fail to spawn, like a missing binary would.
type Backend struct {
	StartErr   error
	WaitErr    error
	CleanupErr error

	mu      sync.Mutex
	scripts map[string]Script
	specs   []execution.ExecutionSpec
	kills   int
}

func New() *Backend {
	return &Backend{scripts: map[string]Script{}}
}

// Handle registers the script run for program.
func (b *Backend) Handle(program string, s Script) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[program] = s
	return b
}

// Specs returns every spec Start was called with.
func (b *Backend) Specs() []execution.ExecutionSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]execution.ExecutionSpec(nil), b.specs...)
}

// Kills counts Kill calls.
func (b *Backend) Kills() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kills
}

func (b *Backend) Name() string { return "fake" }

func (b *Backend) Prepare(ctx context.Context) error {
	return ctx.Err()
}

type run struct {
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func (b *Backend) Start(spec execution.ExecutionSpec) (*execution.ExecutionHandle, error) {
	b.mu.Lock()
	b.specs = append(b.specs, spec)
	b.mu.Unlock()
	if b.StartErr != nil {
		return nil, b.StartErr
	}

	plumbing, err := backend.NewPlumbing(len(spec.Pipeline))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel}
	stages := make([]*execution.Stage, len(spec.Pipeline))
	for i, cmd := range spec.Pipeline {
		stage := &execution.Stage{Command: cmd, PID: -1}
		stages[i] = stage

		b.mu.Lock()
		script, ok := b.scripts[cmd.Program()]
		b.mu.Unlock()
		if !ok {
			stage.Status = execution.SpawnFailedStatus
			stage.Reaped = true
			stage.SpawnErr = fmt.Errorf("exec %s: no such script", cmd.Program())
			plumbing.Spawned(i)
			continue
		}

		files, err := dupFiles(plumbing.StageFDs(i))
		if err != nil {
			cancel()
			r.wg.Wait()
			plumbing.Close()
			return nil, err
		}
		plumbing.Spawned(i)

		r.wg.Add(1)
		go func(args []string) {
			defer r.wg.Done()
			status := script(ctx, args, files[0], files[1], files[2])
			for _, f := range files {
				_ = f.Close()
			}
			stage.Status = status
		}(append([]string(nil), cmd...))
	}

	stdin, stdout, stderr := plumbing.Finish()
	return &execution.ExecutionHandle{
		ID:            spec.ID,
		Stages:        stages,
		Stdin:         stdin,
		Stdout:        stdout,
		Stderr:        stderr,
		BackendHandle: r,
	}, nil
}

// dupFiles gives the script its own copies so that closing them never
// touches descriptors the plumbing still owns.
func dupFiles(fds [3]int) ([3]*os.File, error) {
	var files [3]*os.File
	names := [3]string{"stdin", "stdout", "stderr"}
	for i, fd := range fds {
		dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			for _, f := range files[:i] {
				_ = f.Close()
			}
			return files, fmt.Errorf("dup %s: %w", names[i], err)
		}
		files[i] = os.NewFile(uintptr(dup), names[i])
	}
	return files, nil
}

func (b *Backend) Wait(h *execution.ExecutionHandle) error {
	if r, ok := h.BackendHandle.(*run); ok {
		r.wg.Wait()
	}
	for _, s := range h.Stages {
		s.Reaped = true
	}
	return b.WaitErr
}

func (b *Backend) Kill(h *execution.ExecutionHandle) error {
	b.mu.Lock()
	b.kills++
	b.mu.Unlock()
	if r, ok := h.BackendHandle.(*run); ok {
		r.cancel()
	}
	return nil
}

func (b *Backend) Cleanup(h *execution.ExecutionHandle) error {
	if r, ok := h.BackendHandle.(*run); ok {
		r.cancel()
	}
	backend.CloseFD(&h.Stdin)
	backend.CloseFD(&h.Stdout)
	backend.CloseFD(&h.Stderr)
	return b.CleanupErr
}

func (b *Backend) Metadata(spec execution.ExecutionSpec) execution.BackendInfo {
	_ = spec
	return execution.BackendInfo{Backend: b.Name(), Isolation: "goroutine"}
}

var _ execution.ExecutionBackend = (*Backend)(nil)
var _ execution.MetadataProvider = (*Backend)(nil)
