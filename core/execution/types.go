package execution

import (
	"time"

	"conduit/core/command"
	"conduit/core/recorder"
	"conduit/core/stream"
)

// SpawnFailedStatus is the exit status of a stage whose program could not be
// started. It is indistinguishable from a program that exits with 127.
const SpawnFailedStatus = 127

// Options configures one Run call. The zero value runs the pipeline with no
// input, discarding both outputs, in the caller's environment.
type Options struct {
	Stdin  stream.Input
	Stdout stream.Output
	Stderr stream.Output

	// Env overrides variables for the spawned processes only.
	Env map[string]string
	// Unset removes variables from the spawned processes' environment.
	Unset []string
	// Chroot confines every stage to this root. Empty means no change.
	Chroot string
	// Dir is the working directory of every stage, relative to Chroot when
	// one is set. Empty inherits the caller's (or "/" under a chroot).
	Dir string

	// AllowedExitStatuses accepts non-zero terminal statuses as success.
	AllowedExitStatuses ExitStatusFunc

	// Recorder overrides Engine.Recorder for this call.
	Recorder recorder.Recorder
}

// ExecutionSpec is what a backend needs to start a pipeline. It is
// substrate-agnostic and fully resolved: Env is the complete environment.
type ExecutionSpec struct {
	ID       string
	Pipeline command.Pipeline
	Env      []string
	Chroot   string
	Dir      string
}

// Stage is one spawned process.
type Stage struct {
	Command command.Command
	PID     int
	// Status is valid once Reaped: the exit code, 128+signal for a signalled
	// process, or SpawnFailedStatus.
	Status   int
	Signaled bool
	Reaped   bool
	SpawnErr error

	CPUTime  time.Duration
	MaxRSSKB int64
}

// ExecutionHandle identifies a running pipeline in a backend. Stdin, Stdout
// and Stderr are the orchestrator-side pipe ends, -1 once released.
type ExecutionHandle struct {
	ID            string
	Stages        []*Stage
	Stdin         int
	Stdout        int
	Stderr        int
	BackendHandle any
}

// Terminal returns the last stage, whose status decides success.
func (h *ExecutionHandle) Terminal() *Stage {
	if h == nil || len(h.Stages) == 0 {
		return nil
	}
	return h.Stages[len(h.Stages)-1]
}

// ReleaseStreams forgets the pipe ends after the relay has closed them.
func (h *ExecutionHandle) ReleaseStreams() {
	h.Stdin, h.Stdout, h.Stderr = -1, -1, -1
}

// ExecutionResult is the outcome of one Run call.
type ExecutionResult struct {
	ID       string
	Commands command.Pipeline
	Stages   []Stage

	ExitStatus int
	Success    bool
	// AllowedExit is set when a non-zero status was accepted by
	// Options.AllowedExitStatuses.
	AllowedExit bool

	// Stdout and Stderr are nil unless the endpoint captured; a captured but
	// silent stream is an empty, non-nil slice.
	Stdout []byte
	Stderr []byte

	StdinBytes  int64
	StdoutBytes int64
	StderrBytes int64

	StartedAt   time.Time
	CompletedAt time.Time
}

func (r *ExecutionResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// PIDs lists the process ids of every stage that was actually spawned.
func (r *ExecutionResult) PIDs() []int {
	out := make([]int, 0, len(r.Stages))
	for _, s := range r.Stages {
		if s.PID > 0 {
			out = append(out, s.PID)
		}
	}
	return out
}
