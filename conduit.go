// Package conduit runs external programs and pipelines without a shell.
//
// The helpers here use the process backend with the caller's environment;
// build an execution.Engine directly for anything else.
package conduit

import (
	"context"

	"conduit/backend/process"
	"conduit/core/command"
	"conduit/core/execution"
	"conduit/core/stream"
)

var defaultEngine = execution.Engine{Backend: process.New(process.Options{})}

// Run executes the pipeline formed by cmds with opts and returns the terminal
// exit status. The status is useful when opts.AllowedExitStatuses accepted a
// non-zero value.
func Run(ctx context.Context, opts execution.Options, cmds ...command.Command) (int, error) {
	res, err := defaultEngine.Run(ctx, command.New(cmds...), opts)
	if res == nil {
		return -1, err
	}
	return res.ExitStatus, err
}

// Output runs the pipeline and returns its captured stdout. Any stdout
// endpoint in opts is replaced.
func Output(ctx context.Context, opts execution.Options, cmds ...command.Command) ([]byte, error) {
	opts.Stdout = stream.Capture()
	res, err := defaultEngine.Run(ctx, command.New(cmds...), opts)
	if res == nil {
		return nil, err
	}
	return res.Stdout, err
}

// Outputs runs the pipeline and returns captured stdout and stderr.
func Outputs(ctx context.Context, opts execution.Options, cmds ...command.Command) (stdout, stderr []byte, err error) {
	opts.Stdout = stream.Capture()
	opts.Stderr = stream.Capture()
	res, err := defaultEngine.Run(ctx, command.New(cmds...), opts)
	if res == nil {
		return nil, nil, err
	}
	return res.Stdout, res.Stderr, err
}
