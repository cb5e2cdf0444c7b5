package fake

import (
	"context"
	"io"
	"strings"
)

// Cat copies stdin to stdout.
func Cat(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if _, err := io.Copy(stdout, stdin); err != nil {
		return 1
	}
	return 0
}

// Emit ignores stdin, writes fixed output and exits with status.
func Emit(out, errOut string, status int) Script {
	return func(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
		_, _ = io.WriteString(stdout, out)
		_, _ = io.WriteString(stderr, errOut)
		return status
	}
}

// Exit exits with status without touching any stream.
func Exit(status int) Script {
	return Emit("", "", status)
}

// Block waits until the pipeline is killed, then exits like SIGKILL would.
func Block(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	<-ctx.Done()
	return 128 + 9
}

// Echo writes its arguments separated by spaces and a trailing newline.
func Echo(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if _, err := io.WriteString(stdout, strings.Join(args[1:], " ")+"\n"); err != nil {
		return 1
	}
	return 0
}

// Builtins returns a backend that knows cat, echo, true and false. It is
// enough to dry-run simple pipelines without spawning processes.
func Builtins() *Backend {
	return New().
		Handle("cat", Cat).
		Handle("echo", Echo).
		Handle("true", Exit(0)).
		Handle("false", Exit(1))
}
