package process_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"conduit/backend/process"
	"conduit/core/command"
	"conduit/core/execution"
	"conduit/core/stream"
)

func requireCommand(t *testing.T, path string) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("requires linux")
	}
	if _, err := os.Stat(path); err != nil {
		t.Skipf("missing %s", path)
	}
}

func newEngine() execution.Engine {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return execution.Engine{
		Backend: process.New(process.Options{}),
		Logger:  logger,
	}
}

func run(t *testing.T, p command.Pipeline, opts execution.Options) (*execution.ExecutionResult, error) {
	t.Helper()
	type outcome struct {
		res *execution.ExecutionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := newEngine().Run(context.Background(), p, opts)
		done <- outcome{res, err}
	}()
	select {
	case o := <-done:
		return o.res, o.err
	case <-time.After(60 * time.Second):
		t.Fatalf("%s did not finish", p)
		return nil, nil
	}
}

func TestProcessBackendExitCodes(t *testing.T) {
	requireCommand(t, "/bin/true")
	requireCommand(t, "/bin/false")

	cases := []struct {
		name     string
		cmd      command.Command
		wantCode int
	}{
		{name: "true", cmd: command.Command{"/bin/true"}, wantCode: 0},
		{name: "false", cmd: command.Command{"/bin/false"}, wantCode: 1},
		{name: "path lookup", cmd: command.Command{"true"}, wantCode: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := run(t, command.New(tc.cmd), execution.Options{})
			if tc.wantCode == 0 {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
			require.NotNil(t, res)
			assert.Equal(t, tc.wantCode, res.ExitStatus)
			for _, stage := range res.Stages {
				assert.True(t, stage.Reaped)
				assert.Greater(t, stage.PID, 0)
			}
		})
	}
}

func TestProcessBackendCapturesOutputOfAnySize(t *testing.T) {
	requireCommand(t, "/usr/bin/head")

	for _, size := range []int{0, 1, 4096, 65537, 3 << 20} {
		t.Run(strconv.Itoa(size), func(t *testing.T) {
			res, err := run(t, command.New(command.Command{"/usr/bin/head", "-c", strconv.Itoa(size), "/dev/zero"}), execution.Options{
				Stdout: stream.Capture(),
			})
			require.NoError(t, err)
			require.NotNil(t, res.Stdout)
			assert.Len(t, res.Stdout, size)
		})
	}
}

func TestProcessBackendPipelineRoundTrip(t *testing.T) {
	requireCommand(t, "/bin/cat")

	payload := make([]byte, 512<<10)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	cat := command.Command{"/bin/cat"}
	res, err := run(t, command.New(cat, cat, cat), execution.Options{
		Stdin:  stream.FromBytes(payload),
		Stdout: stream.Capture(),
	})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, res.Stdout), "payload changed in transit")
	assert.Len(t, res.Stages, 3)
}

func TestProcessBackendLargeStreamsAllAtOnce(t *testing.T) {
	requireCommand(t, "/bin/sh")
	requireCommand(t, "/usr/bin/tee")

	payload := bytes.Repeat([]byte("0123456789abcdef"), (1<<20)/16)
	res, err := run(t, command.New(command.Command{"/bin/sh", "-c", "/usr/bin/tee /dev/stderr"}), execution.Options{
		Stdin:  stream.FromBytes(payload),
		Stdout: stream.Capture(),
		Stderr: stream.Capture(),
	})
	require.NoError(t, err)
	assert.Equal(t, len(payload), len(res.Stdout))
	assert.Equal(t, len(payload), len(res.Stderr))
	assert.True(t, bytes.Equal(payload, res.Stdout))
	assert.EqualValues(t, len(payload), res.StdinBytes)
}

func TestProcessBackendUnknownProgram(t *testing.T) {
	for _, prog := range []string{"/nonexistent/program", "conduit-no-such-program"} {
		t.Run(prog, func(t *testing.T) {
			res, err := run(t, command.New(command.Command{prog, "arg"}), execution.Options{
				Stdout: stream.Capture(),
				Stderr: stream.Capture(),
			})
			var exitErr *execution.ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, 127, exitErr.ExitStatus)
			require.NotNil(t, res.Stdout)
			require.NotNil(t, res.Stderr)
			assert.Empty(t, res.Stdout)
			assert.Empty(t, res.Stderr)

			var spawnErr *process.SpawnError
			require.ErrorAs(t, res.Stages[0].SpawnErr, &spawnErr)
			assert.Equal(t, prog, spawnErr.Program)
		})
	}
}

func TestProcessBackendUnknownProgramMidPipeline(t *testing.T) {
	requireCommand(t, "/bin/cat")

	res, err := run(t, command.New(
		command.Command{"/bin/cat"},
		command.Command{"/nonexistent/program"},
		command.Command{"/bin/cat"},
	), execution.Options{
		Stdin:  stream.FromBytes(make([]byte, 1<<20)),
		Stdout: stream.Capture(),
	})
	require.NoError(t, err, "only the terminal stage counts")
	assert.Empty(t, res.Stdout)
	assert.Equal(t, 127, res.Stages[1].Status)
}

func TestProcessBackendOnlyTerminalStatusCounts(t *testing.T) {
	requireCommand(t, "/bin/true")
	requireCommand(t, "/bin/false")

	_, err := run(t, command.New(command.Command{"/bin/false"}, command.Command{"/bin/true"}), execution.Options{})
	require.NoError(t, err)

	_, err = run(t, command.New(command.Command{"/bin/true"}, command.Command{"/bin/false"}), execution.Options{})
	var exitErr *execution.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, "command /bin/true | /bin/false exited with status 1: (error output discarded)", err.Error())
}

func TestProcessBackendMergesStderrOfAllStages(t *testing.T) {
	requireCommand(t, "/bin/sh")

	res, err := run(t, command.New(
		command.Command{"/bin/sh", "-c", "echo first >&2; echo data"},
		command.Command{"/bin/sh", "-c", "cat; echo second >&2; exit 3"},
	), execution.Options{
		Stdout: stream.Capture(),
		Stderr: stream.Capture(),
	})
	var exitErr *execution.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, "data\n", string(res.Stdout))
	assert.Contains(t, string(res.Stderr), "first\n")
	assert.Contains(t, string(res.Stderr), "second\n")
	assert.Contains(t, err.Error(), " (...)")
}

func TestProcessBackendPassesArgvVerbatim(t *testing.T) {
	requireCommand(t, "/usr/bin/printf")

	args := []string{"$HOME", "*", "a b", "`id`", "; rm -rf /", ""}
	cmd := append(command.Command{"/usr/bin/printf", "[%s]\\n"}, args...)
	res, err := run(t, command.New(cmd), execution.Options{Stdout: stream.Capture()})
	require.NoError(t, err)

	var want strings.Builder
	for _, a := range args {
		want.WriteString("[" + a + "]\n")
	}
	assert.Equal(t, want.String(), string(res.Stdout))
}

func TestProcessBackendEnvironmentOverrides(t *testing.T) {
	requireCommand(t, "/usr/bin/env")
	t.Setenv("CONDUIT_TEST_KEEP", "kept")
	t.Setenv("CONDUIT_TEST_DROP", "dropped")

	res, err := run(t, command.New(command.Command{"/usr/bin/env"}), execution.Options{
		Env:    map[string]string{"CONDUIT_TEST_NEW": "new value"},
		Unset:  []string{"CONDUIT_TEST_DROP"},
		Stdout: stream.Capture(),
	})
	require.NoError(t, err)
	out := string(res.Stdout)
	assert.Contains(t, out, "CONDUIT_TEST_KEEP=kept\n")
	assert.Contains(t, out, "CONDUIT_TEST_NEW=new value\n")
	assert.NotContains(t, out, "CONDUIT_TEST_DROP")

	_, set := os.LookupEnv("CONDUIT_TEST_NEW")
	assert.False(t, set, "overrides must not leak into the orchestrator")
	assert.Equal(t, "dropped", os.Getenv("CONDUIT_TEST_DROP"))
}

func TestProcessBackendWorkingDirectory(t *testing.T) {
	requireCommand(t, "/bin/pwd")
	dir := t.TempDir()

	res, err := run(t, command.New(command.Command{"/bin/pwd"}), execution.Options{
		Dir:    dir,
		Stdout: stream.Capture(),
	})
	require.NoError(t, err)
	assert.Equal(t, dir+"\n", string(res.Stdout))
}

func TestProcessBackendSignaledStatus(t *testing.T) {
	requireCommand(t, "/bin/sh")

	res, err := run(t, command.New(command.Command{"/bin/sh", "-c", "kill -9 $$"}), execution.Options{})
	require.Error(t, err)
	assert.Equal(t, 137, res.ExitStatus)
	assert.True(t, res.Stages[0].Signaled)
}

func TestProcessBackendCancellation(t *testing.T) {
	requireCommand(t, "/bin/sleep")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	res, err := newEngine().Run(ctx, command.New(command.Command{"/bin/sleep", "30"}), execution.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
	require.NotNil(t, res)
	assert.True(t, res.Stages[0].Reaped)
	assert.Equal(t, 137, res.ExitStatus)
}

func TestProcessBackendDoesNotLeakInheritedDescriptors(t *testing.T) {
	requireCommand(t, "/bin/ls")

	fd, err := unix.Open("/dev/null", unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer unix.Close(fd)
	if fd == 3 {
		t.Skip("descriptor 3 is also used by ls for the directory listing")
	}

	res, err := run(t, command.New(command.Command{"/bin/ls", "-1", "/proc/self/fd"}), execution.Options{
		Stdout: stream.Capture(),
	})
	require.NoError(t, err)
	fds := strings.Fields(string(res.Stdout))
	assert.NotContains(t, fds, strconv.Itoa(fd))
	assert.Subset(t, fds, []string{"0", "1", "2"})
}

func TestProcessBackendConcurrentRuns(t *testing.T) {
	requireCommand(t, "/bin/cat")

	engine := newEngine()
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(i int) {
			in := strings.Repeat(strconv.Itoa(i), 100000)
			res, err := engine.Run(context.Background(), command.New(command.Command{"/bin/cat"}, command.Command{"/bin/cat"}), execution.Options{
				Stdin:  stream.FromString(in),
				Stdout: stream.Capture(),
			})
			if err == nil && string(res.Stdout) != in {
				err = io.ErrShortWrite
			}
			errs <- err
		}(i)
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-errs)
	}
}
