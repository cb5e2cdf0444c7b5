package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/backend/fake"
	"conduit/config"
	"conduit/core/command"
	"conduit/core/execution"
	"conduit/core/stream"
	"conduit/recorder/metrics"
)

func quietEngine(b execution.ExecutionBackend) execution.Engine {
	logger, _ := test.NewNullLogger()
	return execution.Engine{Backend: b, Logger: logger}
}

func TestRunBuildsReceipt(t *testing.T) {
	b := fake.Builtins()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	p := command.New(command.Command{"echo", "hi"}, command.Command{"cat"})
	out, err := Run(context.Background(), p, RunOptions{
		Engine:  quietEngine(b),
		Exec:    execution.Options{Stdout: stream.Capture()},
		Log:     logger,
		Metrics: m,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "hi\n", string(out.Result.Stdout))

	r := out.Receipt
	assert.Equal(t, "echo hi | cat", r.Pipeline)
	assert.True(t, r.Success)
	assert.EqualValues(t, 3, r.Streams.Stdout.Bytes)
	require.NotNil(t, r.Execution)
	assert.Equal(t, execution.BackendInfo{Backend: "fake", Isolation: "goroutine"}, *r.Execution)
	assert.Len(t, r.Stages, 2)

	var lines []string
	for _, e := range hook.AllEntries() {
		if e.Data["stream"] == "stdout" {
			lines = append(lines, e.Message)
		}
	}
	assert.Equal(t, []string{"hi"}, lines)
	var text strings.Builder
	require.NoError(t, metrics.WriteText(&text, reg))
	assert.Contains(t, text.String(), `conduit_pipeline_runs_total{status="0"} 1`)
}

func TestRunReportsFailureExitCode(t *testing.T) {
	b := fake.New().Handle("fail", fake.Emit("", "boom\n", 3))
	out, err := Run(context.Background(), command.New(command.Command{"fail"}), RunOptions{
		Engine: quietEngine(b),
		Exec:   execution.Options{Stderr: stream.Capture()},
	})
	var exitErr *execution.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, 3, out.Receipt.ExitStatus)
	assert.False(t, out.Receipt.Success)
	assert.EqualValues(t, 5, out.Receipt.Streams.Stderr.Bytes)
}

func TestRunStillProducesReceiptWhenStartFails(t *testing.T) {
	b := fake.Builtins()
	b.StartErr = errors.New("no capacity")
	p := command.New(command.Command{"cat"})
	out, err := Run(context.Background(), p, RunOptions{Engine: quietEngine(b)})
	require.Error(t, err)
	assert.Nil(t, out.Result)
	assert.Equal(t, 1, out.ExitCode)
	assert.Equal(t, "cat", out.Receipt.Pipeline)
	assert.Equal(t, [][]string{{"cat"}}, out.Receipt.Commands)
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{&execution.ExitError{ExitStatus: 4}, 4},
		{fmt.Errorf("wrapped: %w", &execution.ExitError{ExitStatus: 300}), 1},
		{fmt.Errorf("%w: empty", execution.ErrInvalidPipeline), 2},
		{fmt.Errorf("%w: env", execution.ErrInvalidOptions), 2},
		{context.Canceled, 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExitCode(tc.err), "%v", tc.err)
	}
}

func TestStartTracerDisabled(t *testing.T) {
	logger, hook := test.NewNullLogger()
	assert.Nil(t, StartTracer(context.Background(), config.Trace{}, logger))
	assert.Empty(t, hook.AllEntries())
}

func TestStartTracerMissingObjects(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tracer := StartTracer(context.Background(), config.Trace{Enabled: true, BPFObjectDir: t.TempDir()}, logger)
	assert.Nil(t, tracer)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}
