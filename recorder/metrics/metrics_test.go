package metrics

import (
	"bytes"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/core/command"
)

func TestRecorderCountsBytesAndStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	clock := time.Unix(100, 0)
	m.now = func() time.Time { return clock }

	r := m.Recorder()
	r.RecordCommands(command.New(command.Command{"cat"}, command.Command{"wc", "-l"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))

	r.RecordStdin([]byte("abc"))
	r.RecordStdin([]byte("de"))
	r.RecordStdout([]byte("2\n"))
	r.RecordStderr(nil)
	clock = clock.Add(1500 * time.Millisecond)
	r.RecordStatus(0)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.bytes.WithLabelValues("stdin")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.bytes.WithLabelValues("stdout")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.bytes.WithLabelValues("stderr")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("0")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestRecorderSeparatesInvocations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	a, b := m.Recorder(), m.Recorder()
	a.RecordCommands(command.New(command.Command{"true"}))
	b.RecordCommands(command.New(command.Command{"false"}))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inFlight))

	a.RecordStatus(0)
	b.RecordStatus(1)
	b.RecordStatus(1)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight), "a repeated status must not drive the gauge negative")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.runs.WithLabelValues("1")))
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestWriteText(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	r := m.Recorder()
	r.RecordCommands(command.New(command.Command{"true"}))
	r.RecordStatus(0)

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, reg))
	assert.Contains(t, buf.String(), `conduit_pipeline_runs_total{status="0"} 1`)
	assert.Contains(t, buf.String(), "# TYPE conduit_pipeline_duration_seconds histogram")
}
