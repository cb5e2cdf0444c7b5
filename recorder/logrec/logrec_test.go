package logrec

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/core/command"
)

func newLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

func TestRecorderLogsCommandsAndStatus(t *testing.T) {
	logger, hook := newLogger()
	r := New(logger)

	r.RecordCommands(command.New(command.Command{"ls", "-l"}, command.Command{"grep", "a b"}))
	r.RecordStatus(0)

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "running", entries[0].Message)
	assert.Equal(t, "ls -l | grep 'a b'", entries[0].Data["pipeline"])
	assert.Equal(t, 2, entries[0].Data["stages"])
	assert.Equal(t, logrus.InfoLevel, entries[1].Level)
	assert.Equal(t, 0, entries[1].Data["status"])
}

func TestRecorderWarnsOnFailure(t *testing.T) {
	logger, hook := newLogger()
	New(logger).RecordStatus(2)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestRecorderBuffersLinesAcrossChunks(t *testing.T) {
	logger, hook := newLogger()
	r := New(logger)

	r.RecordStdout([]byte("hel"))
	assert.Empty(t, hook.AllEntries())
	r.RecordStdout([]byte("lo\nwor"))
	r.RecordStderr([]byte("oops\n"))
	r.RecordStdout([]byte("ld\n\ntail"))
	r.RecordStatus(0)

	var got []string
	for _, e := range hook.AllEntries() {
		if s, ok := e.Data["stream"]; ok {
			got = append(got, s.(string)+":"+e.Message)
		}
	}
	assert.Equal(t, []string{
		"stdout:hello",
		"stderr:oops",
		"stdout:world",
		"stdout:",
		"stdout:tail",
	}, got)
}

func TestRecorderFlushesOverlongLines(t *testing.T) {
	logger, hook := newLogger()
	r := New(logger)

	r.RecordStdin([]byte(strings.Repeat("x", maxLine+1)))
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "stdin", hook.LastEntry().Data["stream"])
	assert.Len(t, hook.LastEntry().Message, maxLine+1)
}

func TestRecorderStreamChunksAreDebugOnly(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.InfoLevel)
	r := New(logger)

	r.RecordStdout([]byte("quiet\n"))
	assert.Empty(t, hook.AllEntries())
}
