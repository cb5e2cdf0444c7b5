// Package logrec records pipeline lifecycle events as logrus entries.
package logrec

import (
	"bytes"

	"github.com/sirupsen/logrus"

	"conduit/core/command"
	"conduit/core/recorder"
)

// maxLine bounds how much of an unterminated line is held back before it is
// logged anyway.
const maxLine = 64 << 10

// Recorder logs the commands and final status at info level and every
// complete line of each stream at debug level. Partial lines are held until
// their newline arrives or the status is recorded. Use one Recorder per
// invocation.
type Recorder struct {
	log     logrus.FieldLogger
	pending map[string]*bytes.Buffer
}

func New(log logrus.FieldLogger) *Recorder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Recorder{log: log, pending: map[string]*bytes.Buffer{}}
}

func (r *Recorder) RecordCommands(p command.Pipeline) {
	r.log.WithFields(logrus.Fields{
		"stages":   len(p),
		"pipeline": p.String(),
	}).Info("running")
}

func (r *Recorder) RecordStdin(chunk []byte)  { r.lines("stdin", chunk) }
func (r *Recorder) RecordStdout(chunk []byte) { r.lines("stdout", chunk) }
func (r *Recorder) RecordStderr(chunk []byte) { r.lines("stderr", chunk) }

func (r *Recorder) RecordStatus(status int) {
	for _, name := range []string{"stdin", "stdout", "stderr"} {
		if buf := r.pending[name]; buf != nil && buf.Len() > 0 {
			r.emit(name, buf.Bytes())
			buf.Reset()
		}
	}
	entry := r.log.WithField("status", status)
	if status != 0 {
		entry.Warn("exited")
		return
	}
	entry.Info("exited")
}

func (r *Recorder) lines(name string, chunk []byte) {
	buf := r.pending[name]
	if buf == nil {
		buf = &bytes.Buffer{}
		r.pending[name] = buf
	}
	buf.Write(chunk)
	for {
		data := buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			if len(data) >= maxLine {
				r.emit(name, data)
				buf.Reset()
			}
			return
		}
		r.emit(name, data[:i])
		buf.Next(i + 1)
	}
}

func (r *Recorder) emit(name string, line []byte) {
	r.log.WithField("stream", name).Debug(string(line))
}

var _ recorder.Recorder = (*Recorder)(nil)
