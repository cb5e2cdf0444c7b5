package recorder

import "conduit/core/command"

// Recorder receives lifecycle events from the engine. The engine only decides
// when to call it; formatting, severity and line buffering belong to the
// implementation. Chunks are only valid for the duration of the call.
type Recorder interface {
	RecordCommands(p command.Pipeline)
	RecordStdin(chunk []byte)
	RecordStdout(chunk []byte)
	RecordStderr(chunk []byte)
	RecordStatus(status int)
}

// Nop drops every event.
type Nop struct{}

func (Nop) RecordCommands(command.Pipeline) {}
func (Nop) RecordStdin([]byte)              {}
func (Nop) RecordStdout([]byte)             {}
func (Nop) RecordStderr([]byte)             {}
func (Nop) RecordStatus(int)                {}

type multi []Recorder

// Multi fans events out to every non-nil recorder in order.
func Multi(rs ...Recorder) Recorder {
	out := make(multi, 0, len(rs))
	for _, r := range rs {
		if r == nil {
			continue
		}
		if m, ok := r.(multi); ok {
			out = append(out, m...)
			continue
		}
		out = append(out, r)
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	}
	return out
}

func (m multi) RecordCommands(p command.Pipeline) {
	for _, r := range m {
		r.RecordCommands(p)
	}
}

func (m multi) RecordStdin(chunk []byte) {
	for _, r := range m {
		r.RecordStdin(chunk)
	}
}

func (m multi) RecordStdout(chunk []byte) {
	for _, r := range m {
		r.RecordStdout(chunk)
	}
}

func (m multi) RecordStderr(chunk []byte) {
	for _, r := range m {
		r.RecordStderr(chunk)
	}
}

func (m multi) RecordStatus(status int) {
	for _, r := range m {
		r.RecordStatus(status)
	}
}

var _ Recorder = Nop{}
var _ Recorder = multi(nil)
