// Package stream describes where a pipeline's input comes from and where its
// output goes. Each endpoint is a tagged variant chosen explicitly by the
// caller: an input is empty, a fixed byte string, or an external reader; an
// output is discarded, captured into memory, or handed to an external writer.
package stream

import (
	"bytes"
	"io"
)

type InputKind int

const (
	InputNone InputKind = iota
	InputBytes
	InputReader
)

func (k InputKind) String() string {
	switch k {
	case InputNone:
		return "none"
	case InputBytes:
		return "bytes"
	case InputReader:
		return "reader"
	default:
		return "unknown"
	}
}

// Input is the source fed to the first stage's stdin. The zero value feeds
// nothing and closes stdin immediately.
type Input struct {
	kind InputKind
	data []byte
	r    io.Reader
}

func None() Input { return Input{} }

// FromString feeds s verbatim.
func FromString(s string) Input {
	return Input{kind: InputBytes, data: []byte(s)}
}

// FromBytes feeds b verbatim. b must not be modified during the run.
func FromBytes(b []byte) Input {
	return Input{kind: InputBytes, data: b}
}

// FromReader streams from r until it reports io.EOF. The engine never closes r.
func FromReader(r io.Reader) Input {
	if r == nil {
		return None()
	}
	return Input{kind: InputReader, r: r}
}

func (in Input) Kind() InputKind { return in.kind }

// Source returns a fresh reader over the input, or nil when there is none.
func (in Input) Source() io.Reader {
	switch in.kind {
	case InputBytes:
		return bytes.NewReader(in.data)
	case InputReader:
		return in.r
	default:
		return nil
	}
}

type OutputKind int

const (
	OutputDiscard OutputKind = iota
	OutputCapture
	OutputWriter
)

func (k OutputKind) String() string {
	switch k {
	case OutputDiscard:
		return "discard"
	case OutputCapture:
		return "capture"
	case OutputWriter:
		return "writer"
	default:
		return "unknown"
	}
}

// Output is the destination of stdout or stderr. The zero value discards.
type Output struct {
	kind OutputKind
	w    io.Writer
}

func Discard() Output { return Output{} }

// Capture buffers the whole stream in memory for the result.
func Capture() Output { return Output{kind: OutputCapture} }

// ToWriter streams every chunk to w as it is read. The engine never closes w
// and never keeps a copy of what it wrote.
func ToWriter(w io.Writer) Output {
	if w == nil {
		return Discard()
	}
	return Output{kind: OutputWriter, w: w}
}

func (o Output) Kind() OutputKind { return o.kind }
func (o Output) Captured() bool   { return o.kind == OutputCapture }
func (o Output) Streamed() bool   { return o.kind == OutputWriter }

// Open returns the sink for one invocation.
func (o Output) Open() *Sink {
	s := &Sink{kind: o.kind, w: o.w}
	if o.kind == OutputCapture {
		s.buf = &bytes.Buffer{}
	}
	return s
}

// Sink is the per-invocation side of an Output.
type Sink struct {
	kind OutputKind
	w    io.Writer
	buf  *bytes.Buffer
	n    int64
}

func (s *Sink) Write(p []byte) (int, error) {
	s.n += int64(len(p))
	switch s.kind {
	case OutputCapture:
		return s.buf.Write(p)
	case OutputWriter:
		return s.w.Write(p)
	default:
		return len(p), nil
	}
}

func (s *Sink) Kind() OutputKind { return s.kind }

// Len is the number of bytes that went through the sink.
func (s *Sink) Len() int64 { return s.n }

// Bytes returns the captured content. It is nil unless the sink captures, and
// a non-nil, possibly empty, slice when it does.
func (s *Sink) Bytes() []byte {
	if s.kind != OutputCapture {
		return nil
	}
	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	return out
}
