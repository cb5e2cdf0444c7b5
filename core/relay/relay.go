// Package relay moves bytes between the orchestrator and a running pipeline.
//
// A single readiness loop feeds the pipeline's stdin and drains its stdout and
// stderr. Nothing is ever written or read in a fixed order, so a child that
// fills its stdout pipe while the relay is still feeding stdin cannot
// deadlock the invocation.
package relay

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"conduit/core/recorder"
)

// ChunkSize bounds every read and write the relay performs.
const ChunkSize = 4096

// Streams is the orchestrator side of a running pipeline. The relay takes
// ownership of the three descriptors: every one of them is closed by the time
// Run returns. A descriptor of -1 means the stream is absent.
type Streams struct {
	Stdin  int
	Stdout int
	Stderr int

	// Input feeds Stdin; nil closes Stdin right away.
	Input io.Reader
	// StdoutSink and StderrSink receive what the pipeline writes; nil drops it.
	StdoutSink io.Writer
	StderrSink io.Writer

	Recorder recorder.Recorder
}

// Error is an I/O breakdown between the orchestrator and the pipeline. It is
// distinct from a program failing: it means the relay could not keep talking
// to the OS.
type Error struct {
	Op     string
	Stream string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay %s %s: %v", e.Op, e.Stream, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type reader struct {
	name   string
	fd     int
	sink   io.Writer
	record func([]byte)
}

type state struct {
	stdin   int
	input   io.Reader
	eof     bool
	pending []byte
	inBuf   []byte
	outBuf  []byte
	readers []*reader
	rec     recorder.Recorder
}

// Run drives the readiness loop until stdout and stderr reach end-of-stream
// and stdin has been fully fed or abandoned. Cancelling ctx aborts the loop;
// the caller is expected to kill the pipeline afterwards.
func Run(ctx context.Context, s Streams) (err error) {
	st := &state{
		stdin:  s.Stdin,
		input:  s.Input,
		inBuf:  make([]byte, ChunkSize),
		outBuf: make([]byte, ChunkSize),
		rec:    s.Recorder,
	}
	if st.rec == nil {
		st.rec = recorder.Nop{}
	}
	if s.Stdout >= 0 {
		st.readers = append(st.readers, &reader{name: "stdout", fd: s.Stdout, sink: s.StdoutSink, record: st.rec.RecordStdout})
	}
	if s.Stderr >= 0 {
		st.readers = append(st.readers, &reader{name: "stderr", fd: s.Stderr, sink: s.StderrSink, record: st.rec.RecordStderr})
	}
	defer st.closeAll()

	if st.stdin >= 0 && st.input == nil {
		st.closeStdin()
	}
	for _, fd := range st.fds() {
		if err := unix.SetNonblock(fd, true); err != nil {
			return &Error{Op: "setup", Stream: fmt.Sprintf("fd %d", fd), Err: err}
		}
	}

	var w *waker
	if ctx.Done() != nil {
		w, err = newWaker(ctx)
		if err != nil {
			return &Error{Op: "setup", Stream: "wake pipe", Err: err}
		}
		defer w.close()
	}

	pfds := make([]unix.PollFd, 0, 4)
	for {
		st.dropClosed()
		if st.stdin < 0 && len(st.readers) == 0 {
			return nil
		}

		pfds = pfds[:0]
		if st.stdin >= 0 {
			pfds = append(pfds, unix.PollFd{Fd: int32(st.stdin), Events: unix.POLLOUT})
		}
		for _, r := range st.readers {
			pfds = append(pfds, unix.PollFd{Fd: int32(r.fd), Events: unix.POLLIN})
		}
		if w != nil {
			pfds = append(pfds, unix.PollFd{Fd: int32(w.r), Events: unix.POLLIN})
		}

		if _, err := unix.Poll(pfds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return &Error{Op: "poll", Stream: "pipeline", Err: err}
		}

		for _, p := range pfds {
			if p.Revents == 0 {
				continue
			}
			if w != nil && int(p.Fd) == w.r {
				return errors.Wrap(ctx.Err(), "relay interrupted")
			}
			if p.Revents&unix.POLLNVAL != 0 {
				return &Error{Op: "poll", Stream: st.nameOf(int(p.Fd)), Err: unix.EBADF}
			}
			if int(p.Fd) == st.stdin {
				if err := st.feed(p.Revents); err != nil {
					return err
				}
				continue
			}
			if r := st.readerFor(int(p.Fd)); r != nil {
				if err := st.drain(r, p.Revents); err != nil {
					return err
				}
			}
		}
	}
}

// feed handles one readiness report for the stdin write end.
func (st *state) feed(revents int16) error {
	if revents&(unix.POLLERR|unix.POLLHUP) != 0 && revents&unix.POLLOUT == 0 {
		// The first stage closed its stdin; nobody will read the rest.
		st.closeStdin()
		return nil
	}
	if len(st.pending) == 0 {
		if st.eof {
			st.closeStdin()
			return nil
		}
		n, err := st.input.Read(st.inBuf)
		if err != nil && err != io.EOF {
			return &Error{Op: "read", Stream: "stdin source", Err: err}
		}
		if err == io.EOF {
			st.eof = true
		}
		if n == 0 {
			if st.eof {
				st.closeStdin()
			}
			return nil
		}
		st.pending = st.inBuf[:n]
		st.rec.RecordStdin(st.pending)
	}

	n, err := unix.Write(st.stdin, st.pending)
	switch err {
	case nil:
	case unix.EAGAIN, unix.EINTR:
		return nil
	case unix.EPIPE:
		st.closeStdin()
		return nil
	default:
		return &Error{Op: "write", Stream: "stdin", Err: err}
	}
	// Short writes keep the remainder for the next ready cycle.
	st.pending = st.pending[n:]
	return nil
}

// drain performs one bounded read from r.
func (st *state) drain(r *reader, revents int16) error {
	if revents&unix.POLLERR != 0 && revents&(unix.POLLIN|unix.POLLHUP) == 0 {
		return &Error{Op: "poll", Stream: r.name, Err: unix.EIO}
	}
	n, err := unix.Read(r.fd, st.outBuf)
	switch err {
	case nil:
	case unix.EAGAIN, unix.EINTR:
		return nil
	default:
		return &Error{Op: "read", Stream: r.name, Err: err}
	}
	if n == 0 {
		closeFD(&r.fd)
		return nil
	}
	chunk := st.outBuf[:n]
	if r.sink != nil {
		if _, err := r.sink.Write(chunk); err != nil {
			return &Error{Op: "write", Stream: r.name + " sink", Err: err}
		}
	}
	r.record(chunk)
	return nil
}

func (st *state) closeStdin() {
	closeFD(&st.stdin)
	st.pending = nil
}

func (st *state) dropClosed() {
	open := st.readers[:0]
	for _, r := range st.readers {
		if r.fd >= 0 {
			open = append(open, r)
		}
	}
	st.readers = open
}

func (st *state) readerFor(fd int) *reader {
	for _, r := range st.readers {
		if r.fd == fd {
			return r
		}
	}
	return nil
}

func (st *state) nameOf(fd int) string {
	if fd == st.stdin {
		return "stdin"
	}
	if r := st.readerFor(fd); r != nil {
		return r.name
	}
	return fmt.Sprintf("fd %d", fd)
}

func (st *state) fds() []int {
	var out []int
	if st.stdin >= 0 {
		out = append(out, st.stdin)
	}
	for _, r := range st.readers {
		out = append(out, r.fd)
	}
	return out
}

func (st *state) closeAll() {
	closeFD(&st.stdin)
	for _, r := range st.readers {
		closeFD(&r.fd)
	}
}

func closeFD(fd *int) {
	if *fd >= 0 {
		_ = unix.Close(*fd)
		*fd = -1
	}
}

// waker turns context cancellation into readiness on a pipe so the poll call
// can observe it.
type waker struct {
	mu     sync.Mutex
	r, w   int
	closed bool
	stop   func() bool
}

func newWaker(ctx context.Context) (*waker, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	w := &waker{r: p[0], w: p[1]}
	w.stop = context.AfterFunc(ctx, w.wake)
	return w, nil
}

func (w *waker) wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		_, _ = unix.Write(w.w, []byte{1})
	}
}

func (w *waker) close() {
	w.stop()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	_ = unix.Close(w.r)
	_ = unix.Close(w.w)
}
