//go:build linux

package audit

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const defaultObjDir = "ebpf/objects"

type ebpfCollector struct {
	mu      sync.Mutex
	started bool
	events  chan Event
	errs    chan error
	reader  *ringbuf.Reader
	links   []link.Link
	coll    *ebpf.Collection
	wg      sync.WaitGroup
	closed  chan struct{}
}

// NewCollector loads exec.o and attaches it to the execve and execveat
// tracepoints. It needs CAP_BPF (or root).
func NewCollector(cfg Config) (Collector, error) {
	dir := cfg.BPFObjectDir
	if dir == "" {
		if env := os.Getenv("CONDUIT_BPF_DIR"); env != "" {
			dir = env
		} else {
			dir = defaultObjDir
		}
	}
	path := filepath.Join(dir, "exec.o")
	logrus.WithField("object", path).Debug("loading exec tracer")

	coll, reader, links, err := loadObject(path)
	if err != nil {
		return nil, err
	}
	return &ebpfCollector{
		events: make(chan Event, 1024),
		errs:   make(chan error, 16),
		reader: reader,
		links:  links,
		coll:   coll,
		closed: make(chan struct{}),
	}, nil
}

func (c *ebpfCollector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}
	c.started = true
	c.wg.Add(1)
	go c.readLoop(ctx)
	return nil
}

func (c *ebpfCollector) Events() <-chan Event {
	return c.events
}

func (c *ebpfCollector) Errors() <-chan error {
	return c.errs
}

func (c *ebpfCollector) Close() error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	if started {
		close(c.closed)
	}
	_ = c.reader.Close()
	c.wg.Wait()
	for _, l := range c.links {
		_ = l.Close()
	}
	c.coll.Close()

	close(c.events)
	close(c.errs)
	return nil
}

func (c *ebpfCollector) readLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		record, err := c.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			c.report(err)
			continue
		}
		ev, err := parseEvent(record.RawSample)
		if err != nil {
			c.report(err)
			continue
		}
		if ev.Type != EventExec {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *ebpfCollector) report(err error) {
	select {
	case c.errs <- err:
	case <-c.closed:
	default:
		// Errors are advisory; drop them rather than stall the ring buffer.
	}
}

func loadObject(path string) (*ebpf.Collection, *ringbuf.Reader, []link.Link, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil, nil, errors.Wrap(err, "eBPF object missing")
	}
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "load eBPF spec %s", path)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "load eBPF collection %s", path)
	}

	eventsMap := coll.Maps["events"]
	if eventsMap == nil {
		coll.Close()
		return nil, nil, nil, errors.Errorf("%s has no events ring buffer", path)
	}
	reader, err := ringbuf.NewReader(eventsMap)
	if err != nil {
		coll.Close()
		return nil, nil, nil, errors.Wrapf(err, "open ringbuf %s", path)
	}

	var links []link.Link
	for _, tp := range []struct{ prog, name string }{
		{"trace_execve", "sys_enter_execve"},
		{"trace_execveat", "sys_enter_execveat"},
	} {
		l, err := attachTracepoint(coll, tp.prog, "syscalls", tp.name)
		if err != nil {
			for _, l := range links {
				_ = l.Close()
			}
			_ = reader.Close()
			coll.Close()
			return nil, nil, nil, err
		}
		links = append(links, l)
	}
	return coll, reader, links, nil
}

func attachTracepoint(coll *ebpf.Collection, progName, category, name string) (link.Link, error) {
	prog := coll.Programs[progName]
	if prog == nil {
		return nil, errors.Errorf("program %s not found", progName)
	}
	l, err := link.Tracepoint(category, name, prog, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "attach %s/%s", category, name)
	}
	return l, nil
}
