package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// maxBufferedEvents caps how many exec events a Tracer remembers.
const maxBufferedEvents = 1 << 16

// Tracer buffers exec events from a Collector so that each finished pipeline
// can pick out the processes that belong to it.
type Tracer struct {
	collector Collector
	log       logrus.FieldLogger

	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func NewTracer(c Collector, log logrus.FieldLogger) *Tracer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tracer{collector: c, log: log, done: make(chan struct{})}
}

// Start begins collecting until ctx ends or Close is called.
func (t *Tracer) Start(ctx context.Context) error {
	if err := t.collector.Start(ctx); err != nil {
		return err
	}
	go t.loop()
	return nil
}

func (t *Tracer) loop() {
	defer close(t.done)
	events, errs := t.collector.Events(), t.collector.Errors()
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			t.mu.Lock()
			if len(t.events) == maxBufferedEvents {
				copy(t.events, t.events[1:])
				t.events = t.events[:len(t.events)-1]
			}
			t.events = append(t.events, ev)
			t.mu.Unlock()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.log.WithError(err).Debug("exec tracer")
		}
	}
}

// Processes returns the execs performed by the given stage pids and their
// descendants, ordered by pid.
func (t *Tracer) Processes(pids []int) []ProcessEntry {
	t.mu.Lock()
	events := append([]Event(nil), t.events...)
	t.mu.Unlock()
	return processTree(pids, events)
}

// Close stops the collector and waits for buffered events to drain.
func (t *Tracer) Close() error {
	err := t.collector.Close()
	<-t.done
	return err
}

func processTree(pids []int, events []Event) []ProcessEntry {
	tracked := make(map[uint32]struct{}, len(pids))
	for _, pid := range pids {
		if pid > 0 {
			tracked[uint32(pid)] = struct{}{}
		}
	}
	processes := map[uint32]ProcessEntry{}
	for _, ev := range events {
		if ev.Type != EventExec {
			continue
		}
		_, self := tracked[ev.PID]
		_, child := tracked[ev.PPID]
		if !self && !child {
			continue
		}
		tracked[ev.PID] = struct{}{}

		cmd := ev.Path
		if cmd == "" {
			cmd = ev.Comm
		}
		entry := processes[ev.PID]
		entry.PID = ev.PID
		if ev.PPID != 0 {
			entry.PPID = ev.PPID
		}
		// A process may exec several times; keep the most descriptive name.
		if cmd != "" && len(cmd) > len(entry.Cmd) {
			entry.Cmd = cmd
		}
		processes[ev.PID] = entry
	}

	out := make([]ProcessEntry, 0, len(processes))
	for _, entry := range processes {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}
