package audit

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"conduit/core/execution"
)

type EventType uint32

const (
	EventExec EventType = 1
)

// eventSize is the size of one ringbuf record written by exec.o.
const eventSize = 308

// Event is one execve observed by the tracer.
type Event struct {
	Type EventType
	PID  uint32
	PPID uint32
	Comm string
	Path string
}

// parseEvent decodes a ringbuf record: type, pid, ppid as little-endian
// uint32 at offsets 0, 4 and 8, comm at 36 and path at 52.
func parseEvent(data []byte) (Event, error) {
	if len(data) < eventSize {
		return Event{}, fmt.Errorf("short event: %d", len(data))
	}
	return Event{
		Type: EventType(binary.LittleEndian.Uint32(data[0:4])),
		PID:  binary.LittleEndian.Uint32(data[4:8]),
		PPID: binary.LittleEndian.Uint32(data[8:12]),
		Comm: trimNull(data[36:52]),
		Path: trimNull(data[52:308]),
	}, nil
}

func trimNull(b []byte) string {
	idx := bytes.IndexByte(b, 0)
	if idx == -1 {
		idx = len(b)
	}
	return string(b[:idx])
}

// Receipt is the JSON record of one pipeline invocation.
type Receipt struct {
	Version     string                 `json:"version"`
	ID          string                 `json:"id"`
	Pipeline    string                 `json:"pipeline"`
	Commands    [][]string             `json:"commands"`
	Execution   *execution.BackendInfo `json:"execution,omitempty"`
	ExitStatus  int                    `json:"exit_status"`
	Success     bool                   `json:"success"`
	AllowedExit bool                   `json:"allowed_exit,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	DurationMs  int64                  `json:"duration_ms"`
	Streams     Streams                `json:"streams"`
	Stages      []StageEntry           `json:"stages"`
	Processes   []ProcessEntry         `json:"processes,omitempty"`
	Resources   *Resources             `json:"resources,omitempty"`
}

// Streams digests the bytes that crossed each pipe as relayed.
type Streams struct {
	Stdin  StreamDigest `json:"stdin"`
	Stdout StreamDigest `json:"stdout"`
	Stderr StreamDigest `json:"stderr"`
}

type StreamDigest struct {
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256"`
}

type StageEntry struct {
	Argv       []string `json:"argv"`
	PID        int      `json:"pid,omitempty"`
	ExitStatus int      `json:"exit_status"`
	Signaled   bool     `json:"signaled,omitempty"`
	SpawnError string   `json:"spawn_error,omitempty"`
}

// ProcessEntry is an exec observed in a stage or one of its descendants.
type ProcessEntry struct {
	PID  uint32 `json:"pid"`
	PPID uint32 `json:"ppid"`
	Cmd  string `json:"cmd"`
}

type Resources struct {
	CPUTimeMs int64 `json:"cpu_time_ms,omitempty"`
	MaxRSSKB  int64 `json:"max_rss_kb,omitempty"`
}
