package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"conduit/core/command"
	"conduit/core/execution"
	"conduit/core/recorder"
	"conduit/core/version"
)

// ReceiptRecorder digests every relayed chunk so a receipt can prove what
// went in and out of a pipeline. Use one per invocation.
type ReceiptRecorder struct {
	mu       sync.Mutex
	commands command.Pipeline
	status   int
	statuses int
	streams  [3]digest
}

type digest struct {
	h hash.Hash
	n int64
}

func (d *digest) write(chunk []byte) {
	if d.h == nil {
		d.h = sha256.New()
	}
	d.h.Write(chunk)
	d.n += int64(len(chunk))
}

func (d *digest) sum() StreamDigest {
	h := d.h
	if h == nil {
		h = sha256.New()
	}
	return StreamDigest{Bytes: d.n, SHA256: hex.EncodeToString(h.Sum(nil))}
}

func NewReceiptRecorder() *ReceiptRecorder {
	return &ReceiptRecorder{}
}

func (r *ReceiptRecorder) RecordCommands(p command.Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = p.Clone()
}

func (r *ReceiptRecorder) RecordStdin(chunk []byte)  { r.record(0, chunk) }
func (r *ReceiptRecorder) RecordStdout(chunk []byte) { r.record(1, chunk) }
func (r *ReceiptRecorder) RecordStderr(chunk []byte) { r.record(2, chunk) }

func (r *ReceiptRecorder) record(i int, chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[i].write(chunk)
}

func (r *ReceiptRecorder) RecordStatus(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.statuses++
}

// Receipt combines the recorded digests with the result of the run.
// processes may be nil when exec tracing is off.
func (r *ReceiptRecorder) Receipt(res *execution.ExecutionResult, info execution.BackendInfo, processes []ProcessEntry) Receipt {
	r.mu.Lock()
	defer r.mu.Unlock()

	commands := r.commands
	if res != nil && len(res.Commands) > 0 {
		commands = res.Commands
	}
	receipt := Receipt{
		Version:    version.ReceiptVersion,
		Pipeline:   commands.String(),
		Commands:   make([][]string, 0, len(commands)),
		Execution:  &info,
		ExitStatus: r.status,
		Streams: Streams{
			Stdin:  r.streams[0].sum(),
			Stdout: r.streams[1].sum(),
			Stderr: r.streams[2].sum(),
		},
		Stages:    []StageEntry{},
		Processes: processes,
	}
	for _, cmd := range commands {
		receipt.Commands = append(receipt.Commands, append([]string(nil), cmd...))
	}
	if res == nil {
		return receipt
	}

	receipt.ID = res.ID
	receipt.ExitStatus = res.ExitStatus
	receipt.Success = res.Success
	receipt.AllowedExit = res.AllowedExit
	receipt.StartedAt = res.StartedAt
	receipt.DurationMs = res.Duration().Milliseconds()

	var resources Resources
	for _, stage := range res.Stages {
		entry := StageEntry{
			Argv:       append([]string(nil), stage.Command...),
			ExitStatus: stage.Status,
			Signaled:   stage.Signaled,
		}
		if stage.PID > 0 {
			entry.PID = stage.PID
		}
		if stage.SpawnErr != nil {
			entry.SpawnError = stage.SpawnErr.Error()
		}
		receipt.Stages = append(receipt.Stages, entry)
		resources.CPUTimeMs += stage.CPUTime.Milliseconds()
		if stage.MaxRSSKB > resources.MaxRSSKB {
			resources.MaxRSSKB = stage.MaxRSSKB
		}
	}
	if resources != (Resources{}) {
		receipt.Resources = &resources
	}
	return receipt
}

// Write encodes receipt as indented JSON.
func Write(w io.Writer, receipt Receipt) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(receipt), "encode receipt")
}

// WriteFile writes receipt to path, replacing any previous file.
func WriteFile(path string, receipt Receipt) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create receipt")
	}
	if err := Write(f, receipt); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "close receipt")
}

var _ recorder.Recorder = (*ReceiptRecorder)(nil)
