package audit

import "context"

type Config struct {
	// BPFObjectDir holds exec.o; CONDUIT_BPF_DIR or ebpf/objects when empty.
	BPFObjectDir string
}

// Collector streams kernel exec events.
type Collector interface {
	Start(ctx context.Context) error
	Events() <-chan Event
	Errors() <-chan error
	Close() error
}
