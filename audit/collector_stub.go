//go:build !linux

package audit

import "github.com/pkg/errors"

func NewCollector(cfg Config) (Collector, error) {
	_ = cfg
	return nil, errors.New("eBPF exec tracing is only supported on Linux")
}
