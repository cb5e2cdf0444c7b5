//go:build unix && !linux

package process

import "time"

// waitExited has no non-reaping wait here; the caller polls with WNOHANG.
func waitExited(pid int) error {
	_ = pid
	time.Sleep(5 * time.Millisecond)
	return nil
}
