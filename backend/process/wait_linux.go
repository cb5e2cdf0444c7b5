//go:build linux

package process

import "golang.org/x/sys/unix"

// waitExited blocks until pid has terminated but leaves it unreaped, so its
// pid cannot be recycled while Kill might still target it.
func waitExited(pid int) error {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if err != unix.EINTR {
			return err
		}
	}
}
