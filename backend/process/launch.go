package process

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"conduit/core/command"
	"conduit/core/execution"
)

// defaultPath is searched when the stage environment has no PATH.
const defaultPath = "/usr/local/bin:/usr/bin:/bin"

// SpawnError explains why a stage never ran.
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("exec %s: %v", e.Program, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// spawn starts one stage with fds as its stdin, stdout and stderr. A stage
// that cannot be started is returned already terminated with
// SpawnFailedStatus; it never aborts the pipeline.
func spawn(cmd command.Command, fds [3]int, spec execution.ExecutionSpec) *execution.Stage {
	stage := &execution.Stage{Command: cmd, PID: -1}
	prog, err := lookPath(cmd.Program(), spec)
	if err == nil {
		var pid int
		pid, err = syscall.ForkExec(prog, cmd, procAttr(spec, fds))
		if err == nil {
			stage.PID = pid
			return stage
		}
	}
	stage.Status = execution.SpawnFailedStatus
	stage.Reaped = true
	stage.SpawnErr = &SpawnError{Program: cmd.Program(), Err: err}
	return stage
}

// procAttr builds the per-process fd table and confinement. The root change
// is applied by the child itself, once, before it changes into a directory
// inside the new root.
func procAttr(spec execution.ExecutionSpec, fds [3]int) *syscall.ProcAttr {
	attr := &syscall.ProcAttr{
		Dir:   spec.Dir,
		Env:   spec.Env,
		Files: []uintptr{uintptr(fds[0]), uintptr(fds[1]), uintptr(fds[2])},
		Sys:   &syscall.SysProcAttr{},
	}
	if spec.Chroot != "" {
		attr.Sys.Chroot = spec.Chroot
		// Never leave the working directory outside the new root.
		attr.Dir = path.Join("/", spec.Dir)
	}
	return attr
}

// lookPath resolves a bare program name against the stage's PATH, seen from
// inside the chroot when one is set. Names containing a slash are passed to
// exec untouched.
func lookPath(prog string, spec execution.ExecutionSpec) (string, error) {
	if strings.Contains(prog, "/") {
		return prog, nil
	}
	pathEnv, ok := execution.LookupEnv(spec.Env, "PATH")
	if !ok {
		pathEnv = defaultPath
	}
	for _, dir := range filepath.SplitList(pathEnv) {
		// Relative entries would resolve against the orchestrator's cwd.
		if !filepath.IsAbs(dir) {
			continue
		}
		candidate := filepath.Join(dir, prog)
		if err := checkExecutable(hostPath(spec.Chroot, candidate)); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("executable file not found in $PATH: %w", unix.ENOENT)
}

func hostPath(root, p string) string {
	if root == "" {
		return p
	}
	return filepath.Join(root, p)
}

func checkExecutable(file string) error {
	fi, err := os.Stat(file)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return unix.EISDIR
	}
	if fi.Mode()&0o111 == 0 {
		return unix.EACCES
	}
	return nil
}

// markInheritedCloseOnExec keeps descriptors the orchestrator inherited from
// its own parent out of every stage. Without a descriptor listing this is a
// no-op.
func markInheritedCloseOnExec() {
	for _, dir := range []string{"/proc/self/fd", "/dev/fd"} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			fd, err := strconv.Atoi(entry.Name())
			if err != nil || fd < 3 {
				continue
			}
			unix.CloseOnExec(fd)
		}
		return
	}
}
