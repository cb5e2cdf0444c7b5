package backend

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Plumbing holds every pipe of a pipeline while its stages are spawned.
//
// Only the first stage's stdin and the last stage's stdout are exposed to the
// orchestrator; adjacent stages share private pipes and every stage writes
// its stderr into the same shared pipe. Each pipe end is closed in the parent
// as soon as the stage that needed it has been spawned; a leaked write end
// keeps the relay from ever seeing end-of-stream.
type Plumbing struct {
	stdin  [2]int
	stdout [2]int
	stderr [2]int
	links  [][2]int
}

// NewPlumbing creates all pipes for a pipeline of n stages. Every descriptor
// is close-on-exec, so sibling stages never inherit each other's ends.
func NewPlumbing(n int) (*Plumbing, error) {
	if n < 1 {
		return nil, errors.New("pipeline needs at least one stage")
	}
	p := &Plumbing{
		stdin:  [2]int{-1, -1},
		stdout: [2]int{-1, -1},
		stderr: [2]int{-1, -1},
		links:  make([][2]int, n-1),
	}
	for i := range p.links {
		p.links[i] = [2]int{-1, -1}
	}
	all := []*[2]int{&p.stdin, &p.stdout, &p.stderr}
	for i := range p.links {
		all = append(all, &p.links[i])
	}
	for _, fds := range all {
		if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
			p.Close()
			return nil, errors.Wrap(err, "create pipe")
		}
	}
	return p, nil
}

// Stages is the number of stages the plumbing was built for.
func (p *Plumbing) Stages() int { return len(p.links) + 1 }

// StageFDs returns the descriptors stage i must see as stdin, stdout and
// stderr.
func (p *Plumbing) StageFDs(i int) [3]int {
	in := p.stdin[0]
	if i > 0 {
		in = p.links[i-1][0]
	}
	out := p.stdout[1]
	if i < len(p.links) {
		out = p.links[i][1]
	}
	return [3]int{in, out, p.stderr[1]}
}

// Spawned closes the ends only stage i needed. Stages must be spawned in
// order.
func (p *Plumbing) Spawned(i int) {
	if i == 0 {
		closeEnd(&p.stdin[0])
	} else {
		closeEnd(&p.links[i-1][0])
	}
	if i < len(p.links) {
		closeEnd(&p.links[i][1])
	} else {
		closeEnd(&p.stdout[1])
	}
}

// Finish drops the parent's copy of the shared stderr write end and hands the
// orchestrator its three ends. The plumbing no longer owns them.
func (p *Plumbing) Finish() (stdin, stdout, stderr int) {
	closeEnd(&p.stderr[1])
	stdin, stdout, stderr = p.stdin[1], p.stdout[0], p.stderr[0]
	p.stdin[1], p.stdout[0], p.stderr[0] = -1, -1, -1
	return stdin, stdout, stderr
}

// Close releases every descriptor still owned.
func (p *Plumbing) Close() {
	for _, fds := range []*[2]int{&p.stdin, &p.stdout, &p.stderr} {
		closeEnd(&fds[0])
		closeEnd(&fds[1])
	}
	for i := range p.links {
		closeEnd(&p.links[i][0])
		closeEnd(&p.links[i][1])
	}
}

func closeEnd(fd *int) {
	if *fd >= 0 {
		_ = unix.Close(*fd)
		*fd = -1
	}
}

// CloseFD closes fd if it is valid. It is used on handle cleanup.
func CloseFD(fd *int) { closeEnd(fd) }
