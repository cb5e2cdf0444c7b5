package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
)

var (
	// ErrEmptyPipeline is returned when a pipeline has no stages.
	ErrEmptyPipeline = errors.New("pipeline has no commands")
	// ErrEmptyCommand is returned when a stage has no program.
	ErrEmptyCommand = errors.New("command has no program")
)

// Command is one program invocation. Each element is passed verbatim as one
// OS-level argument; element 0 is the program and is also used as argv[0].
type Command []string

// Program returns the program name as written by the caller.
func (c Command) Program() string {
	if len(c) == 0 {
		return ""
	}
	return c[0]
}

// String renders the command as a copy-pasteable shell word list.
func (c Command) String() string {
	return shellquote.Join(c...)
}

// Pipeline is an ordered chain of commands. Stage i's stdout feeds stage
// i+1's stdin; only the last stage's exit status counts.
type Pipeline []Command

// New builds a pipeline from its stages.
func New(cmds ...Command) Pipeline {
	return Pipeline(cmds)
}

// Validate reports whether the pipeline can be started.
func (p Pipeline) Validate() error {
	if len(p) == 0 {
		return ErrEmptyPipeline
	}
	for i, cmd := range p {
		if len(cmd) == 0 || cmd[0] == "" {
			return fmt.Errorf("stage %d: %w", i, ErrEmptyCommand)
		}
		for _, arg := range cmd {
			if strings.IndexByte(arg, 0) >= 0 {
				return fmt.Errorf("stage %d: argument contains NUL byte", i)
			}
		}
	}
	return nil
}

// Terminal returns the last stage.
func (p Pipeline) Terminal() Command {
	if len(p) == 0 {
		return nil
	}
	return p[len(p)-1]
}

// Clone deep-copies the pipeline so callers can keep mutating their slices.
func (p Pipeline) Clone() Pipeline {
	out := make(Pipeline, len(p))
	for i, cmd := range p {
		out[i] = append(Command(nil), cmd...)
	}
	return out
}

// String renders the pipeline as a shell-safe string joined with " | ".
func (p Pipeline) String() string {
	parts := make([]string, len(p))
	for i, cmd := range p {
		parts[i] = cmd.String()
	}
	return strings.Join(parts, " | ")
}

// Parse splits a shell-style word list into a command without running a
// shell. Quotes and backslashes are honoured; nothing is expanded.
func Parse(line string) (Command, error) {
	words, err := shellquote.Split(line)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", line, err)
	}
	if len(words) == 0 {
		return nil, ErrEmptyCommand
	}
	return Command(words), nil
}

// ParsePipeline parses every line with Parse.
func ParsePipeline(lines ...string) (Pipeline, error) {
	p := make(Pipeline, 0, len(lines))
	for _, line := range lines {
		cmd, err := Parse(line)
		if err != nil {
			return nil, err
		}
		p = append(p, cmd)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Split cuts an argv list into stages at every element equal to sep.
func Split(args []string, sep string) (Pipeline, error) {
	var (
		p   Pipeline
		cur Command
	)
	for _, arg := range args {
		if arg == sep {
			p = append(p, cur)
			cur = nil
			continue
		}
		cur = append(cur, arg)
	}
	p = append(p, cur)
	if len(args) == 0 {
		return nil, ErrEmptyPipeline
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
