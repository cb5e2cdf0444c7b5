// Package batch runs independent pipelines described in a YAML job file.
package batch

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"conduit/config"
	"conduit/core/command"
	"conduit/core/execution"
	"conduit/core/recorder"
	"conduit/core/stream"
	"conduit/pool"
)

// File is a job file.
type File struct {
	// Concurrency overrides config.Config.Concurrency when positive.
	Concurrency int   `yaml:"concurrency"`
	Jobs        []Job `yaml:"jobs"`
}

// Job is one pipeline. Each Pipeline entry is a command line split with
// shell-style quoting; it is never run through a shell.
type Job struct {
	Name                string            `yaml:"name"`
	Pipeline            []string          `yaml:"pipeline"`
	Stdin               *string           `yaml:"stdin"`
	Env                 map[string]string `yaml:"env"`
	Unset               []string          `yaml:"unset"`
	Dir                 string            `yaml:"dir"`
	AllowedExitStatuses []string          `yaml:"allowed_exit_statuses"`
}

// Outcome is the result of one job. Stdout and Stderr are always captured.
type Outcome struct {
	Job    Job
	Result *execution.ExecutionResult
	Err    error
}

// Load reads and validates a job file.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, errors.Wrap(err, "read job file")
	}
	f, err := Parse(data)
	return f, errors.Wrapf(err, "job file %s", path)
}

func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, err
	}
	if len(f.Jobs) == 0 {
		return File{}, errors.New("no jobs")
	}
	seen := map[string]bool{}
	for i, job := range f.Jobs {
		if job.Name == "" {
			return File{}, errors.Errorf("job %d: name required", i)
		}
		if strings.ContainsAny(job.Name, "/\x00") || job.Name == "." || job.Name == ".." {
			return File{}, errors.Errorf("job %q: name must be usable as a file name", job.Name)
		}
		if seen[job.Name] {
			return File{}, errors.Errorf("job %q defined twice", job.Name)
		}
		seen[job.Name] = true
		if _, err := job.Commands(); err != nil {
			return File{}, errors.Wrapf(err, "job %q", job.Name)
		}
		if _, err := config.ParseExitStatuses(job.AllowedExitStatuses); err != nil {
			return File{}, errors.Wrapf(err, "job %q", job.Name)
		}
	}
	return f, nil
}

// Commands parses the job's pipeline.
func (j Job) Commands() (command.Pipeline, error) {
	return command.ParsePipeline(j.Pipeline...)
}

// Options layers the job's settings over base. Job env entries win over
// base entries with the same name.
func (j Job) Options(base execution.Options) (execution.Options, error) {
	opts := base
	opts.Env = make(map[string]string, len(base.Env)+len(j.Env))
	for k, v := range base.Env {
		opts.Env[k] = v
	}
	for k, v := range j.Env {
		opts.Env[k] = v
	}
	opts.Unset = append(append([]string(nil), base.Unset...), j.Unset...)
	if j.Dir != "" {
		opts.Dir = j.Dir
	}
	if len(j.AllowedExitStatuses) > 0 {
		allowed, err := config.ParseExitStatuses(j.AllowedExitStatuses)
		if err != nil {
			return opts, err
		}
		opts.AllowedExitStatuses = execution.AllowAny(base.AllowedExitStatuses, allowed)
	}
	opts.Stdin = stream.None()
	if j.Stdin != nil {
		opts.Stdin = stream.FromString(*j.Stdin)
	}
	opts.Stdout = stream.Capture()
	opts.Stderr = stream.Capture()
	return opts, nil
}

// Runner runs jobs through Engine, at most Pool.Size() at a time.
type Runner struct {
	Engine execution.Engine
	Pool   *pool.Pool
	// Base holds defaults shared by every job.
	Base execution.Options
	// Recorder, when set, supplies a fresh recorder per job.
	Recorder func(Job) recorder.Recorder
}

// Run executes every job and returns their outcomes in file order. A failing
// job does not stop the others; cancelling ctx does.
func (r Runner) Run(ctx context.Context, jobs []Job) []Outcome {
	p := r.Pool
	if p == nil {
		p = pool.New(1)
	}
	outcomes := make([]Outcome, len(jobs))
	done := make([]<-chan error, len(jobs))
	for i, job := range jobs {
		i, job := i, job
		outcomes[i].Job = job
		done[i] = p.Go(ctx, func(ctx context.Context) error {
			res, err := r.runJob(ctx, job)
			outcomes[i].Result = res
			return err
		})
	}
	for i, ch := range done {
		outcomes[i].Err = <-ch
	}
	p.Wait()
	return outcomes
}

func (r Runner) runJob(ctx context.Context, job Job) (*execution.ExecutionResult, error) {
	p, err := job.Commands()
	if err != nil {
		return nil, err
	}
	opts, err := job.Options(r.Base)
	if err != nil {
		return nil, err
	}
	if r.Recorder != nil {
		opts.Recorder = r.Recorder(job)
	}
	return r.Engine.Run(ctx, p, opts)
}
