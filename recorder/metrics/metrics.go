// Package metrics exports pipeline activity as Prometheus metrics.
package metrics

import (
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"conduit/core/command"
	"conduit/core/recorder"
)

// Metrics holds the collectors shared by every invocation it records.
type Metrics struct {
	runs     *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	stages   prometheus.Histogram
	duration prometheus.Histogram
	inFlight prometheus.Gauge

	now func() time.Time
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_pipeline_runs_total",
				Help: "Pipelines that ran to completion, by terminal exit status.",
			},
			[]string{"status"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_stream_bytes_total",
				Help: "Bytes relayed between the orchestrator and its pipelines.",
			},
			[]string{"stream"},
		),
		stages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conduit_pipeline_stages",
			Help:    "Number of stages per pipeline.",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 16},
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conduit_pipeline_duration_seconds",
			Help:    "Time from spawning a pipeline until its last stage was reaped.",
			Buckets: prometheus.DefBuckets,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_pipelines_in_flight",
			Help: "Pipelines currently running.",
		}),
		now: time.Now,
	}
	for _, c := range []prometheus.Collector{m.runs, m.bytes, m.stages, m.duration, m.inFlight} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register pipeline metrics")
		}
	}
	return m, nil
}

// Recorder returns a recorder for a single invocation.
func (m *Metrics) Recorder() recorder.Recorder {
	return &invocation{m: m}
}

type invocation struct {
	m       *Metrics
	started time.Time
	running bool
}

func (i *invocation) RecordCommands(p command.Pipeline) {
	i.started = i.m.now()
	i.running = true
	i.m.inFlight.Inc()
	i.m.stages.Observe(float64(len(p)))
}

func (i *invocation) RecordStdin(chunk []byte)  { i.m.bytes.WithLabelValues("stdin").Add(float64(len(chunk))) }
func (i *invocation) RecordStdout(chunk []byte) { i.m.bytes.WithLabelValues("stdout").Add(float64(len(chunk))) }
func (i *invocation) RecordStderr(chunk []byte) { i.m.bytes.WithLabelValues("stderr").Add(float64(len(chunk))) }

func (i *invocation) RecordStatus(status int) {
	i.m.runs.WithLabelValues(strconv.Itoa(status)).Inc()
	if !i.running {
		return
	}
	i.running = false
	i.m.inFlight.Dec()
	i.m.duration.Observe(i.m.now().Sub(i.started).Seconds())
}

// WriteText writes everything g gathers in the Prometheus text format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return errors.Wrap(err, "gather metrics")
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return errors.Wrapf(err, "write metric %s", mf.GetName())
		}
	}
	return nil
}
