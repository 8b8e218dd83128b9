// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package profiler defines the optional profiling sink used around thunk executions.
//
// A Profiler only observes: it is never required for correctness, and a nil Profiler is valid
// everywhere one is accepted.
package profiler

import (
	"sort"
	"sync"
	"time"

	"github.com/gomlx/gemmthunk/pkg/device"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
)

// Unattributed is the instruction name used for timings not attributed to any instruction.
const Unattributed = ""

// Profiler opens timing scopes around executions.
type Profiler interface {
	// Begin opens a scope for an execution on the given stream. If instruction is Unattributed the time
	// is accounted for the whole computation only.
	Begin(stream *device.Stream, instruction string) Scope
}

// Scope is closed with End once the execution is enqueued.
type Scope interface {
	End()
}

// Begin opens a scope on p, or returns a no-op scope if p is nil.
func Begin(p Profiler, stream *device.Stream, instruction string) Scope {
	if p == nil {
		return noopScope{}
	}
	return p.Begin(stream, instruction)
}

// Multi returns a Profiler that forwards to all the given profilers. nil entries are skipped.
func Multi(profilers ...Profiler) Profiler {
	return multi(lo.Filter(profilers, func(p Profiler, _ int) bool { return p != nil }))
}

type multi []Profiler

func (m multi) Begin(stream *device.Stream, instruction string) Scope {
	scopes := make(multiScope, len(m))
	for ii, p := range m {
		scopes[ii] = p.Begin(stream, instruction)
	}
	return scopes
}

type multiScope []Scope

// End closes the scopes in reverse order.
func (m multiScope) End() {
	for ii := len(m) - 1; ii >= 0; ii-- {
		m[ii].End()
	}
}

type noopScope struct{}

func (noopScope) End() {}

// Recorder accumulates timings in memory. It is safe for concurrent use.
type Recorder struct {
	mu           sync.Mutex
	total        time.Duration
	executions   int
	instructions map[string]*InstructionStats
}

// InstructionStats holds the timings of one instruction.
type InstructionStats struct {
	Name       string
	Executions int
	Total      time.Duration
}

var _ Profiler = &Recorder{}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{instructions: make(map[string]*InstructionStats)}
}

type recorderScope struct {
	r           *Recorder
	instruction string
	start       time.Time
}

// Begin implements Profiler.
func (r *Recorder) Begin(_ *device.Stream, instruction string) Scope {
	return &recorderScope{r: r, instruction: instruction, start: time.Now()}
}

func (s *recorderScope) End() {
	elapsed := time.Since(s.start)
	r := s.r
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total += elapsed
	r.executions++
	if s.instruction == Unattributed {
		return
	}
	stats, found := r.instructions[s.instruction]
	if !found {
		stats = &InstructionStats{Name: s.instruction}
		r.instructions[s.instruction] = stats
	}
	stats.Executions++
	stats.Total += elapsed
}

// Total returns the number of executions recorded and their accumulated time.
func (r *Recorder) Total() (executions int, total time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executions, r.total
}

// Instructions returns a copy of the per-instruction stats, sorted by name.
func (r *Recorder) Instructions() []InstructionStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := make([]InstructionStats, 0, len(r.instructions))
	for _, s := range r.instructions {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Prometheus exports timings as Prometheus metrics.
type Prometheus struct {
	executions prometheus.Counter
	seconds    *prometheus.HistogramVec
}

var _ Profiler = &Prometheus{}

// NewPrometheus registers the metrics with reg (prometheus.DefaultRegisterer if nil).
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Prometheus{
		executions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gemmthunk",
			Name:      "executions_total",
			Help:      "Number of profiled executions, attributed or not to an instruction.",
		}),
		seconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gemmthunk",
			Name:      "instruction_seconds",
			Help:      "Host time spent executing (enqueuing) an instruction.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"instruction"}),
	}
}

type prometheusScope struct {
	p           *Prometheus
	instruction string
	start       time.Time
}

// Begin implements Profiler.
func (p *Prometheus) Begin(_ *device.Stream, instruction string) Scope {
	return &prometheusScope{p: p, instruction: instruction, start: time.Now()}
}

func (s *prometheusScope) End() {
	s.p.executions.Inc()
	if s.instruction != Unattributed {
		s.p.seconds.WithLabelValues(s.instruction).Observe(time.Since(s.start).Seconds())
	}
}
