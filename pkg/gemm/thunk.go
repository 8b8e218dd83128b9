// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gemmthunk/pkg/blas"
	"github.com/gomlx/gemmthunk/pkg/device"
	"github.com/gomlx/gemmthunk/pkg/profiler"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of a Thunk.
type State int

const (
	// StateCreated means the thunk has its buffers and configuration bound, but was never executed.
	StateCreated State = iota

	// StateExecuting means addresses are being resolved and the GEMM issued.
	StateExecuting

	// StateCompleted means the last execution was enqueued successfully.
	StateCompleted

	// StateFailed means the last execution failed: see Thunk.Err.
	StateFailed
)

var stateNames = [...]string{"Created", "Executing", "Completed", "Failed"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ExecuteParams are provided by the execution engine for each execution of a Thunk.
type ExecuteParams struct {
	// Stream where to enqueue the GEMM. Required.
	Stream *device.Stream

	// Buffers resolves the slices bound to the thunk to device memory. Required.
	Buffers device.AddressResolver

	// Profiler is optional.
	Profiler profiler.Profiler

	// Scratch is optional: it is used to allocate temporary outputs for autotuning when beta != 0.
	Scratch device.Allocator
}

// Thunk is the execution unit of one GEMM instruction: it binds a validated Config to the slices of the
// buffers holding its operands, and issues the GEMM on a stream each time it is executed.
//
// A Thunk performs no locking: it must not be executed concurrently. A failed execution is not retried.
type Thunk struct {
	name                string
	cfg                 *Config
	lhs, rhs, output    device.Slice
	backend             blas.Backend
	autotuner           *Autotuner
	implementsWholeInst bool

	state State
	err   error
}

// ThunkOption configures a Thunk.
type ThunkOption func(t *Thunk)

// WithAutotuner sets the autotuner used by the thunk, to share its cache among thunks.
// By default each thunk creates its own with DefaultOptions.
func WithAutotuner(autotuner *Autotuner) ThunkOption {
	return func(t *Thunk) { t.autotuner = autotuner }
}

// WithWholeInstruction sets whether the thunk implements the whole instruction, in which case
// executions are attributed to it when profiling. Default is true.
func WithWholeInstruction(whole bool) ThunkOption {
	return func(t *Thunk) { t.implementsWholeInst = whole }
}

// NewThunk creates a Thunk in StateCreated.
//
// The name identifies the instruction for profiling and logging. It panics if cfg or backend are nil.
func NewThunk(name string, cfg *Config, lhs, rhs, output device.Slice, backend blas.Backend, opts ...ThunkOption) *Thunk {
	if cfg == nil || backend == nil {
		exceptions.Panicf("gemm.NewThunk(%q): configuration and backend must be given", name)
	}
	t := &Thunk{
		name:                name,
		cfg:                 cfg,
		lhs:                 lhs,
		rhs:                 rhs,
		output:              output,
		backend:             backend,
		implementsWholeInst: true,
		state:               StateCreated,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.autotuner == nil {
		t.autotuner = NewAutotuner(backend, DefaultOptions())
	}
	return t
}

// Name of the thunk.
func (t *Thunk) Name() string { return t.name }

// Config returns the GEMM configuration. It must not be modified.
func (t *Thunk) Config() *Config { return t.cfg }

// State returns the current state of the thunk.
func (t *Thunk) State() State { return t.state }

// Err returns the error of the last execution if it failed, or nil.
func (t *Thunk) Err() error { return t.err }

// String implements fmt.Stringer.
func (t *Thunk) String() string {
	return fmt.Sprintf("GemmThunk(%q, %s)", t.name, t.state)
}

// Execute resolves the addresses of the operands and enqueues the GEMM on params.Stream.
//
// It returns once the GEMM is enqueued, not when it completes: completion is observed on the stream.
// On error the thunk moves to StateFailed, and the error is also available with Err.
func (t *Thunk) Execute(params ExecuteParams) error {
	t.state = StateExecuting
	t.err = t.execute(params)
	if t.err != nil {
		t.state = StateFailed
		klog.V(2).Infof("%s failed: %v", t, t.err)
		return t.err
	}
	t.state = StateCompleted
	return nil
}

func (t *Thunk) execute(params ExecuteParams) error {
	if params.Stream == nil || params.Buffers == nil {
		return errors.Errorf("%s: execution requires a stream and a buffer address resolver", t)
	}
	slices := []struct {
		name  string
		slice device.Slice
	}{{"lhs", t.lhs}, {"rhs", t.rhs}, {"output", t.output}}
	memories := make([]device.Memory, len(slices))
	for ii, s := range slices {
		mem, err := params.Buffers.DeviceAddress(s.slice)
		if err != nil {
			return errors.WithMessagef(err, "%s: resolving %s buffer %s", t, s.name, s.slice)
		}
		memories[ii] = mem
	}
	if klog.V(3).Enabled() {
		klog.Infof("%s: executing %s on %s", t, t.cfg, params.Stream)
	}
	return RunGemm(t.cfg, memories[0], memories[1], memories[2], params.Stream, t.backend, RunOptions{
		Autotuner:        t.autotuner,
		Scratch:          params.Scratch,
		Profiler:         params.Profiler,
		WholeInstruction: t.implementsWholeInst,
		Name:             t.name,
	})
}
