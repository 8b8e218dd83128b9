// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package profiler

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	Begin(r, nil, "dot.1").End()
	Begin(r, nil, "dot.1").End()
	Begin(r, nil, Unattributed).End()
	Begin(r, nil, "dot.2").End()

	executions, _ := r.Total()
	require.Equal(t, 4, executions)
	stats := r.Instructions()
	require.Len(t, stats, 2)
	require.Equal(t, "dot.1", stats[0].Name)
	require.Equal(t, 2, stats[0].Executions)
	require.Equal(t, "dot.2", stats[1].Name)

	// nil profiler is a no-op.
	Begin(nil, nil, "dot.1").End()
}

func TestPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)
	Begin(p, nil, "dot.1").End()
	Begin(p, nil, Unattributed).End()
	require.Equal(t, float64(2), testutil.ToFloat64(p.executions))
	require.Equal(t, 1, testutil.CollectAndCount(p.seconds))
}

func TestMulti(t *testing.T) {
	r1, r2 := NewRecorder(), NewRecorder()
	p := Multi(r1, nil, r2)
	Begin(p, nil, "dot.1").End()
	for _, r := range []*Recorder{r1, r2} {
		executions, _ := r.Total()
		require.Equal(t, 1, executions)
		require.Len(t, r.Instructions(), 1)
	}
}
