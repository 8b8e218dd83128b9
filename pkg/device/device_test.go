// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gemmthunk/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	buf := FromFlat([]float32{0, 1, 2, 3, 4, 5})
	require.Equal(t, dtypes.Float32, buf.DType())
	mem := buf.Memory()
	require.Equal(t, 6, mem.Len())

	sub, err := mem.Sub(2, 3)
	require.NoError(t, err)
	flat, err := Flat[float32](sub)
	require.NoError(t, err)
	require.Equal(t, []float32{2, 3, 4}, flat)

	// Writes through the window are visible on the buffer.
	flat[0] = 20
	full, err := Flat[float32](mem)
	require.NoError(t, err)
	require.Equal(t, float32(20), full[2])

	_, err = Flat[float64](sub)
	require.Error(t, err)
	_, err = mem.Sub(4, 3)
	require.Error(t, err)
	_, err = Flat[float32](Memory{})
	require.Error(t, err)
	require.True(t, Memory{}.IsNil())
}

func TestBufferAllocations(t *testing.T) {
	a := NewHostAllocator()
	lhs, err := a.Allocate(dtypes.Float64, 12)
	require.NoError(t, err)
	rhs, err := a.Allocate(dtypes.Float64, 8)
	require.NoError(t, err)
	require.Equal(t, int64(20*8), a.AllocatedBytes())

	allocs := NewBufferAllocations(lhs, rhs)
	mem, err := allocs.DeviceAddress(Slice{Index: 1, Offset: 2, Size: 6})
	require.NoError(t, err)
	require.Equal(t, 6, mem.Len())
	require.Equal(t, 2, mem.Offset())
	require.Same(t, rhs.Buffer(), mem.Buffer())

	_, err = allocs.DeviceAddress(Slice{Index: 2, Size: 1})
	require.Error(t, err)
	_, err = allocs.DeviceAddress(Slice{Index: 0, Offset: 10, Size: 3})
	require.Error(t, err)

	_, err = a.Allocate(dtypes.BFloat16, 4)
	require.Error(t, err)
}

func TestStreamOrdering(t *testing.T) {
	s := NewStream()
	defer s.Close()

	var mu sync.Mutex
	var order []int
	for ii := range 100 {
		require.NoError(t, s.Enqueue("append", func() error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, ii)
			return nil
		}))
	}
	require.NoError(t, s.BlockHostUntilDone())
	require.Len(t, order, 100)
	for ii, v := range order {
		require.Equal(t, ii, v)
	}
}

func TestStreamErrorState(t *testing.T) {
	s := NewStream()
	defer s.Close()

	ranAfterFailure := false
	require.NoError(t, s.Enqueue("fail", func() error { return errors.New("boom") }))
	require.NoError(t, s.Enqueue("skipped", func() error { ranAfterFailure = true; return nil }))
	callbackRan := make(chan struct{})
	require.NoError(t, s.EnqueueHostCallback("callback", func() { close(callbackRan) }))

	err := s.BlockHostUntilDone()
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
	require.Contains(t, err.Error(), s.ID().String())
	require.False(t, ranAfterFailure)
	<-callbackRan
	require.False(t, s.Ok())

	// New work is rejected.
	require.Error(t, s.Enqueue("rejected", func() error { return nil }))
}

func TestStreamPanicBecomesError(t *testing.T) {
	s := NewStream()
	defer s.Close()
	require.NoError(t, s.Enqueue("panics", func() error { panic("blas: bad ld") }))
	err := s.BlockHostUntilDone()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blas: bad ld")
}

func TestStreamTimer(t *testing.T) {
	s := NewStream()
	defer s.Close()

	timer, err := s.StartTimer()
	require.NoError(t, err)
	require.NoError(t, s.Enqueue("sleep", func() error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}))
	require.NoError(t, s.StopTimer(timer))
	require.Error(t, s.StopTimer(timer))
	require.NoError(t, s.BlockHostUntilDone())
	require.True(t, timer.Done())
	elapsed, err := timer.Elapsed()
	require.NoError(t, err)
	require.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
}

func TestStreamClose(t *testing.T) {
	s := NewStream()
	done := false
	require.NoError(t, s.Enqueue("work", func() error { done = true; return nil }))
	s.Close()
	require.True(t, done)
	s.Close()
	require.Error(t, s.Enqueue("late", func() error { return nil }))
	_, err := s.RecordEvent()
	require.Error(t, err)
}
