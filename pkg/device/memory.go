// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device models device-resident memory and ordered device command streams.
//
// Memory lives in host RAM (a flat Go slice per allocation), and a Stream executes its commands in
// submission order on a dedicated goroutine, so the same contracts hold as for an accelerator: work is
// enqueued now and completes later, and completion is only observed through Events or
// Stream.BlockHostUntilDone.
package device

import (
	"fmt"
	"sync/atomic"

	"github.com/gomlx/gemmthunk/pkg/core/dtypes"
	"github.com/pkg/errors"
)

var bufferIDs atomic.Int64

// Buffer is one device allocation: a flat array of elements of a single dtype.
type Buffer struct {
	id     int64
	dtype  dtypes.DType
	flat   any
	length int
}

// NewBuffer allocates a zero-initialized buffer with length elements of dtype.
func NewBuffer(dtype dtypes.DType, length int) (*Buffer, error) {
	if length < 0 {
		return nil, errors.Errorf("device.NewBuffer(%s, %d): negative length", dtype, length)
	}
	flat, err := dtypes.MakeFlat(dtype, length)
	if err != nil {
		return nil, errors.WithMessagef(err, "device.NewBuffer(%s, %d)", dtype, length)
	}
	return &Buffer{id: bufferIDs.Add(1), dtype: dtype, flat: flat, length: length}, nil
}

// FromFlat creates a buffer that takes ownership of the given flat slice (it is not copied).
func FromFlat[T dtypes.Supported](flat []T) *Buffer {
	return &Buffer{
		id:     bufferIDs.Add(1),
		dtype:  dtypes.FromGenericsType[T](),
		flat:   flat,
		length: len(flat),
	}
}

// DType of the elements of the buffer.
func (b *Buffer) DType() dtypes.DType { return b.dtype }

// Len returns the number of elements in the buffer.
func (b *Buffer) Len() int { return b.length }

// Memory returns the memory spanning the whole buffer.
func (b *Buffer) Memory() Memory {
	return Memory{buffer: b, offset: 0, length: b.length}
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	return fmt.Sprintf("buffer#%d(%s x %d)", b.id, b.dtype, b.length)
}

// Memory is a window (offset and length, in elements) into a Buffer: the equivalent of a device address
// plus a size. The zero value is a nil Memory.
type Memory struct {
	buffer         *Buffer
	offset, length int
}

// IsNil returns whether the memory points to nothing.
func (m Memory) IsNil() bool { return m.buffer == nil }

// DType of the underlying buffer.
func (m Memory) DType() dtypes.DType {
	if m.buffer == nil {
		return dtypes.InvalidDType
	}
	return m.buffer.dtype
}

// Len returns the number of elements addressed.
func (m Memory) Len() int { return m.length }

// Buffer returns the underlying allocation.
func (m Memory) Buffer() *Buffer { return m.buffer }

// Offset in elements from the start of the underlying buffer.
func (m Memory) Offset() int { return m.offset }

// Sub returns the window [offset, offset+length) relative to this memory.
func (m Memory) Sub(offset, length int) (Memory, error) {
	if m.buffer == nil {
		return Memory{}, errors.New("Memory.Sub() on nil memory")
	}
	if offset < 0 || length < 0 || offset+length > m.length {
		return Memory{}, errors.Errorf("Memory.Sub(%d, %d) out of bounds of %s", offset, length, m)
	}
	return Memory{buffer: m.buffer, offset: m.offset + offset, length: length}, nil
}

// String implements fmt.Stringer.
func (m Memory) String() string {
	if m.buffer == nil {
		return "memory(nil)"
	}
	return fmt.Sprintf("memory(%s[%d:%d])", m.buffer, m.offset, m.offset+m.length)
}

// Flat returns the elements addressed by m as a Go slice of T.
// It returns an error if the memory is nil or if its dtype doesn't match T.
func Flat[T dtypes.Supported](m Memory) ([]T, error) {
	if m.buffer == nil {
		return nil, errors.New("device.Flat() on nil memory")
	}
	flat, ok := m.buffer.flat.([]T)
	if !ok {
		return nil, errors.Errorf("device.Flat[%s]() on %s: element type mismatch", dtypes.FromGenericsType[T](), m)
	}
	return flat[m.offset : m.offset+m.length], nil
}

// Allocator provides (scratch) device memory.
type Allocator interface {
	Allocate(dtype dtypes.DType, length int) (Memory, error)
}

// HostAllocator allocates each request as a new Buffer.
type HostAllocator struct {
	allocatedBytes atomic.Int64
}

var _ Allocator = &HostAllocator{}

// NewHostAllocator returns a new HostAllocator.
func NewHostAllocator() *HostAllocator {
	return &HostAllocator{}
}

// Allocate implements Allocator.
func (a *HostAllocator) Allocate(dtype dtypes.DType, length int) (Memory, error) {
	buf, err := NewBuffer(dtype, length)
	if err != nil {
		return Memory{}, err
	}
	a.allocatedBytes.Add(int64(length * dtype.Size()))
	return buf.Memory(), nil
}

// AllocatedBytes returns the total number of bytes allocated so far.
func (a *HostAllocator) AllocatedBytes() int64 {
	return a.allocatedBytes.Load()
}

// Slice identifies a range of elements within one of the allocations of an execution: it is what a
// compiled operation holds in place of an address, resolved to Memory only at execution time.
type Slice struct {
	// Index of the allocation.
	Index int

	// Offset and Size in number of elements within the allocation.
	Offset, Size int
}

// String implements fmt.Stringer.
func (s Slice) String() string {
	return fmt.Sprintf("slice{#%d, [%d:%d]}", s.Index, s.Offset, s.Offset+s.Size)
}

// AddressResolver resolves slices into device memory for one execution.
type AddressResolver interface {
	DeviceAddress(slice Slice) (Memory, error)
}

// BufferAllocations is a list of base allocations for one execution, indexed by Slice.Index.
type BufferAllocations struct {
	bases []Memory
}

var _ AddressResolver = &BufferAllocations{}

// NewBufferAllocations returns the resolver for the given base allocations.
func NewBufferAllocations(bases ...Memory) *BufferAllocations {
	return &BufferAllocations{bases: bases}
}

// DeviceAddress implements AddressResolver.
func (a *BufferAllocations) DeviceAddress(slice Slice) (Memory, error) {
	if slice.Index < 0 || slice.Index >= len(a.bases) {
		return Memory{}, errors.Errorf("%s: allocation index out of range, only %d allocations", slice, len(a.bases))
	}
	base := a.bases[slice.Index]
	mem, err := base.Sub(slice.Offset, slice.Size)
	if err != nil {
		return Memory{}, errors.WithMessagef(err, "resolving %s", slice)
	}
	return mem, nil
}
