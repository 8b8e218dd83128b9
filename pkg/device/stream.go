// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StreamQueueSize is the number of commands that can be pending in a Stream before Enqueue blocks.
var StreamQueueSize = 256

type command struct {
	name string
	fn   func() error

	// marker commands (events, timers, host callbacks) run even after the stream failed.
	marker bool
}

// Stream is an ordered, single-consumer device command queue.
//
// Commands are executed in submission order on a dedicated goroutine. Enqueue returns as soon as the
// command is queued. The first command that fails puts the stream in an error state: later work commands
// are skipped, new ones are rejected, and the error is reported by Err and BlockHostUntilDone.
//
// Enqueue may be called concurrently, but the order among concurrent callers is undefined.
type Stream struct {
	id uuid.UUID

	muQueue  sync.Mutex
	commands chan command
	closed   bool
	done     chan struct{}

	muErr sync.Mutex
	err   error
}

// NewStream creates a stream and starts its consumer goroutine. Call Close to release it.
func NewStream() *Stream {
	s := &Stream{
		id:       uuid.New(),
		commands: make(chan command, StreamQueueSize),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// ID is the unique identity of the stream.
func (s *Stream) ID() uuid.UUID { return s.id }

// String implements fmt.Stringer.
func (s *Stream) String() string {
	return fmt.Sprintf("stream(%s)", s.id)
}

func (s *Stream) run() {
	defer close(s.done)
	for cmd := range s.commands {
		if !cmd.marker && s.Err() != nil {
			klog.V(3).Infof("%s: skipping %q, stream is in an error state", s, cmd.name)
			continue
		}
		err := runCommand(cmd)
		if err != nil && !cmd.marker {
			s.setErr(errors.WithMessagef(err, "%s: command %q failed", s, cmd.name))
		}
	}
}

// runCommand runs cmd.fn converting panics to errors.
func runCommand(cmd command) (err error) {
	exception := exceptions.Try(func() { err = cmd.fn() })
	if exception != nil {
		if e, ok := exception.(error); ok {
			return errors.WithStack(e)
		}
		return errors.Errorf("panic: %v", exception)
	}
	return err
}

func (s *Stream) setErr(err error) {
	s.muErr.Lock()
	defer s.muErr.Unlock()
	if s.err == nil {
		s.err = err
		klog.V(2).Infof("%s entered error state: %v", s, err)
	}
}

// Err returns the error that put the stream in an error state, or nil if the stream is ok.
func (s *Stream) Err() error {
	s.muErr.Lock()
	defer s.muErr.Unlock()
	return s.err
}

// Ok returns whether the stream is not in an error state.
func (s *Stream) Ok() bool { return s.Err() == nil }

func (s *Stream) enqueue(cmd command) error {
	s.muQueue.Lock()
	defer s.muQueue.Unlock()
	if s.closed {
		return errors.Errorf("%s: cannot enqueue %q, stream is closed", s, cmd.name)
	}
	if !cmd.marker {
		if err := s.Err(); err != nil {
			return errors.WithMessagef(err, "cannot enqueue %q", cmd.name)
		}
	}
	s.commands <- cmd
	return nil
}

// Enqueue schedules fn to run on the stream, after every previously enqueued command.
// It returns without waiting for fn to execute. It fails if the stream is closed or in an error state.
func (s *Stream) Enqueue(name string, fn func() error) error {
	return s.enqueue(command{name: name, fn: fn})
}

// EnqueueHostCallback schedules fn to run once every previously enqueued command finished.
// Callbacks run even if the stream is in an error state.
func (s *Stream) EnqueueHostCallback(name string, fn func()) error {
	return s.enqueue(command{name: name, marker: true, fn: func() error { fn(); return nil }})
}

// RecordEvent returns an Event that triggers once every previously enqueued command finished.
func (s *Stream) RecordEvent() (*Event, error) {
	e := newEvent()
	err := s.enqueue(command{name: "event", marker: true, fn: func() error {
		e.trigger()
		return nil
	}})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// BlockHostUntilDone waits for every enqueued command to finish, and returns the stream error, if any.
func (s *Stream) BlockHostUntilDone() error {
	e, err := s.RecordEvent()
	if err != nil {
		return err
	}
	e.Wait()
	return s.Err()
}

// Close stops accepting commands, waits for pending ones to finish and stops the consumer goroutine.
// It is safe to call Close more than once.
func (s *Stream) Close() {
	s.muQueue.Lock()
	if !s.closed {
		s.closed = true
		close(s.commands)
	}
	s.muQueue.Unlock()
	<-s.done
}

// Event is triggered by the stream when it reaches the point of the queue where the event was recorded.
// Once triggered it never changes state.
type Event struct {
	once sync.Once
	wait chan struct{}
	at   time.Time
}

func newEvent() *Event {
	return &Event{wait: make(chan struct{})}
}

func (e *Event) trigger() {
	e.once.Do(func() {
		e.at = time.Now()
		close(e.wait)
	})
}

// Wait blocks until the event is triggered.
func (e *Event) Wait() { <-e.wait }

// Done returns a channel that is closed when the event triggers, to be used in a `select`.
func (e *Event) Done() <-chan struct{} { return e.wait }

// Test checks whether the event has been triggered.
func (e *Event) Test() bool {
	select {
	case <-e.wait:
		return true
	default:
		return false
	}
}

// Time when the event was triggered. Only valid after it triggered.
func (e *Event) Time() time.Time { return e.at }

// Timer measures the time the stream takes between two points of its queue.
type Timer struct {
	start, stop *Event
}

// StartTimer records the start point of a timer on the stream.
func (s *Stream) StartTimer() (*Timer, error) {
	start, err := s.RecordEvent()
	if err != nil {
		return nil, err
	}
	return &Timer{start: start}, nil
}

// StopTimer records the end point of the timer on the stream.
func (s *Stream) StopTimer(t *Timer) error {
	if t.stop != nil {
		return errors.New("Timer already stopped")
	}
	stop, err := s.RecordEvent()
	if err != nil {
		return err
	}
	t.stop = stop
	return nil
}

// Done returns whether both points of the timer have been reached by the stream.
func (t *Timer) Done() bool {
	return t.stop != nil && t.stop.Test()
}

// Elapsed returns the stream time between the start and stop points.
// It fails if the stream has not reached the stop point yet.
func (t *Timer) Elapsed() (time.Duration, error) {
	if !t.Done() {
		return 0, errors.New("Timer.Elapsed() called before the stream completed the timed commands")
	}
	return t.stop.Time().Sub(t.start.Time()), nil
}
