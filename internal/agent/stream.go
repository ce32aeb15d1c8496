// Package agent hosts the per-turn event machinery: the single-producer
// event stream with its result future, the subscriber state machine that
// folds provider events into assistant output, and the turn runner.
package agent

import (
	"context"
	"errors"
	"sync"
)

// ErrNoResult is returned by Result when the stream ended without one.
var ErrNoResult = errors.New("agent: stream ended without a result")

// Stream is a FIFO sequence of events with an attached one-shot result
// future. One producer pushes; any number of consumers iterate. A configured
// completion predicate lets a push resolve the result as a side effect.
// Pushes after End are dropped.
type Stream[T, R any] struct {
	// IsComplete decides whether a pushed event resolves the result.
	IsComplete func(T) bool
	// ExtractResult derives the result from a completing event.
	ExtractResult func(T) R

	mu        sync.Mutex
	queue     []T
	closed    bool
	notify    chan struct{}
	result    R
	hasResult bool
	resultCh  chan struct{}
}

// NewStream creates an open stream. The predicate and extractor may be nil,
// in which case only End resolves the result.
func NewStream[T, R any](isComplete func(T) bool, extractResult func(T) R) *Stream[T, R] {
	return &Stream[T, R]{
		IsComplete:    isComplete,
		ExtractResult: extractResult,
		notify:        make(chan struct{}),
		resultCh:      make(chan struct{}),
	}
}

// Push enqueues an event. Returns false when the stream has ended and the
// event was dropped.
func (s *Stream[T, R]) Push(event T) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, event)
	if !s.hasResult && s.IsComplete != nil && s.IsComplete(event) {
		if s.ExtractResult != nil {
			s.result = s.ExtractResult(event)
		}
		s.hasResult = true
		close(s.resultCh)
	}
	s.wakeLocked()
	s.mu.Unlock()
	return true
}

// End closes the stream, optionally resolving the result, and wakes all
// iterators. Ending twice is a no-op.
func (s *Stream[T, R]) End(result *R) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if result != nil && !s.hasResult {
		s.result = *result
		s.hasResult = true
	}
	select {
	case <-s.resultCh:
	default:
		close(s.resultCh)
	}
	s.wakeLocked()
}

// Next yields the next event, suspending until one arrives, the stream
// ends, or ctx is done. The second return is false when iteration is over.
func (s *Stream[T, R]) Next(ctx context.Context) (T, bool) {
	var zero T
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			event := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return event, true
		}
		if s.closed {
			s.mu.Unlock()
			return zero, false
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, false
		}
	}
}

// Result awaits the result future independently of iteration.
func (s *Stream[T, R]) Result(ctx context.Context) (R, error) {
	var zero R
	select {
	case <-s.resultCh:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasResult {
		return zero, ErrNoResult
	}
	return s.result, nil
}

// Ended reports whether End has been called.
func (s *Stream[T, R]) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream[T, R]) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}
