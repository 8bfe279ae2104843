package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/openquant/tickerd/pkg/types"
)

// ErrClosed is returned by writes after Close
var ErrClosed = errors.New("sink closed")

// Sink is the durable destination of the pipeline. Implementations must
// preserve batch order and never reorder events. Write errors are
// classified with Retryable: a retryable error may be retried by the
// caller, anything else is terminal.
type Sink interface {
	// Write persists a batch. The batch is an ordered sequence of events.
	Write(ctx context.Context, batch []types.Event) error

	// Flush forces buffered data to durable storage.
	Flush(ctx context.Context) error

	// Close flushes and releases all resources.
	Close() error
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// MarkRetryable wraps err so Retryable reports true
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Retryable reports whether a Write error may be retried
func Retryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// NullSink discards everything. Used in tests and dry runs.
type NullSink struct{}

func (NullSink) Write(ctx context.Context, batch []types.Event) error { return nil }
func (NullSink) Flush(ctx context.Context) error                      { return nil }
func (NullSink) Close() error                                         { return nil }

// MultiSink fans a batch out to several sinks in order. The first error
// wins; remaining sinks still receive the batch so a failing mirror does
// not starve the durable sink.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out sink
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Write(ctx context.Context, batch []types.Event) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Write(ctx, batch); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *MultiSink) Flush(ctx context.Context) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Flush(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *MultiSink) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = fmt.Errorf("closing sink: %w", err)
		}
	}
	return first
}
