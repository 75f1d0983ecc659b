// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package iterstream provides the lazy stream combinators the inference
// pipeline is assembled from.
//
// # Description
//
// Each pipeline stage is a Stream[T]: a pull-based producer whose Next
// returns io.EOF at exhaustion. Combinators own their upstream producer and
// maintain their own state; composing them preserves the one property the
// pipeline depends on: lazy evaluation with in-order observation of every
// element by every stage. For any element E emitted by a source, all
// elements emitted before E have already been forwarded to the sink, and
// consolidators and on-done callbacks observe elements in source order.
//
// # Thread Safety
//
// A stream is pulled by exactly one consumer. Individual streams are not
// safe for concurrent Next calls.
package iterstream

import (
	"context"
	"io"
)

// Stream is a pull-based async sequence. Next blocks until an element is
// available, the stream ends (io.EOF), or the context is done.
type Stream[T any] interface {
	Next(ctx context.Context) (T, error)
}

// Func adapts a closure to a Stream.
type Func[T any] func(ctx context.Context) (T, error)

// Next implements Stream.
func (f Func[T]) Next(ctx context.Context) (T, error) { return f(ctx) }

// =============================================================================
// Sources
// =============================================================================

// FromSlice yields the elements of s in order, then io.EOF.
func FromSlice[T any](s []T) Stream[T] {
	i := 0
	return Func[T](func(ctx context.Context) (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if i >= len(s) {
			return zero, io.EOF
		}
		v := s[i]
		i++
		return v, nil
	})
}

// Empty yields io.EOF immediately.
func Empty[T any]() Stream[T] {
	return Func[T](func(ctx context.Context) (T, error) {
		var zero T
		return zero, io.EOF
	})
}

// =============================================================================
// Transforms
// =============================================================================

// Map yields fn(e) for each source element e. A fn error aborts the stream.
func Map[T, U any](src Stream[T], fn func(T) (U, error)) Stream[U] {
	return Func[U](func(ctx context.Context) (U, error) {
		var zero U
		v, err := src.Next(ctx)
		if err != nil {
			return zero, err
		}
		return fn(v)
	})
}

// Tap yields every element unchanged, calling fn on each as it passes.
// A fn error aborts the stream.
func Tap[T any](src Stream[T], fn func(T) error) Stream[T] {
	return Func[T](func(ctx context.Context) (T, error) {
		v, err := src.Next(ctx)
		if err != nil {
			return v, err
		}
		if err := fn(v); err != nil {
			var zero T
			return zero, err
		}
		return v, nil
	})
}

// Prepend yields first, then everything from src.
func Prepend[T any](first T, src Stream[T]) Stream[T] {
	emitted := false
	return Func[T](func(ctx context.Context) (T, error) {
		if !emitted {
			emitted = true
			return first, nil
		}
		return src.Next(ctx)
	})
}

// Concat yields all elements of each stream in order.
func Concat[T any](streams ...Stream[T]) Stream[T] {
	i := 0
	return Func[T](func(ctx context.Context) (T, error) {
		var zero T
		for i < len(streams) {
			v, err := streams[i].Next(ctx)
			if err == io.EOF {
				i++
				continue
			}
			return v, err
		}
		return zero, io.EOF
	})
}

// =============================================================================
// Sinks
// =============================================================================

// Collect drains the stream into a slice. Returns elements received before
// the first non-EOF error along with that error.
func Collect[T any](ctx context.Context, src Stream[T]) ([]T, error) {
	var out []T
	for {
		v, err := src.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}

// Drain consumes the stream, discarding elements.
func Drain[T any](ctx context.Context, src Stream[T]) error {
	for {
		if _, err := src.Next(ctx); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
