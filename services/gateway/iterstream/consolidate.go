// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package iterstream

import (
	"context"
	"io"
)

// Consolidator folds one element into the accumulator. A non-nil error is
// fatal to the stream (for the pipeline this means a malformed or
// contradictory upstream chunk).
type Consolidator[T, A any] func(acc A, elem T) (A, error)

// DoneCallback receives the final accumulator after source exhaustion.
type DoneCallback[A any] func(ctx context.Context, acc A) error

// DoneStream receives the final accumulator and yields trailing elements
// that are appended to the output stream.
type DoneStream[T, A any] func(ctx context.Context, acc A) (Stream[T], error)

// =============================================================================
// ConsolidateAndCall
// =============================================================================

// ConsolidateAndCall yields every source element unchanged while folding it
// into an accumulator; after the source ends, the callbacks run in order.
//
// # Description
//
// The consumer sees every source element before any callback runs. A
// callback error propagates to the consumer in place of io.EOF, strictly
// after all source elements have been yielded. Callbacks run exactly once.
func ConsolidateAndCall[T, A any](
	src Stream[T],
	fold Consolidator[T, A],
	initial A,
	onDone ...DoneCallback[A],
) Stream[T] {
	acc := initial
	finished := false
	return Func[T](func(ctx context.Context) (T, error) {
		var zero T
		if finished {
			return zero, io.EOF
		}
		v, err := src.Next(ctx)
		if err == io.EOF {
			finished = true
			for _, cb := range onDone {
				if cbErr := cb(ctx, acc); cbErr != nil {
					return zero, cbErr
				}
			}
			return zero, io.EOF
		}
		if err != nil {
			finished = true
			return zero, err
		}
		acc, err = fold(acc, v)
		if err != nil {
			finished = true
			return zero, err
		}
		return v, nil
	})
}

// =============================================================================
// ConsolidateAndYield
// =============================================================================

// ConsolidateAndYield is ConsolidateAndCall with producing callbacks: each
// onDone returns a stream whose elements are appended to the output after
// the source is exhausted, in callback order.
func ConsolidateAndYield[T, A any](
	src Stream[T],
	fold Consolidator[T, A],
	initial A,
	onDone ...DoneStream[T, A],
) Stream[T] {
	c := &consolidateYielder[T, A]{
		src:    src,
		fold:   fold,
		acc:    initial,
		onDone: onDone,
	}
	return Func[T](c.next)
}

type consolidateYielder[T, A any] struct {
	src      Stream[T]
	fold     Consolidator[T, A]
	acc      A
	onDone   []DoneStream[T, A]
	draining bool
	tailIdx  int
	tail     Stream[T]
	failed   bool
}

func (c *consolidateYielder[T, A]) next(ctx context.Context) (T, error) {
	var zero T
	if c.failed {
		return zero, io.EOF
	}
	for {
		if c.draining {
			// Walk the onDone streams in order.
			for {
				if c.tail == nil {
					if c.tailIdx >= len(c.onDone) {
						return zero, io.EOF
					}
					t, err := c.onDone[c.tailIdx](ctx, c.acc)
					c.tailIdx++
					if err != nil {
						c.failed = true
						return zero, err
					}
					c.tail = t
				}
				v, err := c.tail.Next(ctx)
				if err == io.EOF {
					c.tail = nil
					continue
				}
				if err != nil {
					c.failed = true
					return zero, err
				}
				return v, nil
			}
		}

		v, err := c.src.Next(ctx)
		if err == io.EOF {
			c.draining = true
			continue
		}
		if err != nil {
			c.failed = true
			return zero, err
		}
		c.acc, err = c.fold(c.acc, v)
		if err != nil {
			c.failed = true
			return zero, err
		}
		return v, nil
	}
}
