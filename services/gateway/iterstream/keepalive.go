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
	"time"
)

// EmitKeepAlive races the source against a cadence timer.
//
// # Description
//
// Each Next call waits up to timeout for the next source element; when the
// timer wins, sentinel() is emitted instead and the race relaunches. The
// source is pumped by a single goroutine so a slow Next survives across
// races. Sentinels only ever appear between source elements, never after
// the final one: once the pump reports exhaustion the stream ends without
// further sentinels.
//
// # Limitations
//
//   - The pump goroutine exits when the source ends or errors, or when the
//     pump context is cancelled; it is not restartable.
func EmitKeepAlive[T any](src Stream[T], timeout time.Duration, sentinel func() T) Stream[T] {
	k := &keepAliver[T]{
		src:      src,
		timeout:  timeout,
		sentinel: sentinel,
	}
	return Func[T](k.next)
}

type pumpResult[T any] struct {
	v   T
	err error
}

type keepAliver[T any] struct {
	src      Stream[T]
	timeout  time.Duration
	sentinel func() T
	items    chan pumpResult[T]
	done     bool
	finalErr error
}

func (k *keepAliver[T]) next(ctx context.Context) (T, error) {
	var zero T
	if k.done {
		return zero, k.finalErr
	}
	if k.items == nil {
		// Buffered by one so the pump is never blocked on a consumer that
		// is busy writing a sentinel.
		k.items = make(chan pumpResult[T], 1)
		go k.pump(ctx)
	}

	timer := time.NewTimer(k.timeout)
	defer timer.Stop()

	select {
	case res := <-k.items:
		if res.err != nil {
			k.done = true
			k.finalErr = res.err
			return zero, res.err
		}
		return res.v, nil
	case <-timer.C:
		return k.sentinel(), nil
	case <-ctx.Done():
		k.done = true
		k.finalErr = ctx.Err()
		return zero, ctx.Err()
	}
}

func (k *keepAliver[T]) pump(ctx context.Context) {
	for {
		v, err := k.src.Next(ctx)
		select {
		case k.items <- pumpResult[T]{v: v, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}
