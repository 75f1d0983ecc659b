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
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultTeeBufferLen is the line-buffer flush threshold for TeeToLog.
const DefaultTeeBufferLen = 120

// TeeToLog yields every element unchanged while accumulating indexer(e)
// into a line buffer, flushed to out when it reaches maxBufferLen or the
// source ends.
//
// # Description
//
// This is the developer-visible trace of a streaming response: token
// fragments are tiny, so writing each individually would shred the terminal.
// Pass nil out for os.Stdout, and maxBufferLen <= 0 for the default.
func TeeToLog[T any](src Stream[T], indexer func(T) string, maxBufferLen int, out io.Writer) Stream[T] {
	if out == nil {
		out = os.Stdout
	}
	if maxBufferLen <= 0 {
		maxBufferLen = DefaultTeeBufferLen
	}
	var line strings.Builder
	flushed := false

	flush := func() {
		if line.Len() == 0 {
			return
		}
		fmt.Fprintln(out, line.String())
		line.Reset()
	}

	return Func[T](func(ctx context.Context) (T, error) {
		v, err := src.Next(ctx)
		if err != nil {
			if !flushed {
				flushed = true
				flush()
			}
			return v, err
		}
		line.WriteString(indexer(v))
		if line.Len() >= maxBufferLen {
			flush()
		}
		return v, nil
	})
}
