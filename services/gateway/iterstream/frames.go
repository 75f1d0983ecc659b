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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"unicode"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// =============================================================================
// Byte Framing
// =============================================================================

// BytesToFrames reframes a stream of arbitrary byte chunks into a stream of
// JSON objects.
//
// # Description
//
// Upstream chunk boundaries do not respect JSON object boundaries: one HTTP
// read may carry half an object, or three. BytesToFrames keeps a rolling
// buffer, decodes as many complete objects as the buffer holds, and pulls
// more bytes only when the buffer runs dry. Both NDJSON framing and
// back-to-back objects are accepted. The stream fails hard only when the
// source ends with a non-empty unparseable remainder.
func BytesToFrames(src Stream[[]byte]) Stream[datatypes.StreamFrame] {
	f := &byteFramer{src: src}
	return Func[datatypes.StreamFrame](f.next)
}

type byteFramer struct {
	src       Stream[[]byte]
	buf       []byte
	exhausted bool
}

func (f *byteFramer) next(ctx context.Context) (datatypes.StreamFrame, error) {
	for {
		// Try to decode one object from the front of the buffer.
		if frame, n, ok := f.tryDecode(); ok {
			f.buf = f.buf[n:]
			return frame, nil
		}

		if f.exhausted {
			if len(bytes.TrimLeftFunc(f.buf, unicode.IsSpace)) == 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("stream ended with %d unparseable bytes", len(f.buf))
		}

		chunk, err := f.src.Next(ctx)
		if err == io.EOF {
			f.exhausted = true
			continue
		}
		if err != nil {
			return nil, err
		}
		f.buf = append(f.buf, chunk...)
	}
}

// tryDecode attempts to parse one JSON object from the buffer front.
// Returns the frame, the byte count consumed, and whether parsing succeeded.
func (f *byteFramer) tryDecode() (datatypes.StreamFrame, int, bool) {
	trimmed := bytes.TrimLeftFunc(f.buf, unicode.IsSpace)
	if len(trimmed) == 0 {
		return nil, 0, false
	}
	skipped := len(f.buf) - len(trimmed)

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var frame datatypes.StreamFrame
	if err := dec.Decode(&frame); err != nil {
		return nil, 0, false
	}
	return frame, skipped + int(dec.InputOffset()), true
}

// =============================================================================
// Encoding
// =============================================================================

// FramesToBytes JSON-encodes each frame independently, newline-terminated.
func FramesToBytes(src Stream[datatypes.StreamFrame]) Stream[[]byte] {
	return Map(src, func(f datatypes.StreamFrame) ([]byte, error) {
		data, err := f.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode frame: %w", err)
		}
		return append(data, '\n'), nil
	})
}

// ReaderToBytes yields chunks read from r until EOF. Chunk sizes follow
// whatever the reader returns; no coalescing.
func ReaderToBytes(r io.Reader, chunkSize int) Stream[[]byte] {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	done := false
	return Func[[]byte](func(ctx context.Context) ([]byte, error) {
		if done {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf := make([]byte, chunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			if err == io.EOF {
				done = true
			}
			return buf[:n], nil
		}
		if err == io.EOF {
			done = true
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		return []byte{}, nil
	})
}
