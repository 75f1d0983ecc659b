// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// scrubThresholdBytes is the per-element size above which an images array
// is summarised instead of stored.
const scrubThresholdBytes = 256

// ScrubImages replaces oversized base64 image payloads in a JSON request
// body with a size summary.
//
// # Description
//
// Ollama chat and generate requests carry images as base64 strings in an
// "images" array, either at the top level or per message. Storing megabytes
// of base64 per turn would bloat the audit file for no forensic value, so
// any images array containing an element larger than scrubThresholdBytes
// is replaced with {"count": n, "sizes": [...]}.
//
// Non-JSON bodies and bodies without oversized images pass through
// unchanged.
func ScrubImages(body []byte) []byte {
	if !gjson.ValidBytes(body) {
		return body
	}
	out := body
	if r := gjson.GetBytes(out, "images"); r.IsArray() {
		out = scrubArray(out, "images", r)
	}
	if msgs := gjson.GetBytes(out, "messages"); msgs.IsArray() {
		for i := range msgs.Array() {
			path := "messages." + strconv.Itoa(i) + ".images"
			if r := gjson.GetBytes(out, path); r.IsArray() {
				out = scrubArray(out, path, r)
			}
		}
	}
	return out
}

func scrubArray(body []byte, path string, arr gjson.Result) []byte {
	elems := arr.Array()
	oversized := false
	sizes := make([]int, 0, len(elems))
	for _, e := range elems {
		n := len(e.String())
		sizes = append(sizes, n)
		if n > scrubThresholdBytes {
			oversized = true
		}
	}
	if !oversized {
		return body
	}
	summary := map[string]any{"count": len(elems), "sizes": sizes}
	out, err := sjson.SetBytes(body, path, summary)
	if err != nil {
		return body
	}
	return out
}
