// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package httpclient

import (
	"strings"
)

// Header is a single http header.
type Header struct {
	Key   string
	Value string
}

// Headers is an ordered list of http headers. Response headers always have
// lower-cased keys.
type Headers []Header

// Add appends a header.
func (h *Headers) Add(key, value string) {
	*h = append(*h, Header{Key: key, Value: value})
}

// Get returns the value of the first header matching key, case-insensitively.
func (h Headers) Get(key string) (string, bool) {
	for _, v := range h {
		if strings.EqualFold(v.Key, key) {
			return v.Value, true
		}
	}
	return "", false
}

// Has returns true if a header matching key exists.
func (h Headers) Has(key string) bool {
	_, ok := h.Get(key)
	return ok
}

// Clone returns a copy of the headers.
func (h Headers) Clone() Headers {
	return append(Headers(nil), h...)
}
