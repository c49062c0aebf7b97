// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package provisioning

import (
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultRetryAfter is used when the service gives no usable retry hint.
	DefaultRetryAfter = time.Second

	// MaxRetryAfter is the longest retry interval honoured.
	MaxRetryAfter = 5 * time.Minute
)

// ClampRetryAfter bounds d to [DefaultRetryAfter, MaxRetryAfter].
func ClampRetryAfter(d time.Duration) time.Duration {
	if d < DefaultRetryAfter {
		return DefaultRetryAfter
	}

	if d > MaxRetryAfter {
		return MaxRetryAfter
	}

	return d
}

// ParseRetryAfter parses a retry-after value in whole seconds. Empty or
// malformed values give DefaultRetryAfter.
func ParseRetryAfter(s string) time.Duration {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return DefaultRetryAfter
	}

	if n > int64(MaxRetryAfter/time.Second) {
		return MaxRetryAfter
	}

	return time.Duration(n) * time.Second
}
