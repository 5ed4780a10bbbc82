// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"math/rand"
	"time"
)

// JitteredDuration shortens base by a random amount up to fraction of
// itself. Many zipline-loader instances polling the same manifest URL
// on an identical interval would otherwise all land on the origin at
// the same wall-clock offset; subtracting a random slice desyncs them.
//
// The result is never greater than base, so a caller relying on an
// upper bound on wait time ("re-emit at least every T") keeps that
// guarantee — jitter only ever makes the wait shorter.
//
// fraction is clamped to [0, 1]. fraction <= 0 or base <= 0 returns
// base unchanged.
func JitteredDuration(base time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || base <= 0 {
		return base
	}
	if fraction > 1 {
		fraction = 1
	}
	return base - time.Duration(rand.Float64()*fraction*float64(base))
}
