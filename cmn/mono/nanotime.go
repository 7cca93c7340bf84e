// Package mono provides a monotonic time source for latency measurements
// (admission latency).
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

var start = time.Now()

// NanoTime returns a monotonic nanosecond reading, counted from process
// start. A runtime.nanotime
// linkname would save a few allocations per call at the cost of requiring
// a matched Go runtime version, not worth it at the millisecond-to-second
// scale measured here.
func NanoTime() int64 { return int64(time.Since(start)) }
