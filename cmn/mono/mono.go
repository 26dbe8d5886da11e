// Package mono provides monotonic-clock helpers, grounded on the teacher's
// cmn/mono.Since / mono.NanoTime() (see xact/xs/tcb.go).
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds elapsed since process start — monotonic,
// safe to compare across goroutines, never affected by wall-clock changes.
func NanoTime() int64 { return int64(time.Since(start)) }

// Since returns the duration elapsed since a NanoTime() reading.
func Since(ns int64) time.Duration { return time.Duration(NanoTime() - ns) }
