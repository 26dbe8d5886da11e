// Package concur holds the concurrency primitives used throughout prpc:
// a channel with closeable/terminate semantics, an AsyncReturn slot for
// matching RPC replies, an AsyncWatcher callback dispatcher, a spinlock pair
// (exclusive and reader/writer), and an MPSC queue with single-writer election.
//
// Grounded on original_source/src/{Channel,AsyncReturn,AsyncWatcher,SpinLock,
// MpscQueue}.h.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package concur

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a simple CAS spinlock. The teacher's own SpinLock.cpp is a
// hand-rolled primitive, not a third-party import, so this stays on stdlib
// sync/atomic (see DESIGN.md).
type SpinLock struct{ state atomic.Int32 }

func (l *SpinLock) Lock() {
	for !l.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func (l *SpinLock) Unlock() { l.state.Store(0) }

func (l *SpinLock) TryLock() bool { return l.state.CompareAndSwap(0, 1) }

// RWSpinLock is the reader/writer spinlock guarding the RPC Context's routing
// tables (spec.md §4.4/§5): lookups take the shared path, topology updates
// take the exclusive path.
type RWSpinLock struct {
	readers atomic.Int32
	writer  atomic.Int32
}

func (l *RWSpinLock) RLock() {
	for {
		for l.writer.Load() != 0 {
			runtime.Gosched()
		}
		l.readers.Add(1)
		if l.writer.Load() == 0 {
			return
		}
		l.readers.Add(-1)
	}
}

func (l *RWSpinLock) RUnlock() { l.readers.Add(-1) }

func (l *RWSpinLock) Lock() {
	for !l.writer.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
	for l.readers.Load() != 0 {
		runtime.Gosched()
	}
}

func (l *RWSpinLock) Unlock() { l.writer.Store(0) }
