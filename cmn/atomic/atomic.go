// Package atomic provides typed atomic wrappers over sync/atomic, grounded
// on the teacher's cmn/atomic.Int64 / atomic.Int32 usage (e.g. xact/xs/tcb.go:
// "rxlast atomic.Int64", "refc atomic.Int32"). Stdlib only — the teacher's own
// atomic package is likewise hand-rolled, not a third-party import.
package atomic

import "sync/atomic"

type Int64 struct{ v atomic.Int64 }

func (i *Int64) Load() int64        { return i.v.Load() }
func (i *Int64) Store(n int64)      { i.v.Store(n) }
func (i *Int64) Inc() int64         { return i.v.Add(1) }
func (i *Int64) Dec() int64         { return i.v.Add(-1) }
func (i *Int64) Add(n int64) int64  { return i.v.Add(n) }
func (i *Int64) CAS(old, new int64) bool { return i.v.CompareAndSwap(old, new) }

type Int32 struct{ v atomic.Int32 }

func (i *Int32) Load() int32       { return i.v.Load() }
func (i *Int32) Store(n int32)     { i.v.Store(n) }
func (i *Int32) Inc() int32        { return i.v.Add(1) }
func (i *Int32) Dec() int32        { return i.v.Add(-1) }
func (i *Int32) Add(n int32) int32 { return i.v.Add(n) }

type Bool struct{ v atomic.Bool }

func (b *Bool) Load() bool     { return b.v.Load() }
func (b *Bool) Store(v bool)   { b.v.Store(v) }
func (b *Bool) CAS(old, new bool) bool { return b.v.CompareAndSwap(old, new) }

type Uint32 struct{ v atomic.Uint32 }

func (u *Uint32) Load() uint32       { return u.v.Load() }
func (u *Uint32) Store(n uint32)     { u.v.Store(n) }
func (u *Uint32) CAS(old, new uint32) bool { return u.v.CompareAndSwap(old, new) }

// Value wraps atomic.Value for arbitrary immutable snapshots (e.g. Config).
type Value struct{ v atomic.Value }

func (x *Value) Load() any   { return x.v.Load() }
func (x *Value) Store(v any) { x.v.Store(v) }
