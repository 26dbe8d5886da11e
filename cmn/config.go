// Package cmn holds the ambient stack shared by every prpc package: process
// config, typed atomics, debug assertions, leveled logging, and error kinds.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"sync/atomic"
	"time"
)

// Config is the process-wide tunable set. It is swapped atomically so that
// readers never need to lock; compare to the teacher's cmn.GCO.Get() pattern.
type Config struct {
	// MinZeroCopySize is the threshold (bytes) at or above which an extra block
	// travels out-of-band (secondary TCP stream / RDMA read) instead of being
	// inlined into the eager body (spec.md §3, §4.3).
	MinZeroCopySize int64

	// EpipeCooldown is how long a Front-end stays in EPIPE before becoming
	// eligible for reconnect (spec.md §5, default 10s).
	EpipeCooldown time.Duration

	// ReactorThreads is the number of epoll reactor goroutines the RPC
	// Context spawns (spec.md §4.4/§5).
	ReactorThreads int

	// DialTimeout bounds a Front-end's lazy connect.
	DialTimeout time.Duration

	// SendBurst is the pending-send queue length past which a Front-end logs a
	// warning; the queue itself has no capacity limit.
	SendBurst int

	// RDMASendBufs / RDMARecvBufs mirror spec.md §4.3's N send-buffers,
	// 4N receive-buffers; RDMAMaxReads is BNUM.
	RDMASendBufs int
	RDMARecvBufs int
	RDMAMaxReads int

	// RegistryRoot is the default tree root name ("root" per spec.md §6).
	RegistryRoot string
}

// DefaultConfig mirrors the constants named throughout spec.md.
func DefaultConfig() *Config {
	return &Config{
		MinZeroCopySize: 1 << 20, // 1 MiB, MIN_ZERO_COPY_SIZE
		EpipeCooldown:   10 * time.Second,
		ReactorThreads:  4,
		DialTimeout:     5 * time.Second,
		SendBurst:       256,
		RDMASendBufs:    16,
		RDMARecvBufs:    64,
		RDMAMaxReads:    8, // BNUM
		RegistryRoot:    "root",
	}
}

// globalConfigOwner is the process-wide atomically-swapped Config, following
// the teacher's cmn.GCO (Global Config Owner) idiom.
type globalConfigOwner struct {
	p atomic.Pointer[Config]
}

func (g *globalConfigOwner) Get() *Config {
	c := g.p.Load()
	if c == nil {
		c = DefaultConfig()
		g.p.CompareAndSwap(nil, c)
		c = g.p.Load()
	}
	return c
}

func (g *globalConfigOwner) Put(c *Config) { g.p.Store(c) }

// GCO is the process singleton config owner, mirroring the teacher's cmn.GCO.
var GCO = &globalConfigOwner{}
