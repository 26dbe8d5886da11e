// Package frontend implements the process-internal representation of a
// remote peer's connection (spec.md §4.3/§4.4 "Front-end"): the socket (or
// its absence), a pending-send queue for messages that could not go out
// immediately, and the {DISCONNECT, CONNECT, EPIPE} state with its cool-down
// clock.
//
// Grounded on original_source/src/FrontEnd.cpp/.h and spec.md §4.3 "Failure
// semantics" / §5 "Cancellation and timeouts".
package frontend

import (
	"sync"
	"sync/atomic"

	"github.com/4paradigm/prpc/cmn"
	"github.com/4paradigm/prpc/cmn/mono"
	"github.com/4paradigm/prpc/cmn/nlog"
	"github.com/4paradigm/prpc/concur"
	"github.com/4paradigm/prpc/rpcsock"
	"github.com/4paradigm/prpc/xmsg"
)

// State is the Front-end's connection state (spec.md §4.3).
type State int32

const (
	Disconnect State = iota
	Connect
	Epipe
)

// FrontEnd is owned, by shared reference, in the Context's routing maps
// (spec.md §9 "cyclic ownership": Context is the sole strong owner). It
// holds a raw back-reference to nothing — all routing decisions come from
// the Context, so FrontEnd itself never dials on its own initiative; the
// Context's send path calls AttachSocket after a successful lazy connect.
type FrontEnd struct {
	Rank   int32
	Remote *xmsg.CommInfo // dial target when reconnecting

	mu    sync.Mutex
	sock  rpcsock.Socket
	state atomic.Int32

	pending    *concur.MpscQueue[*xmsg.Message]
	epipeSince atomic.Int64
}

func New(rank int32, remote *xmsg.CommInfo) *FrontEnd {
	fe := &FrontEnd{
		Rank:    rank,
		Remote:  remote,
		pending: concur.NewMpscQueue[*xmsg.Message](),
	}
	fe.state.Store(int32(Disconnect))
	return fe
}

func (fe *FrontEnd) State() State { return State(fe.state.Load()) }

// AttachSocket installs a newly connected/accepted socket and transitions to
// Connect, then flushes any messages queued while disconnected or EPIPE.
func (fe *FrontEnd) AttachSocket(sock rpcsock.Socket) {
	fe.mu.Lock()
	fe.sock = sock
	fe.mu.Unlock()
	fe.state.Store(int32(Connect))
	fe.flushPending()
}

func (fe *FrontEnd) flushPending() {
	for {
		batch := fe.pending.Drain()
		if len(batch) == 0 {
			return
		}
		for _, m := range batch {
			fe.Send(m)
		}
	}
}

// Send transmits msg if connected; on a transport error it marks the
// front-end EPIPE and re-enqueues msg for a later retry (spec.md §4.3
// failure semantics: client-side EPIPE messages are requeued through the
// Context). If not currently connected, msg is queued immediately.
func (fe *FrontEnd) Send(msg *xmsg.Message) bool {
	fe.mu.Lock()
	sock := fe.sock
	state := fe.State()
	fe.mu.Unlock()

	if state != Connect || sock == nil {
		fe.enqueuePending(msg)
		return false
	}
	if err := sock.Send(msg); err != nil {
		fe.markEpipe()
		fe.enqueuePending(msg)
		return false
	}
	return true
}

// enqueuePending pushes msg onto the pending-send queue. The queue itself is
// unbounded (concur.MpscQueue has no capacity limit), so cmn.Config.SendBurst
// is enforced here as a soft cap: crossing it only logs, since dropping or
// blocking a caller's message would break the at-least-once retry contract
// front-ends rely on during EPIPE/reconnect.
func (fe *FrontEnd) enqueuePending(msg *xmsg.Message) {
	fe.pending.Push(msg)
	if n := fe.pending.Size(); n == int64(cmn.GCO.Get().SendBurst) {
		nlog.Warningf("frontend: rank %d pending queue crossed SendBurst (%d messages)", fe.Rank, n)
	}
}

func (fe *FrontEnd) markEpipe() {
	fe.state.Store(int32(Epipe))
	fe.epipeSince.Store(mono.NanoTime())
}

// EligibleForReconnect reports whether an EPIPE front-end's cool-down
// (default 10s, spec.md §5) has elapsed.
func (fe *FrontEnd) EligibleForReconnect() bool {
	if fe.State() != Epipe {
		return false
	}
	elapsed := mono.Since(fe.epipeSince.Load())
	return elapsed >= cmn.GCO.Get().EpipeCooldown
}

// PendingLen reports the number of messages queued for the next successful
// send (diagnostic use; e.g. metrics).
func (fe *FrontEnd) PendingLen() int64 { return fe.pending.Size() }

// Detach tears the front-end down on a receive error (spec.md §4.3): close
// the socket and mark Disconnect so the Context can remove it from the
// routing tables.
func (fe *FrontEnd) Detach() {
	fe.mu.Lock()
	sock := fe.sock
	fe.sock = nil
	fe.mu.Unlock()
	fe.state.Store(int32(Disconnect))
	if sock != nil {
		sock.Close()
	}
}
