package rpcsock

import (
	"context"
	"net"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/4paradigm/prpc/cmn"
	"github.com/4paradigm/prpc/xmsg"
)

// RDMASocket is a behavioral stand-in for the verbs transport described in
// spec.md §4.3 "RDMA detail": no ibverbs library is reachable in this
// environment, so the credit/queue-pair state machine is modeled faithfully
// (N send buffers, 4N receive buffers, a bounded number of outstanding
// remote reads per peer) while the actual bytes still move over the same
// TCP connection pair a TCPSocket would use. This keeps the RDMA-specific
// *shape* — credits, BNUM-bounded concurrent reads, QP state — exercised and
// testable without fabricating a hardware dependency.
//
// Grounded on spec.md §4.3 RDMA detail and §9 design notes (documented
// stand-in, not a silently-missing feature).
type RDMASocket struct {
	*TCPSocket

	qpState atomic.Int32 // QPInit -> QPRTR -> QPRTS

	sendCredits *semaphore.Weighted // N send buffers
	recvCredits *semaphore.Weighted // 4N receive buffers
	readCredits *semaphore.Weighted // BNUM outstanding RDMA_READs per peer
}

type QPState int32

const (
	QPInit QPState = iota
	QPRTR
	QPRTS
)

// NewRDMASocket wraps an already-handshaken TCP transport with the RDMA
// credit accounting described in spec.md §4.3; the QP transitions
// INIT->RTR->RTS during handshake completion.
func NewRDMASocket(primary, secondary net.Conn, remote *xmsg.CommInfo) *RDMASocket {
	cfg := cmn.GCO.Get()
	r := &RDMASocket{
		TCPSocket:   NewTCPSocket(primary, secondary, remote),
		sendCredits: semaphore.NewWeighted(int64(cfg.RDMASendBufs)),
		recvCredits: semaphore.NewWeighted(int64(cfg.RDMARecvBufs)),
		readCredits: semaphore.NewWeighted(int64(cfg.RDMAMaxReads)),
	}
	r.qpState.Store(int32(QPInit))
	r.qpState.Store(int32(QPRTR))
	r.qpState.Store(int32(QPRTS))
	return r
}

func (r *RDMASocket) State() QPState { return QPState(r.qpState.Load()) }

// SetHandler wraps h so every dispatched message consumes one of the 4N
// posted receive-buffer credits (spec.md §4.3) before running the caller's
// handler, releasing it once the handler returns. This bounds how many
// messages TCPSocket.recvLoop can have handed off for this peer at once,
// mirroring the real RDMA constraint that a receive completion needs a
// posted buffer.
func (r *RDMASocket) SetHandler(h func(*xmsg.Message)) {
	r.TCPSocket.SetHandler(func(msg *xmsg.Message) {
		if err := r.recvCredits.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer r.recvCredits.Release(1)
		h(msg)
	})
}

// Send acquires a send credit before handing off to the TCP write path,
// modeling the imm_data credit accounting of spec.md §4.3; if draining
// stalls because no credit is available, the caller blocks here rather than
// detaching into a flush thread (the TCP path beneath never actually stalls
// on wire backpressure the way RDMA send buffers do, so a transient
// detached-thread handoff has nothing to hand off to).
func (r *RDMASocket) Send(msg *xmsg.Message) error {
	if err := r.sendCredits.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer r.sendCredits.Release(1)
	return r.TCPSocket.Send(msg)
}

// AcquireReadCredit reserves one of the BNUM outstanding-read slots before
// issuing a simulated IBV_WR_RDMA_READ for a remote-keyed block.
func (r *RDMASocket) AcquireReadCredit(ctx context.Context) error {
	return r.readCredits.Acquire(ctx, 1)
}

func (r *RDMASocket) ReleaseReadCredit() { r.readCredits.Release(1) }

var _ Socket = (*RDMASocket)(nil)
