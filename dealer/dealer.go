// Package dealer implements the user-visible send/recv handle of spec.md
// §4.5: an id-tagged endpoint with its own inbox channel, built on top of
// rpcctx.Context for routing.
package dealer

import (
	"github.com/4paradigm/prpc/concur"
	"github.com/4paradigm/prpc/rpcctx"
	"github.com/4paradigm/prpc/xmsg"
)

// Dealer is exclusively owned by the user handle that created it and
// deregisters itself from the Context on Terminate (glossary: "Dealer").
type Dealer struct {
	id      int32
	ctx     *rpcctx.Context
	sid     int32 // bound service id, 0 for a pure client dealer with no server role
	isServer bool

	inbox *concur.Channel[*xmsg.Message]
}

// NewClientDealer mints a dealer id and registers it with ctx as a response
// target; the caller uses it to send requests and receive matched
// responses.
func NewClientDealer(ctx *rpcctx.Context) *Dealer {
	d := &Dealer{
		id:    ctx.NewDealerID(),
		ctx:   ctx,
		inbox: concur.NewChannel[*xmsg.Message](0),
	}
	ctx.RegisterDealer(d.id, d)
	return d
}

// NewServerDealer mints a dealer id, registers it as the inbound-request
// target for sid, and returns the handle a server uses to recv_request /
// send_response.
func NewServerDealer(ctx *rpcctx.Context, sid int32) *Dealer {
	d := &Dealer{
		id:       ctx.NewDealerID(),
		ctx:      ctx,
		sid:      sid,
		isServer: true,
		inbox:    concur.NewChannel[*xmsg.Message](0),
	}
	ctx.RegisterDealer(d.id, d)
	ctx.BindServiceDealer(sid, d.id)
	return d
}

func (d *Dealer) ID() int32 { return d.id }

// Deliver implements rpcctx.Inbox: the Context calls this when a message
// addressed to this dealer arrives.
func (d *Dealer) Deliver(msg *xmsg.Message) { d.inbox.Send(msg) }

// SendRequest stamps src_dealer/rpc_id and routes req via the Context
// (spec.md §4.5 client side). rpcID should be unique per outstanding call;
// pass 0 for one-way sends with no expected response.
//
// A retried send after EPIPE reuses the same serialized bytes; whether that
// is safe is a contract on the service implementer, not a framework
// guarantee (spec.md §9 open question 2).
func (d *Dealer) SendRequest(req *xmsg.Message, rpcID uint64) {
	req.Head.SrcDealer = d.id
	req.Head.SrcRank = d.ctx.SelfRank()
	req.Head.RpcID = rpcID
	if req.Head.DstDealer == 0 {
		req.Head.DstDealer = -1 // one-way unless the caller set an explicit target
		req.Head.SrcDealer = -1
	}
	d.ctx.SendRequest(req)
}

// RecvResponse reads from this dealer's inbox (timeoutMs: -1 infinite, 0
// poll, >0 bounded — spec.md §5 suspension points).
func (d *Dealer) RecvResponse(timeoutMs int) (*xmsg.Message, bool) {
	return d.inbox.Recv(timeoutMs)
}

// SyncRpcCall is send+recv in one call (spec.md §4.5).
func (d *Dealer) SyncRpcCall(req *xmsg.Message, timeoutMs int, rpcID uint64) (*xmsg.Message, bool) {
	req.Head.DstDealer = d.id
	d.SendRequest(req, rpcID)
	return d.RecvResponse(timeoutMs)
}

// RecvRequest reads from this server dealer's request inbox.
func (d *Dealer) RecvRequest(timeoutMs int) (*xmsg.Message, bool) {
	return d.inbox.Recv(timeoutMs)
}

// SendResponse looks up the source rank's server-front-end and writes
// (spec.md §4.5 server side).
func (d *Dealer) SendResponse(resp *xmsg.Message) {
	d.ctx.SendResponse(resp)
}

// Terminate marks the dealer's channel closed; subsequent RecvRequest /
// RecvResponse return false (spec.md §4.4 cancellation), and deregisters it
// from the Context.
func (d *Dealer) Terminate() {
	d.inbox.Terminate()
	d.ctx.DeregisterDealer(d.id)
	if d.isServer {
		d.ctx.UnbindServiceDealer(d.sid, d.id)
	}
}
